// Package config loads service and gateway settings from the environment
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/glimte/cachesync-go/auth"
	"github.com/glimte/cachesync-go/contracts"
	"github.com/glimte/cachesync-go/internal/logging"
	"github.com/glimte/cachesync-go/internal/rabbitmq"
)

// Cache drivers.
const (
	CacheMemory   = "memory"
	CacheSQLite   = "sqlite3"
	CachePostgres = "postgres"
)

// Config holds every setting read by the gateway and the services.
type Config struct {
	ServiceName        string        `mapstructure:"service_name"`
	Port               int           `mapstructure:"port"`
	RabbitMQURL        string        `mapstructure:"rabbitmq_url"`
	JWTAccessSecret    string        `mapstructure:"jwt_access_secret"`
	JWTAccessExpiresIn time.Duration `mapstructure:"jwt_access_expires_in"`
	InteriorSecret     string        `mapstructure:"gateway_secret"`
	AuthMode           string        `mapstructure:"auth_mode"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryStep          time.Duration `mapstructure:"retry_step"`
	PrefetchCount      int           `mapstructure:"prefetch_count"`
	PublishConfirms    bool          `mapstructure:"publish_confirms"`
	CacheDriver        string        `mapstructure:"cache_driver"`
	CacheDSN           string        `mapstructure:"cache_dsn"`
	DeadLetterLogPath  string        `mapstructure:"dlq_log_path"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	UserServiceURL     string        `mapstructure:"user_service_url"`
	ProductServiceURL  string        `mapstructure:"product_service_url"`
	OrderServiceURL    string        `mapstructure:"order_service_url"`
	PolicyFile         string        `mapstructure:"policy_file"`
	MetricsEnabled     bool          `mapstructure:"metrics_enabled"`
}

var defaults = map[string]any{
	"service_name":          "order",
	"port":                  8080,
	"rabbitmq_url":          "",
	"jwt_access_secret":     "",
	"jwt_access_expires_in": time.Hour,
	"gateway_secret":        "",
	"auth_mode":             string(auth.ModeHeaders),
	"max_retries":           2,
	"retry_step":            5 * time.Second,
	"prefetch_count":        10,
	"publish_confirms":      true,
	"cache_driver":          CacheMemory,
	"cache_dsn":             "",
	"dlq_log_path":          "",
	"log_level":             "info",
	"log_format":            "json",
	"user_service_url":      "",
	"product_service_url":   "",
	"order_service_url":     "",
	"policy_file":           "",
	"metrics_enabled":       true,
}

// New returns a viper instance with defaults set and environment lookup
// enabled; every key maps to its upper-case environment variable.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional YAML file at path into v, then decodes the merged
// settings. Environment variables take precedence over the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ServiceName = strings.ToLower(strings.TrimSpace(cfg.ServiceName))
	return &cfg, nil
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	mode, ok := auth.ParseMode(c.AuthMode)
	if !ok {
		errs = append(errs, fmt.Errorf("AUTH_MODE %q must be headers or assertion", c.AuthMode))
	}
	if mode == auth.ModeAssertion {
		switch {
		case c.InteriorSecret == "":
			errs = append(errs, errors.New("GATEWAY_SECRET is required when AUTH_MODE=assertion"))
		case c.InteriorSecret == c.JWTAccessSecret:
			errs = append(errs, errors.New("GATEWAY_SECRET must differ from JWT_ACCESS_SECRET"))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES %d is negative", c.MaxRetries))
	}
	if c.RetryStep <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_STEP %s must be positive", c.RetryStep))
	}
	if c.PrefetchCount <= 0 {
		errs = append(errs, fmt.Errorf("PREFETCH_COUNT %d must be positive", c.PrefetchCount))
	}
	switch c.CacheDriver {
	case CacheMemory:
	case CacheSQLite, CachePostgres:
		if c.CacheDSN == "" {
			errs = append(errs, fmt.Errorf("CACHE_DSN is required for CACHE_DRIVER=%s", c.CacheDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_DRIVER %q must be memory, sqlite3 or postgres", c.CacheDriver))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ValidateService checks what an interior service needs.
func (c *Config) ValidateService() error {
	errs := []error{c.Validate()}
	if _, ok := contracts.InboxFor(c.ServiceName); !ok {
		errs = append(errs, fmt.Errorf("SERVICE_NAME %q must be user, product or order", c.ServiceName))
	}
	if c.RabbitMQURL == "" {
		errs = append(errs, errors.New("RABBITMQ_URL is required"))
	}
	return errors.Join(errs...)
}

// ValidateGateway checks what the gateway needs.
func (c *Config) ValidateGateway() error {
	errs := []error{c.Validate()}
	if c.JWTAccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET is required"))
	}
	for name, raw := range c.Upstreams() {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s_SERVICE_URL is required", strings.ToUpper(name)))
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s_SERVICE_URL %q is not an absolute URL", strings.ToUpper(name), raw))
		}
	}
	return errors.Join(errs...)
}

// Mode returns the parsed AUTH_MODE; call Validate first.
func (c *Config) Mode() auth.Mode {
	mode, _ := auth.ParseMode(c.AuthMode)
	return mode
}

// Upstreams maps service names to the URLs the gateway proxies to.
func (c *Config) Upstreams() map[string]string {
	return map[string]string{
		"user":    c.UserServiceURL,
		"product": c.ProductServiceURL,
		"order":   c.OrderServiceURL,
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// String renders the settings with secrets and URL passwords redacted.
func (c *Config) String() string {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf(
		"service=%s port=%d rabbitmq=%s authMode=%s jwtSecret=%s gatewaySecret=%s maxRetries=%d retryStep=%s prefetch=%d confirms=%t cache=%s cacheDSN=%s logLevel=%s logFormat=%s",
		c.ServiceName, c.Port, rabbitmq.SanitizeURL(c.RabbitMQURL), c.AuthMode,
		redact(c.JWTAccessSecret), redact(c.InteriorSecret),
		c.MaxRetries, c.RetryStep, c.PrefetchCount, c.PublishConfirms,
		c.CacheDriver, redact(c.CacheDSN), c.LogLevel, c.LogFormat,
	)
}
