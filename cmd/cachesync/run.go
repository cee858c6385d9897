package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/cachesync-go/auth"
	"github.com/glimte/cachesync-go/config"
	"github.com/glimte/cachesync-go/internal/jsoncodec"
	"github.com/glimte/cachesync-go/internal/logging"
	"github.com/glimte/cachesync-go/internal/metrics"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	healthTimeout     = 5 * time.Second
)

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(os.Stdout, level, cfg.LogFormat), nil
}

func loadPolicy(cfg *config.Config) (*auth.Policy, error) {
	if cfg.PolicyFile == "" {
		return auth.DefaultPolicy(), nil
	}
	return auth.LoadPolicyFile(cfg.PolicyFile)
}

// newMetrics returns a registered collector and its /metrics handler, or
// nils when metrics are disabled.
func newMetrics(cfg *config.Config) (*metrics.Collector, http.Handler, error) {
	if !cfg.MetricsEnabled {
		return nil, nil, nil
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.NewCollector(registry)
	if err := collector.Register(); err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	return collector, metrics.Handler(registry), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs srv until ctx ends or one of the extra tasks fails. On the
// way out beforeShutdown runs first, then the listener is drained.
func serveHTTP(ctx context.Context, srv *http.Server, logger *slog.Logger, beforeShutdown func(context.Context) error, tasks ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, task := range tasks {
		g.Go(func() error { return task(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if beforeShutdown != nil {
			errs = append(errs, beforeShutdown(shutdownCtx))
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

type response struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, response{
		Success:    status < http.StatusBadRequest,
		StatusCode: status,
		Message:    message,
		Data:       data,
	})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, auth.ErrorResponse{
		Success:       false,
		StatusCode:    status,
		Message:       message,
		ErrorMessages: []auth.ErrorMessage{{Path: "", Message: message}},
	})
}
