package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/glimte/cachesync-go/auth"
	"github.com/glimte/cachesync-go/health"
)

// upstreamPrefix is prepended to every proxied path.
const upstreamPrefix = "/api/v1"

// gatewayResources maps the public path segment to the service behind it.
var gatewayResources = map[string]string{
	"users":    "user",
	"products": "product",
	"orders":   "order",
}

func newGatewayCmd(s *settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the API gateway",
		Long: `Run the API gateway. Requests under /public/{users,products,orders} are
proxied as-is; requests under /private/... need a bearer token whose claims
are forwarded to the service as x-user-* headers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s.bind(cmd, "port", "port")
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateGateway(); err != nil {
				return err
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			logger = logger.With("service", "gateway")
			logger.Info("starting gateway", "config", cfg.String())

			collector, metricsHandler, err := newMetrics(cfg)
			if err != nil {
				return err
			}

			opts := []auth.GatewayOption{auth.WithGatewayLogger(logger)}
			if collector != nil {
				opts = append(opts, auth.WithGatewayRejections(collector))
			}
			if cfg.Mode() == auth.ModeAssertion {
				opts = append(opts, auth.WithAssertionKey([]byte(cfg.InteriorSecret)))
			}
			gw := auth.NewGateway(auth.NewVerifier([]byte(cfg.JWTAccessSecret)), opts...)

			upstreams := make(map[string]*url.URL, len(gatewayResources))
			for name, raw := range cfg.Upstreams() {
				u, err := url.Parse(raw)
				if err != nil {
					return fmt.Errorf("parse %s upstream: %w", name, err)
				}
				upstreams[name] = u
			}

			registry := health.NewRegistry()
			registry.SetMetadata("service", "gateway")
			registry.SetMetadata("authMode", string(gw.Mode()))
			for name, u := range upstreams {
				registry.Register(upstreamChecker(name, u))
			}

			router := newGatewayRouter(gw, upstreams, logger)
			router.Handle("/healthz", health.NewHandler(registry, healthTimeout))
			if metricsHandler != nil {
				router.Handle("/metrics", metricsHandler)
			}

			ctx, stop := signalContext()
			defer stop()

			srv := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           router,
				ReadHeaderTimeout: readHeaderTimeout,
			}
			return serveHTTP(ctx, srv, logger, nil)
		},
	}

	cmd.Flags().Int("port", 8080, "listen port")

	return cmd
}

// newGatewayRouter mounts a reverse proxy per service under /public and
// /private. The matched /{visibility}/{resource} prefix is replaced with
// /api/v1 on the way upstream.
func newGatewayRouter(gw *auth.Gateway, upstreams map[string]*url.URL, logger *slog.Logger) chi.Router {
	proxies := make(map[string]http.Handler, len(upstreams))
	for resource, service := range gatewayResources {
		if target, ok := upstreams[service]; ok && target != nil {
			proxies[resource] = newUpstreamProxy(target, logger)
		}
	}

	forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxy, ok := proxies[chi.URLParam(r, "resource")]
		if !ok {
			writeFailure(w, http.StatusNotFound, "API Not Found")
			return
		}
		proxy.ServeHTTP(w, r)
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/public", func(r chi.Router) {
		r.Use(gw.Anonymous)
		r.Handle("/{resource}", forward)
		r.Handle("/{resource}/*", forward)
	})
	r.Route("/private", func(r chi.Router) {
		r.Use(gw.AuthenticateAndForward)
		r.Handle("/{resource}", forward)
		r.Handle("/{resource}/*", forward)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "API Not Found")
	})

	return r
}

func newUpstreamProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	base := strings.TrimSuffix(target.Path, "/")

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			suffix := chi.URLParam(pr.In, "*")
			path := base + upstreamPrefix
			if suffix != "" {
				path += "/" + suffix
			}
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""

			logger.Info("gateway route",
				"clientRequest", pr.In.Method+" "+pr.In.URL.RequestURI(),
				"routedTo", target.String(),
				"serviceReceives", pr.Out.Method+" "+pr.Out.URL.RequestURI())
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("proxy error",
				"url", r.URL.RequestURI(),
				"target", target.String(),
				"error", err)
			writeFailure(w, http.StatusBadGateway, "Service unavailable")
		},
	}
}

// upstreamChecker probes the service's /healthz. An unreachable service
// degrades the gateway rather than failing it.
func upstreamChecker(name string, target *url.URL) health.Checker {
	client := &http.Client{Timeout: 2 * time.Second}
	probe := target.JoinPath("healthz").String()

	return health.NewComponentChecker(name+"-service", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%s returned %d", probe, resp.StatusCode)
		}
		return nil
	}).Degraded()
}
