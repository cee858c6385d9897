package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AssertionTTL bounds the lifetime of a gateway assertion.
const AssertionTTL = 60 * time.Second

// AssertionIssuer is the iss claim of every gateway assertion.
const AssertionIssuer = "gateway"

// Gateway authenticates requests at the edge and forwards the caller's
// capabilities to the interior services.
type Gateway struct {
	verifier   *Verifier
	assertions *Issuer
	logger     *slog.Logger
	rejections RejectionRecorder
}

// GatewayOption configures the gateway
type GatewayOption func(*Gateway)

// WithAssertionKey switches the gateway to assertion mode; key must be known
// only to the gateway and the interior services.
func WithAssertionKey(key []byte) GatewayOption {
	return func(g *Gateway) {
		g.assertions = NewIssuer(key, AssertionTTL, nil)
		g.assertions.issuer = AssertionIssuer
	}
}

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithGatewayRejections counts rejected requests
func WithGatewayRejections(r RejectionRecorder) GatewayOption {
	return func(g *Gateway) {
		g.rejections = r
	}
}

// NewGateway creates a gateway verifying access tokens with verifier
func NewGateway(verifier *Verifier, options ...GatewayOption) *Gateway {
	g := &Gateway{
		verifier: verifier,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

// Mode reports how the gateway forwards capabilities
func (g *Gateway) Mode() Mode {
	if g.assertions != nil {
		return ModeAssertion
	}
	return ModeHeaders
}

// Authenticate verifies the bearer token of r.
func (g *Gateway) Authenticate(r *http.Request) (Context, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Context{}, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Context{}, ErrMissingToken
	}
	return g.verifier.Verify(token)
}

// AuthenticateAndForward rejects requests without a valid token. Otherwise
// it replaces any client-supplied x-user-* headers with the verified claims
// and calls next.
func (g *Gateway) AuthenticateAndForward(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := g.Authenticate(r)
		if err != nil {
			g.reject(w, r, err)
			return
		}

		if c.RoleLevel == 0 {
			c.RoleLevel = DefaultRoleLevel
		}

		stripForwarded(r.Header)
		if err := setForwarded(r.Header, c); err != nil {
			g.reject(w, r, fmt.Errorf("encode forwarded attributes: %w", err))
			return
		}

		if g.assertions != nil {
			assertion, err := g.assertions.sign(c, AssertionTTL)
			if err != nil {
				g.reject(w, r, err)
				return
			}
			r.Header.Set(HeaderUserAssertion, assertion)
		}

		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), c)))
	})
}

// Anonymous admits every request but drops client-supplied x-user-*
// headers, so public routes cannot impersonate a subject upstream.
func (g *Gateway) Anonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripForwarded(r.Header)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) reject(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	g.logger.Warn("request rejected at gateway",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err)
	if g.rejections != nil {
		g.rejections.RecordAuthRejection("gateway", status)
	}
	WriteError(w, err)
}
