package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// RoleLookup resolves a subject's current role, for instance from the local
// user cache.
type RoleLookup interface {
	LookupRole(ctx context.Context, subjectID string) (role string, found bool, err error)
}

// Authorizer enforces permissions inside a service from the attributes the
// gateway forwarded
type Authorizer struct {
	policy     *Policy
	assertions *Verifier
	logger     *slog.Logger
	rejections RejectionRecorder
}

// AuthorizerOption configures the authorizer
type AuthorizerOption func(*Authorizer)

// WithAssertionVerification requires a gateway assertion signed with key
// and issued by the gateway
func WithAssertionVerification(key []byte) AuthorizerOption {
	return func(a *Authorizer) {
		a.assertions = NewVerifier(key)
		a.assertions.issuer = AssertionIssuer
	}
}

// WithAuthorizerLogger sets the logger
func WithAuthorizerLogger(logger *slog.Logger) AuthorizerOption {
	return func(a *Authorizer) {
		a.logger = logger
	}
}

// WithAuthorizerRejections counts rejected requests
func WithAuthorizerRejections(r RejectionRecorder) AuthorizerOption {
	return func(a *Authorizer) {
		a.rejections = r
	}
}

// NewAuthorizer creates an authorizer. policy is used by AuthorizeFromRole.
func NewAuthorizer(policy *Policy, options ...AuthorizerOption) *Authorizer {
	a := &Authorizer{
		policy: policy,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Mode reports which forwarded attributes are trusted
func (a *Authorizer) Mode() Mode {
	if a.assertions != nil {
		return ModeAssertion
	}
	return ModeHeaders
}

// ContextFromRequest rebuilds the caller's context. It never looks at the
// Authorization header.
func (a *Authorizer) ContextFromRequest(r *http.Request) (Context, error) {
	c, err := readForwarded(r.Header)
	if err != nil {
		return Context{}, err
	}
	if a.assertions == nil {
		return c, nil
	}

	assertion := r.Header.Get(HeaderUserAssertion)
	if assertion == "" {
		return Context{}, ErrAuthenticationRequired
	}
	asserted, err := a.assertions.Verify(assertion)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %w", ErrInvalidAuthData, err)
	}
	return asserted, nil
}

// Authorize returns a middleware admitting callers granted permission. The
// rebuilt context is attached to the request.
func (a *Authorizer) Authorize(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := a.ContextFromRequest(r)
			if err != nil {
				a.reject(w, r, permission, err)
				return
			}
			if !c.Has(permission) {
				a.reject(w, r, permission, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), c)))
		})
	}
}

// AuthorizeFromRole is like Authorize but ignores the forwarded role, level
// and permissions: the subject's role is looked up through lookup and its
// grants are taken from the policy. A role change is then effective without
// waiting for the caller's token to expire.
func (a *Authorizer) AuthorizeFromRole(lookup RoleLookup, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			forwarded, err := a.ContextFromRequest(r)
			if err != nil {
				a.reject(w, r, permission, err)
				return
			}

			role, found, err := lookup.LookupRole(r.Context(), forwarded.SubjectID)
			if err != nil {
				a.reject(w, r, permission, fmt.Errorf("look up role of %s: %w", forwarded.SubjectID, err))
				return
			}
			if !found {
				a.reject(w, r, permission, ErrUnknownSubject)
				return
			}

			c, err := a.policy.ContextFor(forwarded.SubjectID, forwarded.Email, Role(role))
			if err != nil {
				a.reject(w, r, permission, err)
				return
			}
			if !c.Has(permission) {
				a.reject(w, r, permission, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), c)))
		})
	}
}

func (a *Authorizer) reject(w http.ResponseWriter, r *http.Request, permission string, err error) {
	status := StatusOf(err)
	a.logger.Warn("request rejected",
		"path", r.URL.Path,
		"method", r.Method,
		"permission", permission,
		"status", status,
		"error", err)
	if a.rejections != nil {
		a.rejections.RecordAuthRejection("service", status)
	}
	WriteError(w, err)
}
