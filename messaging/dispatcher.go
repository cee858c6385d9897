package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/cachesync-go/contracts"
)

// Reconciler applies the events of one domain to a local cache.
type Reconciler interface {
	Reconcile(ctx context.Context, env contracts.Envelope) error
}

// ReconcilerFunc is a function adapter for Reconciler
type ReconcilerFunc func(ctx context.Context, env contracts.Envelope) error

// Reconcile implements Reconciler
func (f ReconcilerFunc) Reconcile(ctx context.Context, env contracts.Envelope) error {
	return f(ctx, env)
}

// Dispatcher routes decoded envelopes to the reconciler of their domain
type Dispatcher struct {
	mu          sync.RWMutex
	reconcilers map[contracts.Domain]Reconciler
	logger      *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher with no reconcilers
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		reconcilers: make(map[contracts.Domain]Reconciler),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register sets the reconciler for domain, replacing any previous one
func (d *Dispatcher) Register(domain contracts.Domain, reconciler Reconciler) error {
	if reconciler == nil {
		return fmt.Errorf("reconciler for %s cannot be nil", domain)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconcilers[domain] = reconciler

	d.logger.Info("registered reconciler", "domain", domain)
	return nil
}

// Domains returns the domains with a registered reconciler
func (d *Dispatcher) Domains() []contracts.Domain {
	d.mu.RLock()
	defer d.mu.RUnlock()

	domains := make([]contracts.Domain, 0, len(d.reconcilers))
	for _, domain := range contracts.Domains {
		if _, ok := d.reconcilers[domain]; ok {
			domains = append(domains, domain)
		}
	}
	return domains
}

// Dispatch decodes body and applies it. Envelopes with no domain marker, no
// event, no registered reconciler or an event the reconciler does not handle
// come back wrapped in ErrIgnored; the caller acks those. A body that is not
// JSON, or a reconciler failure, is returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (contracts.Envelope, error) {
	env, err := contracts.Decode(body)
	switch {
	case errors.Is(err, contracts.ErrUnknownDomain), errors.Is(err, contracts.ErrMissingEvent):
		return env, fmt.Errorf("%w: %w", ErrIgnored, err)
	case err != nil:
		return env, err
	}

	d.mu.RLock()
	reconciler, ok := d.reconcilers[env.Domain]
	d.mu.RUnlock()
	if !ok {
		return env, fmt.Errorf("%w: %w %s", ErrIgnored, ErrNoReconciler, env.Domain)
	}

	if err := reconciler.Reconcile(ctx, env); err != nil {
		if errors.Is(err, ErrUnhandledEvent) {
			return env, fmt.Errorf("%w: %w", ErrIgnored, err)
		}
		return env, err
	}
	return env, nil
}
