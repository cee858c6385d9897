package messaging

import "errors"

var (
	// ErrIgnored marks a delivery that is acknowledged without being applied.
	ErrIgnored = errors.New("messaging: event ignored")
	// ErrNoReconciler is returned when no reconciler is registered for a domain.
	ErrNoReconciler = errors.New("messaging: no reconciler for domain")
	// ErrUnhandledEvent is returned by a reconciler for events of its domain
	// it does not apply.
	ErrUnhandledEvent = errors.New("messaging: event not handled")
	// ErrProductNotCached is returned when a stock change arrives for a
	// product the cache has never seen. It is retried like any other failure.
	ErrProductNotCached = errors.New("messaging: product not cached")
	// ErrDomainMismatch is returned when the entity does not belong to the
	// event's domain.
	ErrDomainMismatch = errors.New("messaging: entity does not match event domain")
	// ErrUnknownEvent is returned when publishing an event with no exchange.
	ErrUnknownEvent = errors.New("messaging: unknown event type")
)
