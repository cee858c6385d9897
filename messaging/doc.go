// Package messaging turns entity changes into domain events on the broker
// and applies incoming events to the local caches.
//
// Publishing goes through EventPublisher, which wraps each entity snapshot
// in an envelope and routes it to the exchange of its domain. Consuming goes
// through EventConsumer, which reads one inbox queue, hands each envelope to
// the Dispatcher and acks on success. Failed deliveries are passed to the
// retry handler, which either schedules a delayed requeue or dead-letters
// the message.
//
// Envelopes that carry no known domain marker, or an event no reconciler
// handles, are logged and acknowledged.
package messaging
