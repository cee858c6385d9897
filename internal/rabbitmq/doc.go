// Package rabbitmq is the AMQP layer of cachesync.
//
// This package includes:
//   - ConnectionManager: one explicitly owned connection and channel per process, connected on demand with single-flight semantics
//   - TopologyManager: declares the durable direct exchanges, inbox queues and exact-key bindings
//   - Publisher: persistent publishing with optional broker confirms
//   - Consumer: manual-ack subscriptions processed sequentially per queue
//   - Republisher: moves a failed delivery to the tail of its queue with an explicit retry counter
//
// Nothing here reconnects in the background. When the broker closes the
// connection or channel the manager drops its handles and the next Connect
// dials again.
package rabbitmq
