// Package reliability decides what happens to a message whose handler
// failed.
//
// A RetryHandler reads the retry counter a delivery carries, and either
// schedules a delayed requeue (the consumer keeps processing other messages
// meanwhile) or, once the policy is exhausted, writes the message to the
// dead-letter log, records it in a DeadLetterStore and acknowledges it.
// Dead-lettering is logical: no dead-letter exchange or queue is involved.
//
// Retry policies (IncrementalBackoff, ExponentialBackoff) are also usable on
// their own through Retry, e.g. for the initial broker connection.
package reliability
