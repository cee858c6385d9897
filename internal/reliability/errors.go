package reliability

import "errors"

var (
	// ErrRetryHandlerClosed is returned when a retry is requested after Close
	ErrRetryHandlerClosed = errors.New("retry: handler is closed")

	// ErrDeadLetterNotFound is returned by stores for unknown ids
	ErrDeadLetterNotFound = errors.New("dead letter store: entry not found")
)
