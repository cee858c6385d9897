package reliability

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Header carrying the retry counter written on requeued copies.
const HeaderRetryCount = "x-retry-count"

// RetryCount returns how many times a delivery has already been retried.
// The explicit x-retry-count header wins; deliveries that went through a
// broker dead-letter cycle fall back to the count of the first x-death entry.
// Anything else counts as a first attempt.
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}

	if v, ok := headers[HeaderRetryCount]; ok {
		if n, ok := toInt(v); ok && n >= 0 {
			return n
		}
	}

	var first amqp.Table
	switch deaths := headers["x-death"].(type) {
	case []interface{}:
		if len(deaths) > 0 {
			first, _ = deaths[0].(amqp.Table)
		}
	case []amqp.Table:
		if len(deaths) > 0 {
			first = deaths[0]
		}
	}
	if first != nil {
		if n, ok := toInt(first["count"]); ok && n >= 0 {
			return n
		}
	}

	return 0
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
