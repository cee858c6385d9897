package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// TimestampLayout matches the ISO-8601 form with millisecond precision used
// by every publisher.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrUnknownDomain is returned when an envelope carries none of the domain markers.
	ErrUnknownDomain = errors.New("contracts: envelope has no user, product or order entity")
	// ErrMissingEvent is returned when the event field is absent.
	ErrMissingEvent = errors.New("contracts: envelope has no event")
)

// Envelope is a decoded event message. Payload holds the raw entity JSON found
// under the domain marker key.
type Envelope struct {
	Event     EventType
	Domain    Domain
	Payload   []byte
	Timestamp time.Time
}

// NewEnvelope wraps an entity snapshot for publishing.
func NewEnvelope(event EventType, entity Entity, now time.Time) (Envelope, error) {
	payload, err := jsoncodec.Marshal(entity)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", entity.Domain(), err)
	}
	return Envelope{
		Event:     event,
		Domain:    entity.Domain(),
		Payload:   payload,
		Timestamp: now.UTC(),
	}, nil
}

// Encode renders the envelope in its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if e.Domain == "" {
		return nil, ErrUnknownDomain
	}
	wire := map[string]any{
		"event":         string(e.Event),
		string(e.Domain): json.RawMessage(e.Payload),
		"timestamp":     e.Timestamp.UTC().Format(TimestampLayout),
	}
	return jsoncodec.Marshal(wire)
}

// Decode parses a wire envelope. The first domain marker found in
// user, product, order order wins.
func Decode(body []byte) (Envelope, error) {
	var wire map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(body, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	var env Envelope
	if raw, ok := wire["event"]; ok {
		var event string
		if err := jsoncodec.Unmarshal(raw, &event); err != nil {
			return Envelope{}, fmt.Errorf("decode envelope event: %w", err)
		}
		env.Event = EventType(event)
	}

	for _, d := range Domains {
		if raw, ok := wire[string(d)]; ok && !isNull(raw) {
			env.Domain = d
			env.Payload = raw
			break
		}
	}
	if env.Domain == "" {
		return env, ErrUnknownDomain
	}
	if env.Event == "" {
		return env, ErrMissingEvent
	}

	if raw, ok := wire["timestamp"]; ok {
		var ts string
		if err := jsoncodec.Unmarshal(raw, &ts); err == nil {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				env.Timestamp = parsed
			}
		}
	}
	return env, nil
}

// DecodePayload unmarshals the entity into v.
func (e Envelope) DecodePayload(v any) error {
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Domain, err)
	}
	return nil
}

// User decodes a user payload.
func (e Envelope) User() (UserPayload, error) {
	var u UserPayload
	if err := e.DecodePayload(&u); err != nil {
		return u, err
	}
	return u, Validate(u)
}

// Product decodes a product payload.
func (e Envelope) Product() (ProductPayload, error) {
	var p ProductPayload
	if err := e.DecodePayload(&p); err != nil {
		return p, err
	}
	return p, Validate(p)
}

// Order decodes an order payload.
func (e Envelope) Order() (OrderPayload, error) {
	var o OrderPayload
	if err := e.DecodePayload(&o); err != nil {
		return o, err
	}
	return o, Validate(o)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
