package eventing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is stamped on every envelope sealed by this package.
const SchemaVersion = 1

// ErrNoPayload is returned when sealing a nil payload.
var ErrNoPayload = errors.New("eventing: nil payload")

// Envelope is the wire format shared by every remote actuator.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	Rail          string          `json:"rail,omitempty"`
	Sink          string          `json:"sink,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Typed payloads name their own event type.
type Typed interface {
	EventType() string
}

// Route addresses an envelope. An empty rail is taken from the context.
type Route struct {
	Rail string
	Sink string
}

// Seal encodes payload into a new envelope stamped at the given time.
// The correlation id comes from ctx and falls back to the event id.
func Seal(ctx context.Context, payload Typed, at time.Time, route Route) (Envelope, error) {
	if payload == nil {
		return Envelope{}, ErrNoPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventing: encode %s: %w", payload.EventType(), err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	if route.Rail == "" {
		route.Rail = Rail(ctx)
	}

	id := NewEventID()
	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = id
	}
	return Envelope{
		EventID:       id,
		EventType:     payload.EventType(),
		OccurredAt:    at.UTC(),
		CorrelationID: correlationID,
		Rail:          route.Rail,
		Sink:          route.Sink,
		SchemaVersion: SchemaVersion,
		Payload:       raw,
	}, nil
}

// Open decodes an envelope and, when out is non-nil, its payload.
func Open(data []byte, out any) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("eventing: decode envelope: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return env, fmt.Errorf("eventing: unsupported schema version %d", env.SchemaVersion)
	}
	if out == nil {
		return env, nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return env, fmt.Errorf("eventing: decode %s payload: %w", env.EventType, err)
	}
	return env, nil
}
