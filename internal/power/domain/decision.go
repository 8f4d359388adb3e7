package power

import (
	"fmt"
	"time"
)

// State is the desired or applied power state of the rail.
type State int

const (
	StateUnknown State = iota
	StateOn
	StateOff
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	default:
		return "unknown"
	}
}

// MarshalText renders the state for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "on", "off" or "unknown".
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "on":
		*s = StateOn
	case "off":
		*s = StateOff
	case "unknown", "":
		*s = StateUnknown
	default:
		return fmt.Errorf("power: invalid state %q", text)
	}
	return nil
}

// Decision is an aggregated desired state emitted on change.
type Decision struct {
	ID        string    `json:"decision_id"`
	State     State     `json:"state"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// Outcome classifies a single actuation attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCanceled  Outcome = "canceled"
)

// Attempt records one try of a decision against one sink.
type Attempt struct {
	SinkID     string
	DecisionID string
	State      State
	Number     int
	Outcome    Outcome
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
}
