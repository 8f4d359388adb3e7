package power

import "time"

// Command is the payload delivered to remote actuators (webhook, Kafka).
type Command struct {
	Rail       string    `json:"rail"`
	Sink       string    `json:"sink"`
	State      State     `json:"state"`
	DecisionID string    `json:"decision_id,omitempty"`
	IssuedAt   time.Time `json:"issued_at"`
}

// CommandEventType names the envelope carrying a Command.
const CommandEventType = "power.command"

// EventType implements eventing.Typed.
func (Command) EventType() string { return CommandEventType }
