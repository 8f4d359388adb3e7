package eventing

import "github.com/google/uuid"

// NewEventID returns a random UUID used for event and decision ids.
func NewEventID() string {
	return uuid.NewString()
}
