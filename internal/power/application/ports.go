package application

import (
	"context"

	power "powerrail/internal/power/domain"
)

// Source produces activity observations for one source id. The channel
// is closed once ctx is done.
type Source interface {
	ID() string
	Subscribe(ctx context.Context) <-chan power.Observation
}

// Sink drives one actuator to a power state. Errors are classified with
// power.Retryable and power.Fatal; unclassified errors are retried.
type Sink interface {
	ID() string
	Apply(ctx context.Context, state power.State) error
}
