package eventing

import "context"

type traceKey struct{}

// trace is the routing data a dispatch cycle hands down to sinks.
type trace struct {
	correlationID string
	rail          string
}

func traceFrom(ctx context.Context) trace {
	t, _ := ctx.Value(traceKey{}).(trace)
	return t
}

// WithCorrelationID tags ctx with the id of the decision being applied.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	t := traceFrom(ctx)
	t.correlationID = correlationID
	return context.WithValue(ctx, traceKey{}, t)
}

// WithRail tags ctx with the rail name.
func WithRail(ctx context.Context, rail string) context.Context {
	t := traceFrom(ctx)
	t.rail = rail
	return context.WithValue(ctx, traceKey{}, t)
}

// CorrelationID returns the decision id carried by ctx, if any.
func CorrelationID(ctx context.Context) string {
	return traceFrom(ctx).correlationID
}

// Rail returns the rail carried by ctx, if any.
func Rail(ctx context.Context) string {
	return traceFrom(ctx).rail
}
