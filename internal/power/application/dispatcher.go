package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"powerrail/internal/clock"
	"powerrail/internal/eventing"
	"powerrail/internal/observability/metrics"
	power "powerrail/internal/power/domain"
)

// RetryPolicy bounds actuation attempts for one sink in one cycle.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	return p
}

// SinkResult is the final outcome of one sink in one dispatch cycle.
type SinkResult struct {
	SinkID   string
	Outcome  power.Outcome
	Attempts int
	Err      error
}

// DispatchReport summarizes one dispatch cycle.
type DispatchReport struct {
	Decision     power.Decision
	Skipped      bool
	Results      []SinkResult
	AllSucceeded bool
}

// Dispatcher drives every sink to the decided state.
type Dispatcher struct {
	sinks      []Sink
	policy     RetryPolicy
	overrides  map[string]RetryPolicy
	clock      clock.Clock
	logger     *slog.Logger
	redispatch time.Duration
	rail       string

	mu          sync.Mutex
	applied     power.State
	sinkApplied map[string]power.State
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherClock overrides the clock used for backoff delays.
func WithDispatcherClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRetryPolicy sets the default retry policy.
func WithRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy.normalized()
	}
}

// WithSinkRetryPolicy overrides the retry policy of one sink.
func WithSinkRetryPolicy(sinkID string, policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.overrides[sinkID] = policy
	}
}

// WithRedispatchInterval re-dispatches the current decision after a
// partially failed cycle. Zero disables it.
func WithRedispatchInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.redispatch = interval
		}
	}
}

// WithDispatcherRail tags every sink call with the rail name.
func WithDispatcherRail(rail string) DispatcherOption {
	return func(d *Dispatcher) {
		d.rail = rail
	}
}

// NewDispatcher constructs a dispatcher over sinks.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) (*Dispatcher, error) {
	if len(sinks) == 0 {
		return nil, errors.New("dispatcher: no sinks")
	}
	d := &Dispatcher{
		sinks:       make([]Sink, 0, len(sinks)),
		policy:      DefaultRetryPolicy(),
		overrides:   make(map[string]RetryPolicy),
		clock:       clock.Real(),
		logger:      slog.Default(),
		sinkApplied: make(map[string]power.State, len(sinks)),
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("dispatcher: nil sink")
		}
		if _, exists := d.sinkApplied[sink.ID()]; exists {
			return nil, errors.New("dispatcher: duplicate sink id " + sink.ID())
		}
		d.sinkApplied[sink.ID()] = power.StateUnknown
		d.sinks = append(d.sinks, sink)
	}
	for _, opt := range opts {
		opt(d)
	}
	for id, policy := range d.overrides {
		merged := d.policy
		if policy.MaxAttempts > 0 {
			merged.MaxAttempts = policy.MaxAttempts
		}
		if policy.AttemptTimeout > 0 {
			merged.AttemptTimeout = policy.AttemptTimeout
		}
		d.overrides[id] = merged.normalized()
	}
	return d, nil
}

// Dispatch fans decision out to all sinks and waits for every sink to
// finish its retries. A decision matching the last state applied by all
// sinks is skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, decision power.Decision) DispatchReport {
	report := DispatchReport{Decision: decision}

	d.mu.Lock()
	applied := d.applied
	d.mu.Unlock()
	if decision.State == applied {
		report.Skipped = true
		report.AllSucceeded = true
		metrics.IncDispatchSkipped()
		d.logger.Info("dispatch skipped",
			"decision_id", decision.ID,
			"state", decision.State.String(),
		)
		return report
	}

	results := make([]SinkResult, len(d.sinks))
	var group errgroup.Group
	for i, sink := range d.sinks {
		group.Go(func() error {
			results[i] = d.actuate(ctx, sink, decision)
			return nil
		})
	}
	_ = group.Wait()

	report.Results = results
	report.AllSucceeded = true

	d.mu.Lock()
	for _, result := range results {
		state := power.StateUnknown
		if result.Outcome == power.OutcomeSuccess {
			state = decision.State
		} else {
			report.AllSucceeded = false
		}
		d.sinkApplied[result.SinkID] = state
		metrics.SetSinkApplied(result.SinkID, stateGauge(state))
	}
	if report.AllSucceeded {
		d.applied = decision.State
	} else {
		d.applied = power.StateUnknown
	}
	d.mu.Unlock()

	d.logger.Info("dispatch finished",
		"decision_id", decision.ID,
		"state", decision.State.String(),
		"all_succeeded", report.AllSucceeded,
	)
	return report
}

// Run dispatches decisions in order until decisions is closed or ctx is
// done. After a partially failed cycle the same decision is dispatched
// again once the re-dispatch interval passes, unless a newer one arrives.
func (d *Dispatcher) Run(ctx context.Context, decisions <-chan power.Decision) error {
	var (
		retry   *clock.Timer
		retryC  <-chan time.Time
		current power.Decision
	)
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	handle := func(decision power.Decision) {
		stopRetry()
		current = decision
		report := d.Dispatch(ctx, decision)
		if !report.AllSucceeded && d.redispatch > 0 && ctx.Err() == nil {
			retry = d.clock.NewTimer(d.redispatch)
			retryC = retry.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case decision, ok := <-decisions:
			if !ok {
				return nil
			}
			handle(decision)
		case <-retryC:
			retry, retryC = nil, nil
			d.logger.Info("re-dispatching decision", "decision_id", current.ID, "state", current.State.String())
			handle(current)
		}
	}
}

// Applied returns the state last applied by every sink.
func (d *Dispatcher) Applied() power.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

// SinkStates returns the last applied state per sink.
func (d *Dispatcher) SinkStates() map[string]power.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]power.State, len(d.sinkApplied))
	for id, state := range d.sinkApplied {
		out[id] = state
	}
	return out
}

func (d *Dispatcher) policyFor(sinkID string) RetryPolicy {
	if policy, ok := d.overrides[sinkID]; ok {
		return policy
	}
	return d.policy
}

func (d *Dispatcher) actuate(ctx context.Context, sink Sink, decision power.Decision) SinkResult {
	policy := d.policyFor(sink.ID())
	result := SinkResult{SinkID: sink.ID()}
	callCtx := eventing.WithCorrelationID(ctx, decision.ID)
	if d.rail != "" {
		callCtx = eventing.WithRail(callCtx, d.rail)
	}

	expo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         policy.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               d.clock,
	}
	expo.Reset()
	schedule := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(policy.MaxAttempts-1)), ctx)

	operation := func() error {
		result.Attempts++
		attemptCtx, cancel := callCtx, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(callCtx, policy.AttemptTimeout)
		}
		started := d.clock.Now()
		err := sink.Apply(attemptCtx, decision.State)
		cancel()

		attempt := power.Attempt{
			SinkID:     sink.ID(),
			DecisionID: decision.ID,
			State:      decision.State,
			Number:     result.Attempts,
			Outcome:    power.Classify(err),
			Err:        err,
			StartedAt:  started,
			Duration:   d.clock.Now().Sub(started),
		}
		if attempt.Outcome == power.OutcomeCanceled && ctx.Err() == nil {
			// cycle still live, treat as transient
			attempt.Outcome = power.OutcomeRetryable
		}
		d.logAttempt(attempt)
		metrics.ObserveAttempt(attempt.SinkID, string(attempt.Outcome), attempt.Duration)

		switch attempt.Outcome {
		case power.OutcomeSuccess:
			return nil
		case power.OutcomeFatal, power.OutcomeCanceled:
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, schedule, func(err error, next time.Duration) {
		d.logger.Debug("sink actuation backing off",
			"sink", sink.ID(),
			"decision_id", decision.ID,
			"next", next,
			"err", err,
		)
	}, &backoffTimer{clock: d.clock})

	result.Err = err
	switch {
	case err == nil:
		result.Outcome = power.OutcomeSuccess
	case ctx.Err() != nil:
		result.Outcome = power.OutcomeCanceled
	default:
		result.Outcome = power.Classify(err)
		if result.Outcome == power.OutcomeCanceled {
			result.Outcome = power.OutcomeRetryable
		}
	}
	metrics.IncResult(result.SinkID, string(result.Outcome))

	if result.Outcome == power.OutcomeSuccess {
		d.logger.Info("sink actuation",
			"sink", sink.ID(),
			"decision_id", decision.ID,
			"state", decision.State.String(),
			"outcome", string(result.Outcome),
			"attempts", result.Attempts,
		)
	} else {
		d.logger.Error("sink actuation failed for this cycle",
			"sink", sink.ID(),
			"decision_id", decision.ID,
			"state", decision.State.String(),
			"outcome", string(result.Outcome),
			"attempts", result.Attempts,
			"err", err,
		)
	}
	return result
}

func (d *Dispatcher) logAttempt(attempt power.Attempt) {
	level := slog.LevelDebug
	if attempt.Outcome != power.OutcomeSuccess {
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "sink attempt",
		"sink", attempt.SinkID,
		"decision_id", attempt.DecisionID,
		"state", attempt.State.String(),
		"attempt", attempt.Number,
		"outcome", string(attempt.Outcome),
		"duration", attempt.Duration,
		"err", attempt.Err,
	)
}

func stateGauge(state power.State) float64 {
	switch state {
	case power.StateOn:
		return 1
	case power.StateOff:
		return 0
	default:
		return -1
	}
}

// backoffTimer runs backoff delays on the injected clock.
type backoffTimer struct {
	clock clock.Clock
	timer *clock.Timer
}

func (t *backoffTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *backoffTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *backoffTimer) C() <-chan time.Time {
	return t.timer.C
}
