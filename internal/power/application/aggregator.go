package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"powerrail/internal/clock"
	"powerrail/internal/eventing"
	"powerrail/internal/observability/metrics"
	power "powerrail/internal/power/domain"
)

// Aggregator folds observations from all sources into power decisions.
// On is emitted as soon as any source is active, counting sources that
// have not reported yet; Off only once every source has been idle for
// the quiet period.
type Aggregator struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	quiet   time.Duration
	newID   func() string
	records map[string]*power.SourceRecord
	order   []string

	emitted power.State
	last    power.Decision

	timer      *clock.Timer
	generation uint64
	expired    chan uint64
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock overrides the clock.
func WithAggregatorClock(c clock.Clock) AggregatorOption {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithDecisionIDs overrides decision id generation.
func WithDecisionIDs(fn func() string) AggregatorOption {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAggregator seeds one Active record per source id.
func NewAggregator(sourceIDs []string, quiet time.Duration, opts ...AggregatorOption) (*Aggregator, error) {
	if len(sourceIDs) == 0 {
		return nil, errors.New("aggregator: no sources")
	}
	if quiet < 0 {
		return nil, errors.New("aggregator: negative quiet period")
	}
	a := &Aggregator{
		clock:   clock.Real(),
		logger:  slog.Default(),
		quiet:   quiet,
		newID:   eventing.NewEventID,
		records: make(map[string]*power.SourceRecord, len(sourceIDs)),
		expired: make(chan uint64, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	now := a.clock.Now()
	for _, id := range sourceIDs {
		if id == "" {
			return nil, errors.New("aggregator: empty source id")
		}
		if _, exists := a.records[id]; exists {
			return nil, fmt.Errorf("aggregator: duplicate source id %q", id)
		}
		rec := power.NewSourceRecord(id, now)
		a.records[id] = &rec
		a.order = append(a.order, id)
	}
	sort.Strings(a.order)
	return a, nil
}

// Ingest applies one observation and returns a decision when the
// aggregated state changes. Unknown sources are rejected.
func (a *Aggregator) Ingest(obs power.Observation) (power.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := obs.Validate(); err != nil {
		a.reject(obs, err)
		return power.Decision{}, false
	}
	rec, ok := a.records[obs.SourceID]
	if !ok {
		a.reject(obs, errors.New("unknown source"))
		return power.Decision{}, false
	}

	now := a.clock.Now()
	if rec.Apply(obs, now) {
		a.logger.Info("source activity changed",
			"source", rec.SourceID,
			"activity", rec.Activity.String(),
			"observed_at", obs.ObservedAt,
		)
	}
	metrics.ObserveObservation(obs.SourceID, obs.Activity.String(), obs.Activity == power.ActivityActive)
	return a.evaluateLocked(now)
}

// QuietPeriodElapsed handles a fired quiet period timer. Stale timer
// generations are ignored.
func (a *Aggregator) QuietPeriodElapsed(generation uint64) (power.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer == nil || generation != a.generation {
		return power.Decision{}, false
	}
	a.timer = nil
	metrics.IncQuietTimer(metrics.QuietTimerFired)
	for _, id := range a.order {
		if a.records[id].Activity == power.ActivityActive {
			return power.Decision{}, false
		}
	}
	return a.emitLocked(power.StateOff, a.clock.Now(), "all sources idle for quiet period")
}

// Run serializes observations and timer expiries until ctx is done or in
// is closed. It closes out on return and cancels any pending timer.
func (a *Aggregator) Run(ctx context.Context, in <-chan power.Observation, out chan<- power.Decision) error {
	defer close(out)
	defer a.Stop()

	for {
		var (
			decision power.Decision
			emit     bool
		)
		select {
		case <-ctx.Done():
			return nil
		case obs, ok := <-in:
			if !ok {
				return nil
			}
			decision, emit = a.Ingest(obs)
		case generation := <-a.expired:
			decision, emit = a.QuietPeriodElapsed(generation)
		}
		if !emit {
			continue
		}
		select {
		case out <- decision:
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop cancels a pending quiet period timer.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelTimerLocked()
}

// Records returns a snapshot of source records ordered by id.
func (a *Aggregator) Records() []power.SourceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]power.SourceRecord, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.records[id])
	}
	return out
}

// LastDecision returns the most recent emitted decision.
func (a *Aggregator) LastDecision() (power.Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.emitted != power.StateUnknown
}

// QuietTimerPending reports whether an Off re-check is scheduled.
func (a *Aggregator) QuietTimerPending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil
}

func (a *Aggregator) evaluateLocked(now time.Time) (power.Decision, bool) {
	var (
		reason    string
		silent    string
		idleSince time.Time
	)
	for _, id := range a.order {
		rec := a.records[id]
		if rec.Activity == power.ActivityActive {
			switch {
			case rec.Reported && reason == "":
				reason = "source " + id + " active"
			case !rec.Reported && silent == "":
				silent = id
			}
			continue
		}
		if rec.LastChangedAt.After(idleSince) {
			idleSince = rec.LastChangedAt
		}
	}
	if reason == "" && silent != "" {
		// seeded records count as active until they report
		reason = "source " + silent + " not yet reported"
	}

	if reason != "" {
		a.cancelTimerLocked()
		return a.emitLocked(power.StateOn, now, reason)
	}

	if a.emitted == power.StateOff || a.timer != nil {
		return power.Decision{}, false
	}
	delay := idleSince.Add(a.quiet).Sub(now)
	if delay <= 0 {
		return a.emitLocked(power.StateOff, now, "all sources idle for quiet period")
	}
	a.scheduleLocked(delay)
	return power.Decision{}, false
}

func (a *Aggregator) emitLocked(state power.State, now time.Time, reason string) (power.Decision, bool) {
	if state == a.emitted {
		return power.Decision{}, false
	}
	a.emitted = state
	a.last = power.Decision{
		ID:        a.newID(),
		State:     state,
		Reason:    reason,
		DecidedAt: now,
	}
	metrics.IncDecision(state.String())
	a.logger.Info("power decision",
		"decision_id", a.last.ID,
		"state", state.String(),
		"reason", reason,
	)
	return a.last, true
}

func (a *Aggregator) scheduleLocked(delay time.Duration) {
	a.generation++
	generation := a.generation
	a.timer = a.clock.AfterFunc(delay, func() { a.signal(generation) })
	metrics.IncQuietTimer(metrics.QuietTimerScheduled)
	a.logger.Debug("quiet period timer scheduled", "delay", delay)
}

func (a *Aggregator) cancelTimerLocked() {
	if a.timer == nil {
		return
	}
	a.timer.Stop()
	a.timer = nil
	a.generation++
	metrics.IncQuietTimer(metrics.QuietTimerCanceled)
	a.logger.Debug("quiet period timer canceled")
}

// signal hands a fired generation to Run, replacing any older one.
func (a *Aggregator) signal(generation uint64) {
	for {
		select {
		case a.expired <- generation:
			return
		default:
		}
		select {
		case <-a.expired:
		default:
		}
	}
}

func (a *Aggregator) reject(obs power.Observation, err error) {
	metrics.IncObservationRejected()
	a.logger.Warn("observation rejected", "source", obs.SourceID, "err", err)
}
