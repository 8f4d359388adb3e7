// Package sources runs activity probes on a schedule and turns their
// results into observations.
package sources

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"powerrail/internal/clock"
	"powerrail/internal/observability/metrics"
	power "powerrail/internal/power/domain"
)

// Probe reports whether the watched device is in use.
type Probe interface {
	Probe(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) (bool, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (bool, error) {
	return f(ctx)
}

// Poller probes on an interval that depends on the last result and
// emits an observation whenever the activity changes. A failed probe
// counts as active.
type Poller struct {
	id      string
	probe   Probe
	active  time.Duration
	idle    time.Duration
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithIntervals sets the poll period used after an active and an idle result.
func WithIntervals(active, idle time.Duration) Option {
	return func(p *Poller) {
		if active > 0 {
			p.active = active
		}
		if idle > 0 {
			p.idle = idle
		}
	}
}

// WithTimeout bounds a single probe.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Poller) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithClock overrides the clock.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPoller constructs a poller for one source id.
func NewPoller(id string, probe Probe, opts ...Option) (*Poller, error) {
	if id == "" {
		return nil, errors.New("sources: empty source id")
	}
	if probe == nil {
		return nil, errors.New("sources: nil probe")
	}
	p := &Poller{
		id:      id,
		probe:   probe,
		active:  30 * time.Second,
		idle:    5 * time.Second,
		timeout: 10 * time.Second,
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("source", id)
	return p, nil
}

// ID returns the source id.
func (p *Poller) ID() string {
	return p.id
}

// Subscribe starts polling. The first probe runs immediately; the
// channel is closed once ctx is done.
func (p *Poller) Subscribe(ctx context.Context) <-chan power.Observation {
	out := make(chan power.Observation, 1)
	go p.run(ctx, out)
	return out
}

func (p *Poller) run(ctx context.Context, out chan<- power.Observation) {
	defer close(out)
	if closer, ok := p.probe.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				p.logger.Warn("source close error", "err", err)
			}
		}()
	}

	var (
		last    power.Activity
		emitted bool
	)
	for {
		activity := p.check(ctx)
		if ctx.Err() != nil {
			return
		}
		if !emitted || activity != last {
			obs := power.Observation{SourceID: p.id, Activity: activity, ObservedAt: p.clock.Now()}
			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
			last, emitted = activity, true
		}

		interval := p.idle
		if activity == power.ActivityActive {
			interval = p.active
		}
		timer := p.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) check(ctx context.Context) power.Activity {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	active, err := p.probe.Probe(probeCtx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.IncProbeError(p.id)
			p.logger.Warn("source probe failed, assuming active", "err", err)
		}
		return power.ActivityActive
	}
	if active {
		return power.ActivityActive
	}
	return power.ActivityIdle
}
