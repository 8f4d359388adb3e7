package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"powerrail/internal/clock"
	"powerrail/internal/observability/metrics"
	power "powerrail/internal/power/domain"
)

// Phase is the supervisor lifecycle state.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// BuildFunc constructs the configured adapters. A ConfigurationError
// aborts startup.
type BuildFunc func() ([]Source, []Sink, error)

// Settings holds pipeline tuning.
type Settings struct {
	Rail               string
	QuietPeriod        time.Duration
	DrainTimeout       time.Duration
	RedispatchInterval time.Duration
	Retry              RetryPolicy
	SinkRetry          map[string]RetryPolicy
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Phase        string               `json:"phase"`
	Rail         string               `json:"rail,omitempty"`
	LastDecision *power.Decision      `json:"last_decision,omitempty"`
	OffPending   bool                 `json:"off_pending"`
	Applied      power.State          `json:"applied"`
	Sinks        map[string]string    `json:"sinks"`
	Sources      []power.SourceRecord `json:"sources"`
}

// Supervisor owns the pipeline lifecycle.
type Supervisor struct {
	settings Settings
	build    BuildFunc
	clock    clock.Clock
	logger   *slog.Logger

	phase atomic.Int32

	mu         sync.Mutex
	aggregator *Aggregator
	dispatcher *Dispatcher
	decisionID func() string
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorClock overrides the clock for every pipeline stage.
func WithSupervisorClock(c clock.Clock) SupervisorOption {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSupervisorLogger sets the logger for every pipeline stage.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSupervisorDecisionIDs overrides decision id generation.
func WithSupervisorDecisionIDs(fn func() string) SupervisorOption {
	return func(s *Supervisor) {
		s.decisionID = fn
	}
}

// NewSupervisor constructs a supervisor in the Starting phase.
func NewSupervisor(settings Settings, build BuildFunc, opts ...SupervisorOption) (*Supervisor, error) {
	if build == nil {
		return nil, errors.New("supervisor: nil build func")
	}
	if settings.QuietPeriod < 0 {
		return nil, errors.New("supervisor: negative quiet period")
	}
	if settings.DrainTimeout <= 0 {
		settings.DrainTimeout = 15 * time.Second
	}
	s := &Supervisor{
		settings: settings,
		build:    build,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SetSupervisorPhase(int(PhaseStarting))
	return s, nil
}

// Phase returns the current lifecycle phase.
func (s *Supervisor) Phase() Phase {
	return Phase(s.phase.Load())
}

// Run builds the adapters, runs the pipeline until ctx is canceled and
// then drains in-flight dispatches for at most the drain timeout. It
// returns an error only when startup fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Phase() != PhaseStarting {
		return errors.New("supervisor: already started")
	}

	sources, sinks, err := s.build()
	if err != nil {
		s.setPhase(PhaseStopped)
		return err
	}
	aggregator, dispatcher, err := s.assemble(sources, sinks)
	if err != nil {
		s.setPhase(PhaseStopped)
		return err
	}

	observations := make(chan power.Observation, 64)
	decisions := make(chan power.Decision, 16)

	// in-flight dispatches outlive ctx until the drain deadline
	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()

	var sourceGroup errgroup.Group
	for _, source := range sources {
		sourceGroup.Go(func() error {
			s.forward(ctx, source, observations)
			return nil
		})
	}

	aggregatorDone := make(chan error, 1)
	go func() { aggregatorDone <- aggregator.Run(ctx, observations, decisions) }()
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(dispatchCtx, decisions) }()

	s.setPhase(PhaseRunning)
	<-ctx.Done()

	s.setPhase(PhaseDraining)
	drain := s.clock.NewTimer(s.settings.DrainTimeout)
	defer drain.Stop()

	sourcesClosed := make(chan struct{})
	go func() {
		_ = sourceGroup.Wait()
		close(sourcesClosed)
	}()

	// each stage channel is set to nil once that stage has finished
	var (
		aggregatorC <-chan error    = aggregatorDone
		sourcesDone <-chan struct{} = sourcesClosed
		dispatchC   <-chan error    = dispatcherDone
	)
	for aggregatorC != nil || sourcesDone != nil || dispatchC != nil {
		select {
		case <-aggregatorC:
			aggregatorC = nil
		case <-sourcesDone:
			sourcesDone = nil
		case <-dispatchC:
			dispatchC = nil
		case <-drain.C:
			s.logger.Warn("drain timeout reached, canceling in-flight dispatch",
				"drain_timeout", s.settings.DrainTimeout,
				"sources_open", sourcesDone != nil,
			)
			cancelDispatch()
			if dispatchC != nil {
				<-dispatchC
			}
			aggregatorC, sourcesDone, dispatchC = nil, nil, nil
		}
	}

	s.setPhase(PhaseStopped)
	return nil
}

// Status returns a snapshot of the pipeline.
func (s *Supervisor) Status() Status {
	status := Status{Phase: s.Phase().String(), Rail: s.settings.Rail, Sinks: map[string]string{}}
	s.mu.Lock()
	aggregator, dispatcher := s.aggregator, s.dispatcher
	s.mu.Unlock()

	if aggregator != nil {
		status.Sources = aggregator.Records()
		status.OffPending = aggregator.QuietTimerPending()
		if decision, ok := aggregator.LastDecision(); ok {
			status.LastDecision = &decision
		}
	}
	if dispatcher != nil {
		status.Applied = dispatcher.Applied()
		for id, state := range dispatcher.SinkStates() {
			status.Sinks[id] = state.String()
		}
	}
	return status
}

func (s *Supervisor) assemble(sources []Source, sinks []Sink) (*Aggregator, *Dispatcher, error) {
	ids := make([]string, 0, len(sources))
	for _, source := range sources {
		ids = append(ids, source.ID())
	}
	aggregator, err := NewAggregator(ids, s.settings.QuietPeriod,
		WithAggregatorClock(s.clock),
		WithAggregatorLogger(s.logger),
		WithDecisionIDs(s.decisionID),
	)
	if err != nil {
		return nil, nil, &power.ConfigurationError{Kind: "sources", Err: err}
	}

	opts := []DispatcherOption{
		WithDispatcherClock(s.clock),
		WithDispatcherLogger(s.logger),
		WithRetryPolicy(s.settings.Retry),
		WithRedispatchInterval(s.settings.RedispatchInterval),
		WithDispatcherRail(s.settings.Rail),
	}
	for id, policy := range s.settings.SinkRetry {
		opts = append(opts, WithSinkRetryPolicy(id, policy))
	}
	dispatcher, err := NewDispatcher(sinks, opts...)
	if err != nil {
		return nil, nil, &power.ConfigurationError{Kind: "sinks", Err: err}
	}

	s.mu.Lock()
	s.aggregator, s.dispatcher = aggregator, dispatcher
	s.mu.Unlock()
	return aggregator, dispatcher, nil
}

// forward copies one source onto the shared bus. After ctx is done it
// keeps draining until the source closes its channel.
func (s *Supervisor) forward(ctx context.Context, source Source, out chan<- power.Observation) {
	in := source.Subscribe(ctx)
	for obs := range in {
		select {
		case out <- obs:
		case <-ctx.Done():
			for range in {
			}
			return
		}
	}
}

func (s *Supervisor) setPhase(phase Phase) {
	previous := Phase(s.phase.Swap(int32(phase)))
	if previous == phase {
		return
	}
	metrics.SetSupervisorPhase(int(phase))
	s.logger.Info("supervisor phase", "phase", phase.String(), "previous", previous.String())
}
