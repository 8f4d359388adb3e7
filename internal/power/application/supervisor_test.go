package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"powerrail/internal/clock"
	power "powerrail/internal/power/domain"
)

type feedSource struct {
	id   string
	feed chan power.Activity
}

func newFeedSource(id string) *feedSource {
	return &feedSource{id: id, feed: make(chan power.Activity)}
}

func (s *feedSource) ID() string { return s.id }

func (s *feedSource) Subscribe(ctx context.Context) <-chan power.Observation {
	out := make(chan power.Observation)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case activity := <-s.feed:
				select {
				case out <- power.Observation{SourceID: s.id, Activity: activity, ObservedAt: epoch}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type recordingSink struct {
	id    string
	block bool

	mu     sync.Mutex
	states []power.State
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Apply(ctx context.Context, state power.State) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *recordingSink) applied() []power.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]power.State(nil), s.states...)
}

func newTestSupervisor(t *testing.T, fc *clock.Fake, settings Settings, build BuildFunc) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor(settings, build,
		WithSupervisorClock(fc),
		WithSupervisorLogger(discardLogger()),
		WithSupervisorDecisionIDs(sequentialIDs()),
	)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return sup
}

func TestSupervisorFailsFastOnConfigurationError(t *testing.T) {
	fc := clock.NewFake(epoch)
	buildErr := power.ConfigErrorf("sink", "plug", "missing host")
	sup := newTestSupervisor(t, fc, Settings{}, func() ([]Source, []Sink, error) {
		return nil, nil, buildErr
	})

	err := sup.Run(context.Background())
	if !errors.Is(err, buildErr) || !power.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if sup.Phase() != PhaseStopped {
		t.Fatalf("expected stopped phase, got %s", sup.Phase())
	}
}

func TestSupervisorRejectsEmptyPipeline(t *testing.T) {
	fc := clock.NewFake(epoch)
	sup := newTestSupervisor(t, fc, Settings{}, func() ([]Source, []Sink, error) {
		return []Source{newFeedSource("kodi")}, nil, nil
	})
	if err := sup.Run(context.Background()); !power.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for missing sinks, got %v", err)
	}
}

func TestSupervisorPipelineAndDrain(t *testing.T) {
	fc := clock.NewFake(epoch)
	kodi := newFeedSource("kodi")
	steam := newFeedSource("steamlink")
	plug := &recordingSink{id: "plug"}
	sup := newTestSupervisor(t, fc, Settings{QuietPeriod: 30 * time.Second}, func() ([]Source, []Sink, error) {
		return []Source{kodi, steam}, []Sink{plug}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitFor(t, func() bool { return sup.Phase() == PhaseRunning })

	kodi.feed <- power.ActivityActive
	waitFor(t, func() bool { return len(plug.applied()) == 1 })

	kodi.feed <- power.ActivityIdle
	steam.feed <- power.ActivityIdle
	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second)
	waitFor(t, func() bool { return sup.Status().Sinks["plug"] == "off" })

	got := plug.applied()
	if got[0] != power.StateOn || got[1] != power.StateOff {
		t.Fatalf("unexpected applied states: %v", got)
	}
	status := sup.Status()
	if status.Phase != "running" || status.Sinks["plug"] != "off" || status.LastDecision == nil {
		t.Fatalf("unexpected status: %+v", status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("supervisor did not drain")
	}
	if sup.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", sup.Phase())
	}
}

func TestSupervisorDrainTimeoutCancelsDispatch(t *testing.T) {
	fc := clock.NewFake(epoch)
	kodi := newFeedSource("kodi")
	stuck := &recordingSink{id: "stuck", block: true}
	settings := Settings{
		QuietPeriod:  time.Minute,
		DrainTimeout: 5 * time.Second,
		Retry:        RetryPolicy{MaxAttempts: 3},
	}
	sup := newTestSupervisor(t, fc, settings, func() ([]Source, []Sink, error) {
		return []Source{kodi}, []Sink{stuck}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitFor(t, func() bool { return sup.Phase() == PhaseRunning })

	kodi.feed <- power.ActivityActive
	waitFor(t, func() bool { return sup.Status().LastDecision != nil })

	cancel()
	waitFor(t, func() bool { return sup.Phase() == PhaseDraining })
	fc.WaitForTimers(1)
	select {
	case <-done:
		t.Fatalf("supervisor stopped before drain timeout")
	default:
	}
	fc.Advance(5 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("drain timeout did not cancel dispatch")
	}
	if status := sup.Status(); status.Sinks["stuck"] != "unknown" {
		t.Fatalf("stuck sink should not be recorded as applied: %+v", status.Sinks)
	}
}

// lingeringSource ignores cancellation and closes only when released.
type lingeringSource struct {
	id      string
	release chan struct{}
}

func (s *lingeringSource) ID() string { return s.id }

func (s *lingeringSource) Subscribe(context.Context) <-chan power.Observation {
	out := make(chan power.Observation)
	go func() {
		<-s.release
		close(out)
	}()
	return out
}

func TestSupervisorDrainBoundedBySlowSource(t *testing.T) {
	fc := clock.NewFake(epoch)
	slow := &lingeringSource{id: "slow", release: make(chan struct{})}
	defer close(slow.release)
	plug := &recordingSink{id: "plug"}
	sup := newTestSupervisor(t, fc, Settings{QuietPeriod: time.Minute, DrainTimeout: 5 * time.Second}, func() ([]Source, []Sink, error) {
		return []Source{slow}, []Sink{plug}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitFor(t, func() bool { return sup.Phase() == PhaseRunning })

	cancel()
	waitFor(t, func() bool { return sup.Phase() == PhaseDraining })
	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("open source stalled shutdown past the drain timeout")
	}
	if sup.Phase() != PhaseStopped {
		t.Fatalf("expected stopped, got %s", sup.Phase())
	}
}
