package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"powerrail/internal/clock"
	power "powerrail/internal/power/domain"
)

type scriptedProbe struct {
	mu      sync.Mutex
	results []probeResult
	calls   int
	closed  bool
}

type probeResult struct {
	active bool
	err    error
}

func (p *scriptedProbe) Probe(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return false, nil
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.active, r.err
}

func (p *scriptedProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestPoller(t *testing.T, fc *clock.Fake, probe Probe) *Poller {
	t.Helper()
	poller, err := NewPoller("kodi", probe,
		WithClock(fc),
		WithIntervals(30*time.Second, 5*time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	return poller
}

func receive(t *testing.T, ch <-chan power.Observation) power.Observation {
	t.Helper()
	select {
	case obs := <-ch:
		return obs
	case <-time.After(2 * time.Second):
		t.Fatalf("no observation received")
	}
	return power.Observation{}
}

func TestPollerEmitsOnChangeOnly(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	probe := &scriptedProbe{results: []probeResult{{active: true}, {active: true}, {active: false}}}
	poller := newTestPoller(t, fc, probe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := poller.Subscribe(ctx)

	first := receive(t, ch)
	if first.SourceID != "kodi" || first.Activity != power.ActivityActive {
		t.Fatalf("unexpected first observation: %+v", first)
	}

	fc.WaitForTimers(1)
	fc.Advance(30 * time.Second) // still active, nothing emitted
	fc.WaitForTimers(1)
	select {
	case obs := <-ch:
		t.Fatalf("unexpected repeat observation: %+v", obs)
	default:
	}

	fc.Advance(30 * time.Second)
	second := receive(t, ch)
	if second.Activity != power.ActivityIdle {
		t.Fatalf("expected idle, got %+v", second)
	}
}

func TestPollerProbeErrorIsActive(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	probe := &scriptedProbe{results: []probeResult{{active: false}, {err: errors.New("connection refused")}}}
	poller := newTestPoller(t, fc, probe)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := poller.Subscribe(ctx)

	if obs := receive(t, ch); obs.Activity != power.ActivityIdle {
		t.Fatalf("expected idle first, got %+v", obs)
	}
	fc.WaitForTimers(1)
	fc.Advance(5 * time.Second)
	if obs := receive(t, ch); obs.Activity != power.ActivityActive {
		t.Fatalf("probe failure should report active, got %+v", obs)
	}
}

func TestPollerClosesOnCancel(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	probe := &scriptedProbe{}
	poller := newTestPoller(t, fc, probe)

	ctx, cancel := context.WithCancel(context.Background())
	ch := poller.Subscribe(ctx)
	receive(t, ch)
	fc.WaitForTimers(1)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	probe.mu.Lock()
	defer probe.mu.Unlock()
	if !probe.closed {
		t.Fatalf("probe not closed on shutdown")
	}
}

func TestNewPollerValidation(t *testing.T) {
	if _, err := NewPoller("", ProbeFunc(func(context.Context) (bool, error) { return false, nil })); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := NewPoller("kodi", nil); err == nil {
		t.Fatalf("expected error for nil probe")
	}
}
