package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually driven clock. Time only moves on Advance or Set.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	active   bool
}

// NewFake creates a fake clock at start.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// NewTimer registers a channel timer.
func (f *Fake) NewTimer(d time.Duration) *Timer {
	ch := make(chan time.Time, 1)
	w := &waiter{ch: ch}
	f.arm(w, d)
	return &Timer{C: ch, stop: f.stopFunc(w), reset: f.resetFunc(w)}
}

// AfterFunc registers a callback timer. The callback runs synchronously
// inside Advance, outside the clock lock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) *Timer {
	w := &waiter{fn: fn}
	f.arm(w, d)
	return &Timer{stop: f.stopFunc(w), reset: f.resetFunc(w)}
}

// Advance moves time forward by d and fires every timer whose deadline
// falls within the window, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.Set(target)
}

// Set moves time to t and fires due timers. Moving backwards only
// changes Now.
func (f *Fake) Set(t time.Time) {
	for {
		f.mu.Lock()
		w := f.nextDue(t)
		if w == nil {
			if t.After(f.now) {
				f.now = t
			}
			f.mu.Unlock()
			return
		}
		if w.deadline.After(f.now) {
			f.now = w.deadline
		}
		w.active = false
		f.removeLocked(w)
		now := f.now
		f.mu.Unlock()

		if w.fn != nil {
			w.fn()
			continue
		}
		select {
		case w.ch <- now:
		default:
		}
	}
}

// Pending reports the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

// WaitForTimers blocks until at least n timers are armed. Tests use it
// to make sure a goroutine has scheduled its timer before advancing.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.waiters) < n {
		f.changed.Wait()
	}
}

func (f *Fake) arm(w *waiter, d time.Duration) {
	f.mu.Lock()
	w.deadline = f.now.Add(d)
	w.active = true
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
	f.mu.Unlock()

	if d <= 0 && w.fn == nil {
		f.Advance(0)
	}
}

func (f *Fake) stopFunc(w *waiter) func() bool {
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !w.active {
			return false
		}
		w.active = false
		f.removeLocked(w)
		return true
	}
}

func (f *Fake) resetFunc(w *waiter) func(time.Duration) bool {
	return func(d time.Duration) bool {
		f.mu.Lock()
		wasActive := w.active
		if wasActive {
			f.removeLocked(w)
		}
		f.mu.Unlock()
		f.arm(w, d)
		return wasActive
	}
}

func (f *Fake) nextDue(t time.Time) *waiter {
	if len(f.waiters) == 0 {
		return nil
	}
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	if f.waiters[0].deadline.After(t) {
		return nil
	}
	return f.waiters[0]
}

func (f *Fake) removeLocked(w *waiter) {
	for i, candidate := range f.waiters {
		if candidate == w {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			f.changed.Broadcast()
			return
		}
	}
}
