// Package clock schedules delayed callbacks for turn timers and emitter upkeep.
//
// Production code uses the wall clock; tests drive a Fake clock explicitly so
// timeouts and idle expiry can be asserted without sleeping. Both are backed
// by clockwork.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock reports the current time and schedules one-shot callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable scheduled callback. Stop reports whether the call
// prevented the callback from running; stopping a fired timer is a no-op.
type Timer interface {
	Stop() bool
}

type wallClock struct {
	c clockwork.Clock
}

// New returns a Clock backed by the wall clock.
func New() Clock {
	return wallClock{c: clockwork.NewRealClock()}
}

func (w wallClock) Now() time.Time {
	return w.c.Now()
}

func (w wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return w.c.AfterFunc(d, f)
}

// Fake is a manually advanced clock. clockwork runs each expired callback on
// its own goroutine; Fake moves from one deadline to the next and waits for
// the callbacks due at that deadline before going on, so Advance returns only
// after every timer it fired has finished. Callbacks never overlap.
type Fake struct {
	fc *clockwork.FakeClock

	mu       sync.Mutex
	pending  map[*fakeTimer]struct{}
	inflight sync.WaitGroup
	fire     sync.Mutex
}

type fakeTimer struct {
	clock   *Fake
	inner   clockwork.Timer
	at      time.Time
	counted bool
}

// NewFake creates a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		fc:      clockwork.NewFakeClockAt(start),
		pending: make(map[*fakeTimer]struct{}),
	}
}

// Now returns the fake's current time.
func (c *Fake) Now() time.Time {
	return c.fc.Now()
}

// AfterFunc schedules f to run once the fake clock has advanced by d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.fc.Now().Add(d)}
	c.pending[t] = struct{}{}
	t.inner = c.fc.AfterFunc(d, func() { c.run(t, f) })
	return t
}

func (c *Fake) run(t *fakeTimer, f func()) {
	c.fire.Lock()
	defer c.fire.Unlock()

	c.mu.Lock()
	delete(c.pending, t)
	counted := t.counted
	c.mu.Unlock()
	if counted {
		defer c.inflight.Done()
	}
	f()
}

// Advance moves the clock forward by d, firing every timer that becomes due,
// including timers scheduled by callbacks fired during this advance.
func (c *Fake) Advance(d time.Duration) {
	target := c.fc.Now().Add(d)
	for {
		c.mu.Lock()
		var next time.Time
		for t := range c.pending {
			if t.at.After(target) {
				continue
			}
			if next.IsZero() || t.at.Before(next) {
				next = t.at
			}
		}
		if next.IsZero() {
			c.mu.Unlock()
			c.fc.Advance(target.Sub(c.fc.Now()))
			return
		}
		for t := range c.pending {
			if !t.at.After(next) && !t.counted {
				t.counted = true
				c.inflight.Add(1)
			}
		}
		c.mu.Unlock()

		if step := next.Sub(c.fc.Now()); step > 0 {
			c.fc.Advance(step)
		} else {
			c.fc.Advance(0)
		}
		c.inflight.Wait()
	}
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if !t.inner.Stop() {
		return false
	}
	delete(c.pending, t)
	if t.counted {
		t.counted = false
		c.inflight.Done()
	}
	return true
}
