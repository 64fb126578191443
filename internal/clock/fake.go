package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for deterministic tests.
//
// Timers fire synchronously inside Advance, in deadline order (ties broken
// by scheduling order). Callbacks run without the clock's lock held, so they
// may schedule or stop other timers.
//
// Thread-safety: all methods are safe for concurrent use.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	seq   int64
	at    time.Time
	f     func()
	done  bool
}

// NewFake creates a fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once virtual time reaches now+d.
// A non-positive d fires on the next Advance, including Advance(0).
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, seq: c.seq, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Stop implements Timer.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	c.removeLocked(t)
	return true
}

// Advance moves virtual time forward by d, firing every timer that comes
// due on the way, including timers scheduled by callbacks during the advance.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		t := c.nextDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		t.done = true
		c.removeLocked(t)
		if t.at.After(c.now) {
			c.now = t.at
		}
		c.mu.Unlock()

		t.f()
	}
}

// Set moves virtual time to at. Moving forward fires due timers as Advance
// does; moving backward only rewinds Now, which tests use to simulate skew.
func (c *Fake) Set(at time.Time) {
	c.mu.Lock()
	d := at.Sub(c.now)
	c.mu.Unlock()
	if d < 0 {
		c.mu.Lock()
		c.now = at
		c.mu.Unlock()
		return
	}
	c.Advance(d)
}

// Pending returns the remaining duration of every pending timer in the
// order they will fire.
func (c *Fake) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := make([]*fakeTimer, len(c.timers))
	copy(ordered, c.timers)
	sortTimers(ordered)

	out := make([]time.Duration, 0, len(ordered))
	for _, t := range ordered {
		out = append(out, t.at.Sub(c.now))
	}
	return out
}

// PendingCount returns the number of timers that have not fired or been stopped.
func (c *Fake) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// WaitForTimers blocks in real time until at least n timers are pending or
// the wait limit elapses. It reports whether the condition was met. Tests
// use it to synchronise with goroutines that schedule timers.
func (c *Fake) WaitForTimers(n int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for {
		if c.PendingCount() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var next *fakeTimer
	for _, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (c *Fake) removeLocked(t *fakeTimer) {
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

func sortTimers(ts []*fakeTimer) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].at.Equal(ts[j].at) {
			return ts[i].seq < ts[j].seq
		}
		return ts[i].at.Before(ts[j].at)
	})
}
