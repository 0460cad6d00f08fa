package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source shared by the event loop and the session store.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type Stopper interface {
	Stop() bool
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Fake is a virtual clock. Timers only fire from Advance, in due order, on
// the goroutine that calls Advance.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	due   time.Time
	seq   uint64
	f     func()
	done  bool
}

func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &fakeTimer{clock: c, due: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves virtual time forward by d and fires every timer that falls
// due, including timers exactly at the new instant.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		next := c.nextDueLocked(deadline)
		if next == nil {
			c.now = deadline
			c.mu.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		if next.due.After(c.now) {
			c.now = next.due
		}
		f := next.f
		c.mu.Unlock()
		f()
	}
}

// Pending reports timers that have neither fired nor been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// NextDue reports the delay until the earliest pending timer.
func (c *Fake) NextDue() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return 0, false
	}
	c.sortLocked()
	return c.timers[0].due.Sub(c.now), true
}

func (c *Fake) nextDueLocked(deadline time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	c.sortLocked()
	if c.timers[0].due.After(deadline) {
		return nil
	}
	return c.timers[0]
}

func (c *Fake) sortLocked() {
	sort.SliceStable(c.timers, func(i, j int) bool {
		if !c.timers[i].due.Equal(c.timers[j].due) {
			return c.timers[i].due.Before(c.timers[j].due)
		}
		return c.timers[i].seq < c.timers[j].seq
	})
}

func (c *Fake) removeLocked(t *fakeTimer) {
	for i, cur := range c.timers {
		if cur == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}
