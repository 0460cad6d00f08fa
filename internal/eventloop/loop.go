package eventloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/printwatch/internal/clock"
)

type Task func()

// Loop runs tasks one at a time. State owned by the loop must only be touched
// from tasks; blocking work goes through Await so its continuation is posted
// back onto the loop.
type Loop struct {
	clock clock.Clock

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	inflight int
	closed   bool
}

func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.Real{}
	}
	l := &Loop{clock: c}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *Loop) Clock() clock.Clock {
	return l.clock
}

func (l *Loop) Post(task Task) {
	if task == nil {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Timer is a cancellable handle for a task scheduled with After. A cancelled
// timer never runs its task, even if the underlying clock already fired.
type Timer struct {
	ID        string
	DueAt     time.Time
	cancelled atomic.Bool
	fired     atomic.Bool
	stopper   clock.Stopper
}

func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	if t.stopper != nil {
		t.stopper.Stop()
	}
}

// Live reports whether the timer is still going to run its task.
func (t *Timer) Live() bool {
	if t == nil {
		return false
	}
	return !t.cancelled.Load() && !t.fired.Load()
}

func (l *Loop) After(d time.Duration, task Task) *Timer {
	t := &Timer{
		ID:    uuid.NewString(),
		DueAt: l.clock.Now().Add(d),
	}
	t.stopper = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.cancelled.Load() {
				return
			}
			t.fired.Store(true)
			task()
		})
	})
	return t
}

// Await runs work on its own goroutine and posts done back onto the loop.
func Await[T any](l *Loop, ctx context.Context, work func(context.Context) (T, error), done func(T, error)) {
	l.mu.Lock()
	l.inflight++
	l.mu.Unlock()
	go func() {
		v, err := work(ctx)
		l.mu.Lock()
		l.inflight--
		if done != nil {
			l.queue = append(l.queue, func() { done(v, err) })
		}
		l.mu.Unlock()
		l.cond.Broadcast()
	}()
}

// Run processes tasks until ctx is done. It may be called again after it
// returns; tasks posted in between are kept.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.cond.Broadcast()
	})
	defer stop()
	for {
		task, ok := l.next(false)
		if !ok {
			return ctx.Err()
		}
		task()
	}
}

// RunUntilIdle processes tasks on the calling goroutine until the queue is
// empty and no Await work is in flight. Pending timers do not keep it busy.
func (l *Loop) RunUntilIdle() {
	for {
		task, ok := l.next(true)
		if !ok {
			return
		}
		task()
	}
}

func (l *Loop) next(untilIdle bool) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 {
		if l.closed {
			return nil, false
		}
		if untilIdle && l.inflight == 0 {
			return nil, false
		}
		l.cond.Wait()
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}
