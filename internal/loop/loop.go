// Package loop provides the single-threaded cooperative scheduler the
// beacon agent runs on. Every agent method must be called from the loop
// goroutine; other goroutines hand work over with Post.
package loop

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Scheduler is the scheduling surface consumed by the agent.
type Scheduler interface {
	// Immediate runs fn asynchronously, as soon as the loop is otherwise
	// idle. It never runs fn before returning.
	Immediate(fn func())

	// After runs fn on the loop once d has elapsed.
	After(d time.Duration, fn func()) Timer

	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

// Timer is a pending After callback.
type Timer interface {
	Stop() bool
}

// Mode selects the primitive behind Immediate. The preference order is
// idle, then deferred task, then a short timer.
type Mode int

const (
	ModeIdle Mode = iota
	ModeDeferred
	ModeTimer
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeDeferred:
		return "deferred"
	case ModeTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// ParseMode maps a configured mode name to a Mode. The empty string is
// ModeIdle.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "idle":
		return ModeIdle, nil
	case "deferred":
		return ModeDeferred, nil
	case "timer":
		return ModeTimer, nil
	}
	return 0, fmt.Errorf("unknown loop mode %q", s)
}

const (
	// IdleTimeout bounds how long an idle task waits behind a busy queue.
	IdleTimeout = time.Second
	// TimerDelay is the delay used when Immediate falls back to a timer.
	TimerDelay = 10 * time.Millisecond
)

type idleTask struct {
	fn     func()
	queued time.Time
}

// Loop executes tasks one at a time on the goroutine that calls Run.
type Loop struct {
	mode Mode

	mu    sync.Mutex
	tasks []func()
	idle  []idleTask
	wake  chan struct{}
}

// New creates a Loop using the given Immediate mode.
func New(mode Mode) *Loop {
	return &Loop{
		mode: mode,
		wake: make(chan struct{}, 1),
	}
}

// Mode reports the Immediate primitive in use.
func (l *Loop) Mode() Mode { return l.mode }

// Post queues fn as a regular task. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) Immediate(fn func()) {
	switch l.mode {
	case ModeIdle:
		l.mu.Lock()
		l.idle = append(l.idle, idleTask{fn: fn, queued: time.Now()})
		l.mu.Unlock()
		l.signal()
	case ModeDeferred:
		l.Post(fn)
	default:
		l.After(TimerDelay, fn)
	}
}

func (l *Loop) After(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() { l.Post(fn) })
}

func (l *Loop) Now() time.Time { return time.Now() }

// Run executes tasks until ctx is done. Regular tasks run first; idle
// tasks run when no regular task is pending, or once they have waited
// longer than IdleTimeout.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fn := l.next(time.Now()); fn != nil {
			l.run(fn)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next(now time.Time) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.idle) > 0 && (len(l.tasks) == 0 || now.Sub(l.idle[0].queued) >= IdleTimeout) {
		fn := l.idle[0].fn
		l.idle[0] = idleTask{}
		l.idle = l.idle[1:]
		return fn
	}
	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn
	}
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[loop] task panic: %v", r)
		}
	}()
	fn()
}
