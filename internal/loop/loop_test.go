package loop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func runLoop(t *testing.T, l *Loop) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestLoopIdleRunsAfterTasks(t *testing.T) {
	l := New(ModeIdle)

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}

	done := make(chan struct{})

	// Queue everything before the loop starts so ordering is deterministic.
	l.Immediate(func() {
		record("idle")()
		close(done)
	})
	l.Post(record("task1"))
	l.Post(record("task2"))

	runLoop(t, l)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle task never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"task1", "task2", "idle"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestLoopIdleTimeoutPromotesStarvedTask(t *testing.T) {
	l := New(ModeIdle)
	l.idle = append(l.idle, idleTask{fn: func() {}, queued: time.Now().Add(-2 * IdleTimeout)})
	l.tasks = append(l.tasks, func() {})

	fn := l.next(time.Now())
	if fn == nil {
		t.Fatal("next returned nil")
	}
	if len(l.idle) != 0 {
		t.Errorf("idle queue len = %d, want 0 (starved idle task should run first)", len(l.idle))
	}
	if len(l.tasks) != 1 {
		t.Errorf("task queue len = %d, want 1", len(l.tasks))
	}
}

func TestLoopModes(t *testing.T) {
	for _, mode := range []Mode{ModeIdle, ModeDeferred, ModeTimer} {
		t.Run(mode.String(), func(t *testing.T) {
			l := New(mode)
			runLoop(t, l)

			ran := make(chan struct{})
			l.Post(func() { l.Immediate(func() { close(ran) }) })

			select {
			case <-ran:
			case <-time.After(2 * time.Second):
				t.Fatalf("Immediate in %s mode never ran", mode)
			}
		})
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	l := New(ModeDeferred)
	runLoop(t, l)

	l.Post(func() { panic("boom") })
	ok := false
	if err := l.Do(context.Background(), func() { ok = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ok {
		t.Error("loop stopped after a panicking task")
	}
}

func TestManualAdvanceFiresInDeadlineOrder(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))
	var order []string

	m.After(300*time.Millisecond, func() { order = append(order, "c") })
	m.After(100*time.Millisecond, func() {
		order = append(order, "a")
		m.Immediate(func() { order = append(order, "a-immediate") })
	})
	stopped := m.After(200*time.Millisecond, func() { order = append(order, "b") })
	if !stopped.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}

	m.Advance(250 * time.Millisecond)
	if got, want := len(order), 2; got != want {
		t.Fatalf("after 250ms order = %v", order)
	}
	if order[0] != "a" || order[1] != "a-immediate" {
		t.Errorf("order = %v, want [a a-immediate]", order)
	}
	if got := m.Now(); !got.Equal(time.Unix(1000, 0).Add(250 * time.Millisecond)) {
		t.Errorf("Now = %v", got)
	}

	m.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Errorf("order = %v, want c last", order)
	}
}

func TestManualRunPendingRunsNestedTasks(t *testing.T) {
	m := NewManual(time.Time{})
	n := 0
	m.Immediate(func() {
		n++
		m.Immediate(func() { n++ })
	})
	if m.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", m.Pending())
	}
	if ran := m.RunPending(); ran != 2 {
		t.Errorf("RunPending = %d, want 2", ran)
	}
	if n != 2 {
		t.Errorf("n = %d, want 2", n)
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeIdle, ModeDeferred, ModeTimer} {
		got, err := ParseMode(mode.String())
		if err != nil || got != mode {
			t.Errorf("ParseMode(%q) = %v, %v", mode, got, err)
		}
	}
	if got, err := ParseMode(""); err != nil || got != ModeIdle {
		t.Errorf("ParseMode(\"\") = %v, %v", got, err)
	}
	if _, err := ParseMode("soon"); err == nil {
		t.Error("unknown mode accepted")
	}
}
