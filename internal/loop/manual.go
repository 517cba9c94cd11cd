package loop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler for tests. Nothing runs until
// RunPending or Advance is called. Not safe for concurrent use.
type Manual struct {
	now     time.Time
	pending []func()
	timers  []*manualTimer
	seq     int
}

type manualTimer struct {
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Immediate(fn func()) {
	m.pending = append(m.pending, fn)
}

func (m *Manual) After(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{deadline: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time { return m.now }

// Pending reports how many Immediate tasks are queued.
func (m *Manual) Pending() int { return len(m.pending) }

// RunPending runs queued Immediate tasks, including ones queued while
// running, and returns how many ran.
func (m *Manual) RunPending() int {
	n := 0
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d. Due timers fire in deadline order,
// each followed by RunPending.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		t.fired = true
		t.fn()
		m.RunPending()
	}
	m.now = target
	m.RunPending()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})
	if len(m.timers) == 0 || m.timers[0].deadline.After(target) {
		return nil
	}
	return m.timers[0]
}
