package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a manually driven Clock for tests. Time does not pass unless
// Advance or Set is called; pending AfterFunc callbacks fire synchronously,
// in deadline order, from the advancing goroutine.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	mock    *Mock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewMock returns a Mock starting at the given instant.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{mock: m, at: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, t)
	// Zero or negative delays still fire on the next Advance, mirroring the
	// asynchrony of time.AfterFunc.
	return t
}

// Advance moves the clock forward by d, firing due callbacks in order.
func (m *Mock) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set jumps the clock to the given instant, firing due callbacks in order.
func (m *Mock) Set(to time.Time) {
	for {
		t := m.nextDue(to)
		if t == nil {
			break
		}
		m.mu.Lock()
		m.now = t.at
		m.mu.Unlock()
		t.fn()
	}
	m.mu.Lock()
	if to.After(m.now) {
		m.now = to
	}
	m.mu.Unlock()
}

// nextDue pops the earliest unfired timer at or before the target instant.
func (m *Mock) nextDue(to time.Time) *mockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.SliceStable(m.timers, func(i, j int) bool {
		return m.timers[i].at.Before(m.timers[j].at)
	})
	for _, t := range m.timers {
		if t.stopped || t.fired {
			continue
		}
		if !t.at.After(to) {
			t.fired = true
			return t
		}
	}
	return nil
}

func (t *mockTimer) Stop() bool {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	if t.fired {
		return false
	}
	t.stopped = true
	return true
}
