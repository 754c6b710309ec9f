package utils

import (
	"sync"
	"time"
)

// Timer is the part of *time.Timer the call state machines use.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through RealAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func RealAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualTimers is an AfterFunc whose timers fire only when told to.
// Tests use it to order timeouts against store updates deterministically.
type ManualTimers struct {
	created chan *ManualTimer
}

func NewManualTimers() *ManualTimers {
	return &ManualTimers{created: make(chan *ManualTimer, 64)}
}

func (m *ManualTimers) AfterFunc(d time.Duration, f func()) Timer {
	t := &ManualTimer{d: d, f: f}
	m.created <- t
	return t
}

// Next waits up to wait for the next timer to be armed.
func (m *ManualTimers) Next(wait time.Duration) (*ManualTimer, bool) {
	select {
	case t := <-m.created:
		return t, true
	case <-time.After(wait):
		return nil, false
	}
}

type ManualTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *ManualTimer) Duration() time.Duration { return t.d }

func (t *ManualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Stopped reports whether Stop was called before the timer fired.
func (t *ManualTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped && !t.fired
}

// Fire runs the callback unless the timer was stopped or already fired.
// It reports whether the callback ran.
func (t *ManualTimer) Fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
	return true
}
