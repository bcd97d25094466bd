// Package sched provides cancel-and-replace scheduled tasks over an
// injectable clock.
package sched

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock is the source of time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Real is the wall clock.
var Real Clock = realClock{}

// Task holds at most one armed timer. Arming cancels the previous arm, and
// a callback that lost the race with Cancel or a newer Schedule never runs.
type Task struct {
	clock Clock

	mu    sync.Mutex
	gen   uint64
	timer Timer
}

// NewTask returns an idle task. A nil clock means Real.
func NewTask(clock Clock) *Task {
	if clock == nil {
		clock = Real
	}
	return &Task{clock: clock}
}

// Schedule arms f to run after d, replacing any pending arm.
func (t *Task) Schedule(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		f()
	})
}

// Cancel disarms the task. It reports whether an arm was pending.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

// Pending reports whether an arm is outstanding.
func (t *Task) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
