// Package task provides the serialized executor and timer service that run
// business work off the network goroutines
package task

import (
	"errors"
	"time"
)

// ErrNotRunning is returned when work is submitted to a stopped executor
var ErrNotRunning = errors.New("task: not running")

// State represents the lifecycle state of a Dispatcher or Scheduler
type State int32

const (
	StateTerminated State = iota
	StateRunning
	StateClosing
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateTerminated:
		return "terminated"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Task is a deferred unit of work. A task created with NewExpiringTask is
// dropped by the Dispatcher if it is still queued after its deadline.
type Task struct {
	fn         func()
	expiration time.Time
}

// NewTask creates a task that never expires
func NewTask(fn func()) *Task {
	return &Task{fn: fn}
}

// NewExpiringTask creates a task that expires ttl from now
func NewExpiringTask(ttl time.Duration, fn func()) *Task {
	t := &Task{fn: fn}
	if ttl > 0 {
		t.expiration = time.Now().Add(ttl)
	}
	return t
}

// Expired reports whether the task deadline has passed
func (t *Task) Expired() bool {
	if t.expiration.IsZero() {
		return false
	}
	return time.Now().After(t.expiration)
}

// SetDontExpire clears the deadline
func (t *Task) SetDontExpire() {
	t.expiration = time.Time{}
}

// Run executes the task
func (t *Task) Run() {
	if t.fn != nil {
		t.fn()
	}
}
