package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(zerolog.Nop())
	d.Start()
	s := NewScheduler(d, zerolog.Nop())
	s.Start()
	t.Cleanup(func() {
		s.Stop()
		d.Stop()
	})
	return s, d
}

func TestSchedulerRunsOnceNotEarly(t *testing.T) {
	s, _ := newTestScheduler(t)

	var calls atomic.Int32
	fired := make(chan time.Time, 2)
	start := time.Now()
	id := s.Add(50*time.Millisecond, func() {
		calls.Add(1)
		fired <- time.Now()
	})
	require.NotZero(t, id)
	assert.Equal(t, 1, s.Len())

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.StopEvent(id))
}

func TestSchedulerStopEvent(t *testing.T) {
	s, _ := newTestScheduler(t)

	var ran atomic.Bool
	id := s.Add(50*time.Millisecond, func() { ran.Store(true) })
	require.NotZero(t, id)

	assert.True(t, s.StopEvent(id))
	assert.False(t, s.StopEvent(id))
	assert.Equal(t, 0, s.Len())

	time.Sleep(150 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSchedulerOrder(t *testing.T) {
	s, _ := newTestScheduler(t)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		}
	}

	s.Add(90*time.Millisecond, record(3))
	s.Add(30*time.Millisecond, record(1))
	s.Add(60*time.Millisecond, record(2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled tasks did not run")
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSchedulerMinTick(t *testing.T) {
	s, _ := newTestScheduler(t)

	fired := make(chan time.Time, 1)
	start := time.Now()
	s.Add(0, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), MinTick)
	case <-time.After(time.Second):
		t.Fatal("scheduled task did not run")
	}
}

func TestSchedulerStopDiscards(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	d.Start()
	defer d.Stop()

	s := NewScheduler(d, zerolog.Nop())
	assert.Zero(t, s.Add(time.Millisecond, func() {}))

	s.Start()
	var ran atomic.Bool
	require.NotZero(t, s.Add(50*time.Millisecond, func() { ran.Store(true) }))
	s.Stop()

	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 0, s.Len())
	assert.Zero(t, s.Add(time.Millisecond, func() {}))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestSchedulerEventIDs(t *testing.T) {
	s := NewScheduler(nil, zerolog.Nop())

	t.Run("wraps without zero", func(t *testing.T) {
		s.lastEventID = ^uint32(0) - 1
		assert.Equal(t, ^uint32(0), s.nextEventID())
		assert.Equal(t, uint32(1), s.nextEventID())
	})

	t.Run("skips pending ids", func(t *testing.T) {
		s.lastEventID = 0
		s.events[1] = &ScheduledTask{}
		s.events[2] = &ScheduledTask{}
		assert.Equal(t, uint32(3), s.nextEventID())
	})
}

func TestSchedulerTasksDoNotExpire(t *testing.T) {
	s, d := newTestScheduler(t)
	d.SetTaskExpiry(time.Nanosecond)

	done := make(chan struct{})
	s.Add(20*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("promoted task was dropped")
	}
}
