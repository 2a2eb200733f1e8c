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

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher(zerolog.Nop())
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherFIFO(t *testing.T) {
	d := newTestDispatcher(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Add(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	d.Stop()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestDispatcherLifecycle(t *testing.T) {
	t.Run("add before start", func(t *testing.T) {
		d := NewDispatcher(zerolog.Nop())
		assert.ErrorIs(t, d.Add(func() {}), ErrNotRunning)
		assert.Equal(t, StateTerminated, d.State())
	})

	t.Run("stop drains queue", func(t *testing.T) {
		d := NewDispatcher(zerolog.Nop())
		d.Start()

		block := make(chan struct{})
		var ran atomic.Int32
		require.NoError(t, d.Add(func() { <-block }))
		for i := 0; i < 5; i++ {
			require.NoError(t, d.Add(func() { ran.Add(1) }))
		}

		stopped := make(chan struct{})
		go func() {
			d.Stop()
			close(stopped)
		}()

		assert.Eventually(t, func() bool { return d.State() == StateClosing }, time.Second, time.Millisecond)
		assert.ErrorIs(t, d.Add(func() {}), ErrNotRunning)

		close(block)
		<-stopped
		assert.Equal(t, int32(5), ran.Load())
		assert.Equal(t, StateTerminated, d.State())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		d := NewDispatcher(zerolog.Nop())
		d.Stop()
		d.Start()
		d.Stop()
		d.Stop()
		assert.Equal(t, StateTerminated, d.State())
	})

	t.Run("restart", func(t *testing.T) {
		d := NewDispatcher(zerolog.Nop())
		d.Start()
		d.Stop()
		d.Start()
		defer d.Stop()

		done := make(chan struct{})
		require.NoError(t, d.Add(func() { close(done) }))
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("task did not run after restart")
		}
	})
}

func TestDispatcherTaskAddsTask(t *testing.T) {
	d := newTestDispatcher(t)

	done := make(chan struct{})
	require.NoError(t, d.Add(func() {
		assert.NoError(t, d.Add(func() { close(done) }))
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := newTestDispatcher(t)

	done := make(chan struct{})
	require.NoError(t, d.Add(func() { panic("boom") }))
	require.NoError(t, d.Add(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestDispatcherDropsExpiredTasks(t *testing.T) {
	d := newTestDispatcher(t)

	block := make(chan struct{})
	require.NoError(t, d.Add(func() { <-block }))

	var expired, fresh atomic.Bool
	require.NoError(t, d.AddTask(NewExpiringTask(time.Millisecond, func() { expired.Store(true) })))
	require.NoError(t, d.AddTask(NewExpiringTask(time.Hour, func() { fresh.Store(true) })))

	time.Sleep(20 * time.Millisecond)
	close(block)
	d.Stop()

	assert.False(t, expired.Load())
	assert.True(t, fresh.Load())
}

func TestDispatcherAddExpiring(t *testing.T) {
	d := newTestDispatcher(t)
	d.SetTaskExpiry(time.Millisecond)

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, d.Add(func() {
		close(started)
		<-block
	}))
	<-started

	var ran atomic.Bool
	require.NoError(t, d.AddExpiring(func() { ran.Store(true) }))
	assert.Equal(t, 1, d.Len())

	time.Sleep(20 * time.Millisecond)
	close(block)
	d.Stop()

	assert.False(t, ran.Load())
}

func TestTaskExpiry(t *testing.T) {
	assert.False(t, NewTask(func() {}).Expired())
	assert.False(t, NewExpiringTask(0, func() {}).Expired())

	task := NewExpiringTask(time.Nanosecond, func() {})
	time.Sleep(time.Millisecond)
	assert.True(t, task.Expired())

	task.SetDontExpire()
	assert.False(t, task.Expired())
}
