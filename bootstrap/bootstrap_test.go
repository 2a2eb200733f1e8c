package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestService records its calls in a shared log
type TestService struct {
	name     string
	log      *[]string
	startErr error
	started  bool
	stopped  bool
}

func (s *TestService) Name() string {
	return s.name
}

func (s *TestService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	*s.log = append(*s.log, "start "+s.name)
	return nil
}

func (s *TestService) Stop(ctx context.Context) error {
	s.stopped = true
	*s.log = append(*s.log, "stop "+s.name)
	return nil
}

func (s *TestService) Health(ctx context.Context) (HealthStatus, error) {
	if s.started && !s.stopped {
		return HealthStatus{State: HealthHealthy, Message: "Service is running"}, nil
	}
	return HealthStatus{}, errors.New("not running")
}

func TestLifecycleManager(t *testing.T) {
	var log []string
	lm := NewLifecycleManager(zerolog.Nop())

	var events []string
	lm.AddListener(func(e LifecycleEvent) { events = append(events, e.Type) })

	// Registered out of order on purpose
	require.NoError(t, lm.Register(&TestService{name: "listeners", log: &log}, "scheduler", "dispatcher"))
	require.NoError(t, lm.Register(&TestService{name: "scheduler", log: &log}, "dispatcher"))
	require.NoError(t, lm.Register(&TestService{name: "dispatcher", log: &log}))

	assert.Error(t, lm.Register(&TestService{name: "dispatcher", log: &log}))
	assert.Error(t, lm.Register(&TestService{log: &log}))
	assert.Equal(t, []string{"dispatcher", "listeners", "scheduler"}, lm.Services())

	require.NoError(t, lm.Start(t.Context()))
	assert.True(t, lm.IsStarted())
	assert.ErrorIs(t, lm.Start(t.Context()), ErrAlreadyStarted)
	assert.ErrorIs(t, lm.Register(&TestService{name: "late", log: &log}), ErrAlreadyStarted)

	health := lm.Health(t.Context())
	assert.Equal(t, HealthHealthy, health["scheduler"].State)

	require.NoError(t, lm.Stop(t.Context()))
	assert.False(t, lm.IsStarted())
	require.NoError(t, lm.Stop(t.Context()))

	assert.Equal(t, []string{
		"start dispatcher", "start scheduler", "start listeners",
		"stop listeners", "stop scheduler", "stop dispatcher",
	}, log)
	assert.Contains(t, events, "lifecycle.started")
	assert.Contains(t, events, "lifecycle.stopped")

	health = lm.Health(t.Context())
	assert.Equal(t, HealthUnhealthy, health["scheduler"].State)
	assert.Equal(t, "not running", health["scheduler"].Message)
}

func TestLifecycleManagerStartFailure(t *testing.T) {
	var log []string
	lm := NewLifecycleManager(zerolog.Nop())

	boom := errors.New("boom")
	require.NoError(t, lm.Register(&TestService{name: "a", log: &log}))
	require.NoError(t, lm.Register(&TestService{name: "b", log: &log}, "a"))
	require.NoError(t, lm.Register(&TestService{name: "c", log: &log, startErr: boom}, "b"))

	err := lm.Start(t.Context())
	require.ErrorIs(t, err, boom)

	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "c", appErr.Service)
	assert.Equal(t, "start failed for service c: boom", appErr.Error())

	// Started services are rolled back
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
	assert.False(t, lm.IsStarted())
}

func TestLifecycleManagerDependencies(t *testing.T) {
	t.Run("missing dependency", func(t *testing.T) {
		var log []string
		lm := NewLifecycleManager(zerolog.Nop())
		require.NoError(t, lm.Register(&TestService{name: "a", log: &log}, "ghost"))
		assert.Error(t, lm.Start(t.Context()))
		assert.Empty(t, log)
	})

	t.Run("circular dependency", func(t *testing.T) {
		var log []string
		lm := NewLifecycleManager(zerolog.Nop())
		require.NoError(t, lm.Register(&TestService{name: "a", log: &log}, "b"))
		require.NoError(t, lm.Register(&TestService{name: "b", log: &log}, "a"))
		assert.ErrorIs(t, lm.Start(t.Context()), ErrCircularDependency)
		assert.Empty(t, log)
	})
}

func TestLifecycleListenerPanic(t *testing.T) {
	var log []string
	lm := NewLifecycleManager(zerolog.Nop())
	lm.AddListener(func(LifecycleEvent) { panic("listener") })
	require.NoError(t, lm.Register(&TestService{name: "a", log: &log}))

	require.NoError(t, lm.Start(t.Context()))
	require.NoError(t, lm.Stop(t.Context()))
	assert.Equal(t, []string{"start a", "stop a"}, log)
}

func TestManagedService(t *testing.T) {
	empty := &managedService{name: "empty"}
	assert.NoError(t, empty.Start(t.Context()))
	assert.NoError(t, empty.Stop(t.Context()))

	status, err := empty.Health(t.Context())
	require.NoError(t, err)
	assert.Equal(t, HealthUnknown, status.State)
	assert.False(t, status.LastCheck.IsZero())
}
