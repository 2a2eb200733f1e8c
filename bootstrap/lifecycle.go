package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrAlreadyStarted is returned when the manager is started twice or
	// modified while running
	ErrAlreadyStarted = errors.New("lifecycle manager already started")

	// ErrCircularDependency is returned when services depend on each other
	ErrCircularDependency = errors.New("circular dependency detected")
)

// LifecycleManager starts services in dependency order and stops them in
// reverse
type LifecycleManager struct {
	logger zerolog.Logger

	mu           sync.RWMutex
	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string
	started      bool
	listeners    []func(LifecycleEvent)
	timeout      time.Duration
}

// NewLifecycleManager creates an empty lifecycle manager
func NewLifecycleManager(logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		logger:       logger.With().Str("component", "lifecycle").Logger(),
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      30 * time.Second,
	}
}

// SetTimeout bounds each Start and Stop call
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	lm.timeout = timeout
	lm.mu.Unlock()
}

// AddListener adds a lifecycle event listener. Listeners run synchronously.
func (lm *LifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	lm.listeners = append(lm.listeners, listener)
	lm.mu.Unlock()
}

// Register registers a service that starts after deps
func (lm *LifecycleManager) Register(service Service, deps ...string) error {
	if service == nil || service.Name() == "" {
		return fmt.Errorf("service must have a name")
	}
	name := service.Name()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return fmt.Errorf("register %s: %w", name, ErrAlreadyStarted)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("service %s is already registered", name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps
	return nil
}

// Start starts all services in dependency order. If one fails, the ones
// already started are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return ErrAlreadyStarted
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return &ApplicationError{Operation: "start", Err: err}
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: "service.start_failed", Service: name, Error: err})
			lm.stopStarted(ctx)
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.emit(LifecycleEvent{Type: "service.started", Service: name})
	}

	lm.started = true
	lm.emit(LifecycleEvent{Type: "lifecycle.started", Data: map[string]interface{}{"order": order}})
	return nil
}

// Stop stops all services in reverse start order and returns the first error
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.started {
		return nil
	}
	err := lm.stopStarted(ctx)
	lm.started = false
	lm.emit(LifecycleEvent{Type: "lifecycle.stopped"})
	return err
}

// stopStarted stops what startOrder holds. Called with mu held.
func (lm *LifecycleManager) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			if firstErr == nil {
				firstErr = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			lm.emit(LifecycleEvent{Type: "service.stop_failed", Service: name, Error: err})
			continue
		}
		lm.emit(LifecycleEvent{Type: "service.stopped", Service: name})
	}
	lm.startOrder = nil
	return firstErr
}

// IsStarted reports whether Start has succeeded and Stop has not been called
func (lm *LifecycleManager) IsStarted() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.started
}

// Health returns the health status of all services
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	health := make(map[string]HealthStatus, len(lm.services))
	for name, service := range lm.services {
		status, err := service.Health(ctx)
		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error(), LastCheck: time.Now()}
		}
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// calculateStartOrder sorts services topologically (Kahn). Ties are broken
// by name so the order is stable.
func (lm *LifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	dependents := make(map[string][]string, len(lm.services))

	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("dependency %s of service %s is not registered", dep, name)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(lm.services))
	for len(ready) > 0 {
		sort.Strings(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(lm.services) {
		return nil, ErrCircularDependency
	}
	return order, nil
}

// emit logs event and hands it to the listeners. Called with mu held.
func (lm *LifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()

	entry := lm.logger.Debug()
	if event.Error != nil {
		entry = lm.logger.Error().Err(event.Error)
	}
	entry.Str("event", event.Type).Str("service", event.Service).Msg("lifecycle event")

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error().Interface("panic", r).Msg("lifecycle listener panicked")
				}
			}()
			listener(event)
		}()
	}
}
