package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/najoast/abnet/config"
	"github.com/najoast/abnet/logging"
	"github.com/najoast/abnet/network"
	"github.com/najoast/abnet/protocol"
	"github.com/najoast/abnet/task"
)

// ErrApplicationRunning is returned when Run is called twice
var ErrApplicationRunning = errors.New("application is already running")

// limiterPruneInterval is how often idle connect-limiter entries are dropped
const limiterPruneInterval = 10 * time.Second

// Application owns every long-lived component of a server
type Application struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry    *protocol.Registry
	dispatcher  *task.Dispatcher
	scheduler   *task.Scheduler
	connections *network.ConnectionManager
	services    *network.ServiceManager
	limiter     *network.ConnectLimiter
	lifecycle   *LifecycleManager
	started     time.Time

	mu          sync.Mutex
	running     bool
	pruneID     uint32
	pruneActive bool
}

// NewApplication builds the components described by cfg. Nothing runs until
// Start or Run.
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfigValidateError, err)
	}

	app := &Application{
		cfg:       cfg,
		logger:    logger.With().Str("app", cfg.App.Name).Logger(),
		registry:  protocol.NewRegistry(),
		lifecycle: NewLifecycleManager(logger),
		started:   time.Now(),
	}

	app.dispatcher = task.NewDispatcher(logger)
	app.dispatcher.SetTaskExpiry(cfg.Dispatcher.TaskExpiry)

	app.scheduler = task.NewScheduler(app.dispatcher, logger)
	app.scheduler.SetMinTick(cfg.Scheduler.MinTick)

	app.connections = network.NewConnectionManager(network.ManagerConfig{
		MaxConnections:      cfg.Network.Limits.MaxConnections,
		MaxPacketsPerSecond: cfg.Network.Limits.MaxPacketsPerSecond,
		ReadTimeout:         cfg.Network.Timeouts.Read,
		WriteTimeout:        cfg.Network.Timeouts.Write,
	}, app.dispatcher, nil, logger)

	app.services = network.NewServiceManager(app.connections, logger)
	app.services.SetProxyProtocol(cfg.Network.ProxyProtocol)
	if cfg.Network.Limits.MaxConnectsPerIP > 0 {
		app.limiter = network.NewConnectLimiter(cfg.Network.Limits.MaxConnectsPerIP, cfg.Network.Limits.ConnectBlockTime)
		app.services.SetAcceptFilter(app.limiter.Allow)
	}

	app.registerProtocols()
	if err := app.registerServices(); err != nil {
		return nil, err
	}
	return app, nil
}

// registerProtocols adds the built-in protocols to the registry
func (app *Application) registerProtocols() {
	app.registry.Register("status", func() *network.Service {
		return protocol.NewStatusService(protocol.StatusInfo{
			Name:        app.cfg.App.Name,
			Version:     app.cfg.App.Version,
			Started:     app.started,
			Connections: app.connections,
			MinInterval: time.Second,
		})
	})
	app.registry.Register("echo", func() *network.Service {
		return protocol.NewEchoService(protocol.EchoConfig{
			Executor: app.dispatcher,
			Buffered: app.cfg.Output.AutoSendInterval > 0,
			Logger:   app.logger,
		})
	})
}

// registerServices puts each component under lifecycle management
func (app *Application) registerServices() error {
	services := []struct {
		svc  *managedService
		deps []string
	}{
		{&managedService{
			name:   "dispatcher",
			start:  func(context.Context) error { app.dispatcher.Start(); return nil },
			stop:   func(context.Context) error { app.dispatcher.Stop(); return nil },
			health: func() HealthStatus { return taskHealth(app.dispatcher.State(), app.dispatcher.Len()) },
		}, nil},
		{&managedService{
			name:   "scheduler",
			start:  func(context.Context) error { app.scheduler.Start(); return nil },
			stop:   func(context.Context) error { app.scheduler.Stop(); return nil },
			health: func() HealthStatus { return taskHealth(app.scheduler.State(), app.scheduler.Len()) },
		}, []string{"dispatcher"}},
		{&managedService{
			name: "output",
			start: func(context.Context) error {
				app.connections.Pool().StartAutoSend(app.scheduler, app.cfg.Output.AutoSendInterval)
				return nil
			},
			stop: func(context.Context) error {
				app.connections.Pool().StopAutoSend()
				return nil
			},
			health: func() HealthStatus {
				return HealthStatus{State: HealthHealthy, Data: map[string]interface{}{
					"auto_send": app.connections.Pool().AutoSendCount(),
				}}
			},
		}, []string{"scheduler"}},
		{&managedService{
			name:  "connect-limiter",
			start: func(context.Context) error { app.schedulePrune(); return nil },
			stop:  func(context.Context) error { app.stopPrune(); return nil },
		}, []string{"scheduler"}},
		{&managedService{
			name: "listeners",
			start: func(ctx context.Context) error {
				if err := app.bindServices(); err != nil {
					return err
				}
				return app.services.Start(ctx)
			},
			stop: func(context.Context) error {
				app.services.Stop()
				app.connections.CloseAll()
				return nil
			},
			health: app.listenerHealth,
		}, []string{"output", "connect-limiter"}},
	}

	for _, s := range services {
		if err := app.lifecycle.Register(s.svc, s.deps...); err != nil {
			return err
		}
	}
	return nil
}

// bindServices adds every configured service to its port
func (app *Application) bindServices() error {
	if app.services.IsRunning() || len(app.services.Ports()) > 0 {
		return nil
	}
	for _, sc := range app.cfg.Network.Services {
		svc, err := app.registry.Lookup(sc.Name)
		if err != nil {
			return err
		}
		if err := app.services.Add(app.cfg.ServiceAddress(sc), sc.Port, svc); err != nil {
			return fmt.Errorf("bind %s on port %d: %w", sc.Name, sc.Port, err)
		}
	}
	return nil
}

func (app *Application) schedulePrune() {
	if app.limiter == nil {
		return
	}
	app.mu.Lock()
	defer app.mu.Unlock()
	app.pruneActive = true
	app.pruneID = app.scheduler.Add(limiterPruneInterval, app.prune)
}

func (app *Application) prune() {
	if n := app.limiter.Prune(); n > 0 {
		app.logger.Debug().Int("pruned", n).Msg("connect limiter entries pruned")
	}

	app.mu.Lock()
	defer app.mu.Unlock()
	if app.pruneActive {
		app.pruneID = app.scheduler.Add(limiterPruneInterval, app.prune)
	}
}

func (app *Application) stopPrune() {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.pruneActive = false
	if app.pruneID != 0 {
		app.scheduler.StopEvent(app.pruneID)
		app.pruneID = 0
	}
}

func taskHealth(state task.State, queued int) HealthStatus {
	status := HealthStatus{
		State:   HealthHealthy,
		Message: state.String(),
		Data:    map[string]interface{}{"queued": queued},
	}
	if state != task.StateRunning {
		status.State = HealthStopped
	}
	return status
}

func (app *Application) listenerHealth() HealthStatus {
	if !app.services.IsRunning() {
		return HealthStatus{State: HealthStopped}
	}
	stats := app.connections.Statistics()
	return HealthStatus{
		State:   HealthHealthy,
		Message: stats.String(),
		Data: map[string]interface{}{
			"connections": stats.ActiveConnections,
			"rejected":    stats.RejectedConnections,
		},
	}
}

// Registry returns the protocol registry. Register extra protocols before
// Start; configured service names are resolved when the listeners start.
func (app *Application) Registry() *protocol.Registry {
	return app.registry
}

// Config returns the active configuration
func (app *Application) Config() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// Dispatcher returns the business task dispatcher
func (app *Application) Dispatcher() *task.Dispatcher {
	return app.dispatcher
}

// Scheduler returns the delayed task scheduler
func (app *Application) Scheduler() *task.Scheduler {
	return app.scheduler
}

// Connections returns the connection manager
func (app *Application) Connections() *network.ConnectionManager {
	return app.connections
}

// Services returns the service manager
func (app *Application) Services() *network.ServiceManager {
	return app.services
}

// Lifecycle returns the lifecycle manager
func (app *Application) Lifecycle() *LifecycleManager {
	return app.lifecycle
}

// Health reports the health of every managed component
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}

// WatchConfig reloads path on change and applies the settings that can
// change at runtime. Call before Start.
func (app *Application) WatchConfig(path string) error {
	watcher, err := config.NewWatcher(path, nil, app.logger)
	if err != nil {
		return err
	}
	watcher.OnConfigChange(app.ApplyConfig)

	if err := app.lifecycle.Register(&managedService{
		name:  "config-watcher",
		start: func(context.Context) error { return watcher.Start() },
		stop:  func(context.Context) error { return watcher.Stop() },
	}, "listeners"); err != nil {
		watcher.Stop()
		return err
	}
	return nil
}

// ApplyConfig applies the runtime-adjustable parts of newConfig: log level,
// packet rate, timeouts and task expiry. Other changes need a restart.
func (app *Application) ApplyConfig(oldConfig, newConfig *config.Config) {
	if err := logging.SetLevel(newConfig.Log.Level); err != nil {
		app.logger.Warn().Err(err).Msg("log level not applied")
	}
	app.connections.SetMaxPacketsPerSecond(newConfig.Network.Limits.MaxPacketsPerSecond)
	app.connections.SetTimeouts(newConfig.Network.Timeouts.Read, newConfig.Network.Timeouts.Write)
	app.dispatcher.SetTaskExpiry(newConfig.Dispatcher.TaskExpiry)

	if oldConfig != nil && !sameBindings(oldConfig, newConfig) {
		app.logger.Warn().Msg("service bindings changed; restart to apply")
	}

	app.mu.Lock()
	app.cfg = newConfig
	app.mu.Unlock()

	app.logger.Info().
		Str("log_level", newConfig.Log.Level.String()).
		Int("max_packets_per_second", newConfig.Network.Limits.MaxPacketsPerSecond).
		Dur("read_timeout", newConfig.Network.Timeouts.Read).
		Dur("write_timeout", newConfig.Network.Timeouts.Write).
		Msg("configuration applied")
}

func sameBindings(a, b *config.Config) bool {
	if a.Network.Address != b.Network.Address || a.Network.ProxyProtocol != b.Network.ProxyProtocol {
		return false
	}
	if len(a.Network.Services) != len(b.Network.Services) {
		return false
	}
	for i := range a.Network.Services {
		if a.Network.Services[i] != b.Network.Services[i] {
			return false
		}
	}
	return true
}

// Start starts every component
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return ErrApplicationRunning
	}
	app.running = true
	app.mu.Unlock()

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mu.Lock()
		app.running = false
		app.mu.Unlock()
		return err
	}

	for _, port := range app.services.Ports() {
		app.logger.Info().Str("addr", port.Addr).Strs("services", port.Services).Msg("listening")
	}
	return nil
}

// Run starts the application and blocks until ctx is done or the process
// receives SIGINT or SIGTERM, then shuts down
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		app.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		app.logger.Info().Msg("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops every component in reverse start order
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	if !app.running {
		app.mu.Unlock()
		return nil
	}
	app.running = false
	app.mu.Unlock()

	err := app.lifecycle.Stop(ctx)
	app.logger.Info().Str("uptime", time.Since(app.started).Round(time.Second).String()).Msg("shutdown complete")
	return err
}
