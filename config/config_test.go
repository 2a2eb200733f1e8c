package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "abnet", config.App.Name)
	assert.Equal(t, 1000, config.Network.Limits.MaxConnections)
	assert.Equal(t, 25, config.Network.Limits.MaxPacketsPerSecond)
	assert.Equal(t, 30*time.Second, config.Network.Timeouts.Read)
	assert.Equal(t, 10*time.Millisecond, config.Scheduler.MinTick)
	assert.True(t, config.IsDevelopment())
	assert.False(t, config.IsProduction())
	assert.True(t, config.IsDebugEnabled())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		err    error
	}{
		{"valid config", func(c *Config) {}, nil},
		{"empty app name", func(c *Config) { c.App.Name = "" }, ErrInvalidAppName},
		{"bad environment", func(c *Config) { c.App.Environment = "moon" }, ErrInvalidEnvironment},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, ErrInvalidLogLevel},
		{"zero max connections", func(c *Config) { c.Network.Limits.MaxConnections = 0 }, ErrInvalidMaxConnections},
		{"negative packet rate", func(c *Config) { c.Network.Limits.MaxPacketsPerSecond = -1 }, ErrInvalidRateLimit},
		{"negative read timeout", func(c *Config) { c.Network.Timeouts.Read = -time.Second }, ErrInvalidTimeout},
		{"negative min tick", func(c *Config) { c.Scheduler.MinTick = -1 }, ErrInvalidTimeout},
		{"unnamed service", func(c *Config) { c.Network.Services[0].Name = "" }, ErrInvalidServiceName},
		{"port out of range", func(c *Config) { c.Network.Services[0].Port = 70000 }, ErrInvalidPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestServiceAddress(t *testing.T) {
	config := DefaultConfig()
	config.Network.Address = "10.0.0.1"

	assert.Equal(t, "10.0.0.1", config.ServiceAddress(ServiceConfig{Name: "status", Port: 1}))
	assert.Equal(t, "127.0.0.1", config.ServiceAddress(ServiceConfig{Name: "status", Port: 1, Address: "127.0.0.1"}))
}

const testYAML = `
app:
  name: gate
  environment: production
log:
  level: debug
network:
  address: 127.0.0.1
  proxy_protocol: true
  limits:
    max_connections: 50
    max_packets_per_second: 10
  timeouts:
    read: 5s
  services:
    - name: status
      port: 7171
    - name: echo
      port: 7172
dispatcher:
  task_expiry: 2s
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderYAML(t *testing.T) {
	path := writeFile(t, "abnet.yaml", testYAML)

	config, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "gate", config.App.Name)
	assert.True(t, config.IsProduction())
	assert.Equal(t, LogLevelDebug, config.GetLogLevel())
	assert.True(t, config.Network.ProxyProtocol)
	assert.Equal(t, 50, config.Network.Limits.MaxConnections)
	assert.Equal(t, 10, config.Network.Limits.MaxPacketsPerSecond)
	assert.Equal(t, 5*time.Second, config.Network.Timeouts.Read)
	assert.Equal(t, 2*time.Second, config.Dispatcher.TaskExpiry)
	require.Len(t, config.Network.Services, 2)
	assert.Equal(t, ServiceConfig{Name: "echo", Port: 7172}, config.Network.Services[1])

	// Absent fields keep their defaults
	defaults := DefaultConfig()
	assert.Equal(t, defaults.Network.Timeouts.Write, config.Network.Timeouts.Write)
	assert.Equal(t, defaults.Network.Limits.MaxConnectsPerIP, config.Network.Limits.MaxConnectsPerIP)
	assert.Equal(t, defaults.Scheduler.MinTick, config.Scheduler.MinTick)
}

func TestLoaderJSON(t *testing.T) {
	path := writeFile(t, "abnet.json", `{
		"app": {"name": "json-app", "environment": "staging"},
		"network": {"limits": {"max_connections": 7}}
	}`)

	config, err := NewLoader().LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json-app", config.App.Name)
	assert.Equal(t, EnvStaging, config.App.Environment)
	assert.Equal(t, 7, config.Network.Limits.MaxConnections)
}

func TestLoaderErrors(t *testing.T) {
	loader := NewLoader()

	_, err := loader.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)

	_, err = loader.LoadFromFile(writeFile(t, "abnet.toml", "x = 1"))
	assert.Error(t, err)

	_, err = loader.LoadFromFile(writeFile(t, "abnet.yaml", "app: [unclosed"))
	assert.ErrorIs(t, err, ErrConfigParseError)

	_, err = loader.LoadFromFile(writeFile(t, "abnet.yaml", "log:\n  level: loud\n"))
	assert.ErrorIs(t, err, ErrConfigValidateError)
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}

func TestLoadFromReader(t *testing.T) {
	config, err := NewLoader().LoadFromReader(strings.NewReader("app:\n  name: reader\n"), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "reader", config.App.Name)
	assert.Equal(t, DefaultConfig().Network.Limits, config.Network.Limits)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ABNET_APP_NAME", "env-app")
	t.Setenv("ABNET_LOG_LEVEL", "warn")
	t.Setenv("ABNET_NETWORK_MAX_CONNECTIONS", "42")
	t.Setenv("ABNET_NETWORK_READ_TIMEOUT", "3s")
	t.Setenv("ABNET_NETWORK_PORT", "9000")

	config, err := NewLoader().Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-app", config.App.Name)
	assert.Equal(t, LogLevelWarn, config.Log.Level)
	assert.Equal(t, 42, config.Network.Limits.MaxConnections)
	assert.Equal(t, 3*time.Second, config.Network.Timeouts.Read)
	for _, svc := range config.Network.Services {
		assert.Equal(t, 9000, svc.Port)
	}

	// The loader's defaults are untouched
	assert.Equal(t, 7171, DefaultConfig().Network.Services[0].Port)
}

func TestEnvironmentOverrideErrors(t *testing.T) {
	t.Setenv("ABNET_NETWORK_MAX_CONNECTIONS", "many")

	_, err := NewLoader().Load("")
	assert.ErrorIs(t, err, ErrEnvironmentVarError)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("GATE_APP_NAME", "prefixed")

	config, err := NewLoader().SetEnvPrefix("GATE").Load("")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", config.App.Name)
}

func TestAutoLoad(t *testing.T) {
	dir := t.TempDir()

	config, err := NewLoader().SetSearchPaths([]string{dir}).AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, "abnet", config.App.Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "abnet.yml"), []byte("app:\n  name: found\n"), 0o644))
	config, err = NewLoader().SetSearchPaths([]string{dir}).AutoLoad()
	require.NoError(t, err)
	assert.Equal(t, "found", config.App.Name)
}

func TestWatcher(t *testing.T) {
	path := writeFile(t, "abnet.yaml", "network:\n  limits:\n    max_packets_per_second: 10\n")

	watcher, err := NewWatcher(path, NewLoader(), zerolog.Nop())
	require.NoError(t, err)
	watcher.SetDebounce(20 * time.Millisecond)
	assert.Equal(t, 10, watcher.GetConfig().Network.Limits.MaxPacketsPerSecond)

	var changes atomic.Int32
	var seen atomic.Int64
	old := watcher.GetConfig()
	watcher.OnConfigChange(func(oldConfig, newConfig *Config) {
		seen.Store(int64(newConfig.Network.Limits.MaxPacketsPerSecond))
		changes.Add(1)
	})
	watcher.OnConfigChange(func(_, _ *Config) {
		panic("ignored")
	})

	require.NoError(t, watcher.Start())
	t.Cleanup(func() { watcher.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("network:\n  limits:\n    max_packets_per_second: 99\n"), 0o644))

	require.Eventually(t, func() bool { return seen.Load() == 99 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 99, watcher.GetConfig().Network.Limits.MaxPacketsPerSecond)
	assert.GreaterOrEqual(t, changes.Load(), int32(1))
	assert.Equal(t, 10, old.Network.Limits.MaxPacketsPerSecond)
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := writeFile(t, "abnet.yaml", "app:\n  name: good\n")

	watcher, err := NewWatcher(path, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))
	assert.Error(t, watcher.Reload())
	assert.Equal(t, "good", watcher.GetConfig().App.Name)
}

func TestNewWatcherErrors(t *testing.T) {
	_, err := NewWatcher("abnet.ini", nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}
