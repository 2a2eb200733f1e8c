// Package config provides configuration management for abnet servers
package config

import (
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Config represents the complete server configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Network configuration
	Network NetworkConfig `yaml:"network" json:"network"`

	// Dispatcher configuration
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`

	// Scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Output message configuration
	Output OutputConfig `yaml:"output" json:"output"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored console output
	Color bool `yaml:"color" json:"color"`

	// Fields to include in log output
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// NetworkConfig contains network-related configuration
type NetworkConfig struct {
	// Default bind address for services without their own
	Address string `yaml:"address" json:"address"`

	// Expect a PROXY protocol header on every connection
	ProxyProtocol bool `yaml:"proxy_protocol" json:"proxy_protocol"`

	// Connection limits
	Limits ConnectionLimits `yaml:"limits" json:"limits"`

	// Timeouts
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Services to bind
	Services []ServiceConfig `yaml:"services" json:"services"`
}

// ConnectionLimits contains connection limit settings
type ConnectionLimits struct {
	// Maximum concurrent connections
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// Frames a connection may send per second before it is dropped
	MaxPacketsPerSecond int `yaml:"max_packets_per_second" json:"max_packets_per_second"`

	// Connections one address may open per second before it is blocked
	MaxConnectsPerIP int `yaml:"max_connects_per_ip" json:"max_connects_per_ip"`

	// How long a blocked address is refused
	ConnectBlockTime time.Duration `yaml:"connect_block_time" json:"connect_block_time"`
}

// TimeoutConfig contains timeout settings
type TimeoutConfig struct {
	// Read timeout
	Read time.Duration `yaml:"read" json:"read"`

	// Write timeout
	Write time.Duration `yaml:"write" json:"write"`
}

// ServiceConfig binds a named service to a port
type ServiceConfig struct {
	// Service name (status, echo)
	Name string `yaml:"name" json:"name"`

	// Listening port
	Port int `yaml:"port" json:"port"`

	// Listening address, defaults to network.address
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}

// DispatcherConfig contains dispatcher settings
type DispatcherConfig struct {
	// Queued business tasks older than this are dropped. Zero disables expiry.
	TaskExpiry time.Duration `yaml:"task_expiry" json:"task_expiry"`
}

// SchedulerConfig contains scheduler settings
type SchedulerConfig struct {
	// Shortest accepted delay
	MinTick time.Duration `yaml:"min_tick" json:"min_tick"`
}

// OutputConfig contains output buffering settings
type OutputConfig struct {
	// How often buffered protocol output is flushed. Zero disables auto-send.
	AutoSendInterval time.Duration `yaml:"auto_send_interval" json:"auto_send_interval"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "abnet",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
			Debug:       true,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stdout",
			Color:  true,
		},
		Network: NetworkConfig{
			Address: "0.0.0.0",
			Limits: ConnectionLimits{
				MaxConnections:      1000,
				MaxPacketsPerSecond: 25,
				MaxConnectsPerIP:    5,
				ConnectBlockTime:    3 * time.Second,
			},
			Timeouts: TimeoutConfig{
				Read:  30 * time.Second,
				Write: 30 * time.Second,
			},
			Services: []ServiceConfig{
				{Name: "status", Port: 7171},
				{Name: "echo", Port: 7171},
			},
		},
		Dispatcher: DispatcherConfig{
			TaskExpiry: 0,
		},
		Scheduler: SchedulerConfig{
			MinTick: 10 * time.Millisecond,
		},
		Output: OutputConfig{
			AutoSendInterval: 10 * time.Millisecond,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}

	// Validate network config
	if c.Network.Limits.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.Network.Limits.MaxPacketsPerSecond < 0 || c.Network.Limits.MaxConnectsPerIP < 0 {
		return ErrInvalidRateLimit
	}
	if c.Network.Timeouts.Read < 0 || c.Network.Timeouts.Write < 0 || c.Network.Limits.ConnectBlockTime < 0 {
		return ErrInvalidTimeout
	}
	for _, svc := range c.Network.Services {
		if svc.Name == "" {
			return ErrInvalidServiceName
		}
		if svc.Port < 0 || svc.Port > 65535 {
			return ErrInvalidPort
		}
	}

	// Validate task config
	if c.Dispatcher.TaskExpiry < 0 || c.Scheduler.MinTick < 0 || c.Output.AutoSendInterval < 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// GetLogLevel returns the log level
func (c *Config) GetLogLevel() LogLevel {
	return c.Log.Level
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}

// ServiceAddress returns the bind address of svc
func (c *Config) ServiceAddress(svc ServiceConfig) string {
	if svc.Address != "" {
		return svc.Address
	}
	return c.Network.Address
}
