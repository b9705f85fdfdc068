// Package config provides Viper-based configuration loading for the NetForge server and client.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Mode is the server operation mode: "dedicated" or "integrated".
	Mode string `mapstructure:"mode"`
}

// ListenerConfig holds TCP listener settings.
type ListenerConfig struct {
	// Enabled controls whether the TCP accept loop runs.
	Enabled bool `mapstructure:"enabled"`
	// Host is the bind address for the TCP listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-frame read timeout; zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-frame write timeout; zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameSize is the largest frame accepted from a peer, in bytes.
	MaxFrameSize int `mapstructure:"max_frame_size"`
	// HandshakeTimeout bounds the wait for the login packet after accept.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	// SendQueue is the number of outbound messages buffered per player before
	// the connection is dropped as too slow. Zero means the server default.
	SendQueue int `mapstructure:"send_queue"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// WebSocketConfig holds WebSocket acceptor settings.
type WebSocketConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// Path is the HTTP path that upgrades to a WebSocket session.
	Path string `mapstructure:"path"`
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// GameConfig holds game service settings.
type GameConfig struct {
	// TickInterval is the period of the game service tick.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MapFile optionally points to a YAML map definition. When set it overrides
	// MapID and the spawn bounds.
	MapFile string `mapstructure:"map_file"`
	// MapID is sent to joining players in the EnterMap packet.
	MapID int32 `mapstructure:"map_id"`
	// SpawnMin is the inclusive lower bound of both spawn axes.
	SpawnMin int `mapstructure:"spawn_min"`
	// SpawnMax is the exclusive upper bound of both spawn axes.
	SpawnMax int `mapstructure:"spawn_max"`
	// EventBuffer is the capacity of the game service event queue.
	EventBuffer int `mapstructure:"event_buffer"`
}

// HealthConfig holds gRPC health endpoint settings.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Addr returns the "host:port" HTTP address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File is an optional path for a rotated log file written alongside stdout.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Listener  ListenerConfig  `mapstructure:"listener"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Game      GameConfig      `mapstructure:"game"`
	Health    HealthConfig    `mapstructure:"health"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateListener(c.Listener); err != nil {
		errs = append(errs, err.Error())
	}
	if c.WebSocket.Enabled {
		if err := validateWebSocket(c.WebSocket); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Health.Enabled {
		if err := validatePort("health.port", c.Health.Port); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Metrics.Enabled {
		if err := validateMetrics(c.Metrics); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validModes := map[string]bool{"dedicated": true, "integrated": true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [dedicated, integrated], got %q", s.Mode)
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", name, port)
	}
	return nil
}

func validateListener(l ListenerConfig) error {
	var errs []string
	if l.Enabled {
		if err := validatePort("listener.port", l.Port); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if l.ReadTimeout < 0 {
		errs = append(errs, "listener.read_timeout must not be negative")
	}
	if l.WriteTimeout < 0 {
		errs = append(errs, "listener.write_timeout must not be negative")
	}
	if l.HandshakeTimeout < 0 {
		errs = append(errs, "listener.handshake_timeout must not be negative")
	}
	if l.SendQueue < 0 {
		errs = append(errs, fmt.Sprintf("listener.send_queue must not be negative, got %d", l.SendQueue))
	}
	if l.MaxFrameSize < 16 {
		errs = append(errs, fmt.Sprintf("listener.max_frame_size must be >= 16, got %d", l.MaxFrameSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if err := validatePort("websocket.port", w.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.TickInterval <= 0 {
		errs = append(errs, "game.tick_interval must be positive")
	}
	if g.MapFile == "" {
		if g.MapID < 1 {
			errs = append(errs, fmt.Sprintf("game.map_id must be >= 1, got %d", g.MapID))
		}
		if g.SpawnMax <= g.SpawnMin {
			errs = append(errs, fmt.Sprintf("game.spawn_max (%d) must exceed game.spawn_min (%d)", g.SpawnMax, g.SpawnMin))
		}
	}
	if g.EventBuffer < 1 {
		errs = append(errs, fmt.Sprintf("game.event_buffer must be >= 1, got %d", g.EventBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMetrics(m MetricsConfig) error {
	if err := validatePort("metrics.port", m.Port); err != nil {
		return err
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", m.Path)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with NETFORGE_ prefix
	v.SetEnvPrefix("NETFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
// Binaries use it when no config file is given.
//
// Postcondition: Returns a Config that passes Validate.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadFromViper(v)
	if err != nil {
		panic("config: defaults do not validate: " + err.Error())
	}
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "dedicated")

	v.SetDefault("listener.enabled", true)
	v.SetDefault("listener.host", "127.0.0.1")
	v.SetDefault("listener.port", 3115)
	v.SetDefault("listener.read_timeout", "0s")
	v.SetDefault("listener.write_timeout", "10s")
	v.SetDefault("listener.max_frame_size", 1<<20)
	v.SetDefault("listener.handshake_timeout", "10s")
	v.SetDefault("listener.send_queue", 256)

	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.host", "127.0.0.1")
	v.SetDefault("websocket.port", 3116)
	v.SetDefault("websocket.path", "/ws")

	v.SetDefault("game.tick_interval", "1s")
	v.SetDefault("game.map_file", "")
	v.SetDefault("game.map_id", 1)
	v.SetDefault("game.spawn_min", 0)
	v.SetDefault("game.spawn_max", 200)
	v.SetDefault("game.event_buffer", 256)

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 3117)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9115)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}
