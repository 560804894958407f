// Package config loads client, dev server and logging settings from defaults,
// a YAML file, ALEXWATCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "flag"
)

// Defaults for a local dev server.
const (
	DefaultStreamURL         = "ws://localhost:8080/ws"
	DefaultAPIBaseURL        = "http://localhost:8080/api"
	DefaultReconnectInterval = 3 * time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeat         = 30 * time.Second
	DefaultQueueSize         = 64
	DefaultMaxFrameBytes     = 4 << 20
	DefaultAPITimeout        = 30 * time.Second
	DefaultAPIMaxTries       = 3
	DefaultDetailCacheSize   = 256
	DefaultRefreshAhead      = time.Minute
	DefaultMaxRefreshFailure = 3
	DefaultDevServerPort     = 8080
	DefaultTokenTTL          = 15 * time.Minute
	DefaultHistoryLimit      = 8
)

// Config is the full runtime configuration.
type Config struct {
	Stream     StreamConfig     `mapstructure:"stream"`
	API        APIConfig        `mapstructure:"api"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Breakpoint BreakpointConfig `mapstructure:"breakpoint"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	View       ViewConfig       `mapstructure:"view"`
	DevServer  DevServerConfig  `mapstructure:"devserver"`
}

// StreamConfig drives the websocket connection manager.
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
}

// APIConfig drives the REST collaborator client.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxTries  int           `mapstructure:"max_tries"`
	CacheSize int           `mapstructure:"cache_size"`
}

// AuthConfig names the credential. TokenFile wins over Token and is watched
// for rewrites.
type AuthConfig struct {
	Token        string        `mapstructure:"token"`
	TokenFile    string        `mapstructure:"token_file"`
	RefreshAhead time.Duration `mapstructure:"refresh_ahead"`
	MaxFailures  int           `mapstructure:"max_failures"`
}

// BreakpointConfig is the pause policy sent with new tasks.
type BreakpointConfig struct {
	Granularity    string `mapstructure:"granularity"`
	PauseOnFailure bool   `mapstructure:"pause_on_failure"`
}

// LogConfig selects the level and whether log lines are copied to stderr.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Stderr bool   `mapstructure:"stderr"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// ViewConfig tunes terminal rendering.
type ViewConfig struct {
	HistoryLimit int  `mapstructure:"history_limit"`
	ShowAll      bool `mapstructure:"show_all"`
	NoColor      bool `mapstructure:"no_color"`
}

// DevServerConfig configures the scripted development server.
type DevServerConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Script   string        `mapstructure:"script"`
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Debug    bool          `mapstructure:"debug"`
}

// Metadata records the provenance of each key.
type Metadata struct {
	sources  map[string]ValueSource
	file     string
	loadedAt time.Time
}

// Sources returns a copy of the provenance map.
func (m Metadata) Sources() map[string]ValueSource {
	out := make(map[string]ValueSource, len(m.sources))
	for key, value := range m.sources {
		out[key] = value
	}
	return out
}

// Source returns the origin for key, e.g. "stream.url".
func (m Metadata) Source(key string) ValueSource {
	if source, ok := m.sources[key]; ok {
		return source
	}
	return SourceDefault
}

// File is the config file that was read, if any.
func (m Metadata) File() string {
	return m.file
}

// LoadedAt is when Load ran.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}
