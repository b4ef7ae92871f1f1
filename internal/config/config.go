package config

import (
	"log/slog"
	"time"
)

// Config is the root configuration for a realtime listener.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Session  SessionConfig  `yaml:"session"`
	Project  ProjectConfig  `yaml:"project"`
	Database DBConfig       `yaml:"database"`
	Journal  JournalConfig  `yaml:"journal"`
	Relay    RelayConfig    `yaml:"relay"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// APIConfig holds MyCrewManager REST API settings. The WebSocket URL is
// derived from BaseURL.
type APIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// RealtimeConfig holds project-updates channel settings.
type RealtimeConfig struct {
	Path             string        `yaml:"path"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`

	// SuperviseInterval is how often a disconnected channel is re-armed.
	// Negative disables the supervisor.
	SuperviseInterval time.Duration `yaml:"supervise_interval"`
}

// SessionConfig says where the bearer token comes from. Env wins over File.
type SessionConfig struct {
	File string `yaml:"file"` // JSON session file with "access" or "token"
	Env  string `yaml:"env"`  // Environment variable holding the token
}

// ProjectConfig scopes the listener to one project. Nil ID means all.
type ProjectConfig struct {
	ID *int64 `yaml:"id"`
}

// DBConfig holds the journal database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// JournalConfig holds event journal batch settings.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// RelayConfig holds NATS relay settings.
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientName    string `yaml:"client_name"`
}

// MetricsConfig holds the health and Prometheus endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel maps Level onto a slog level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
