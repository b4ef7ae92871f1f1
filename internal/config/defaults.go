package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL           = "http://localhost:8000/api"
	DefaultAPITimeout        = 30 * time.Second
	DefaultAPIMaxRetries     = 3
	DefaultRealtimePath      = "/ws/project-updates/"
	DefaultReconnectDelay    = 3 * time.Second
	DefaultMaxRetries        = 5
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultSuperviseInterval = time.Minute
	DefaultSessionEnv        = "MCM_ACCESS_TOKEN"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultBatchSize         = 100
	DefaultFlushInterval     = 1 * time.Second
	DefaultBufferSize        = 1000
	DefaultSubjectPrefix     = "mcm.events"
	DefaultClientName        = "mcm-listener"
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultAPIMaxRetries
	}

	// Realtime defaults
	if c.Realtime.Path == "" {
		c.Realtime.Path = DefaultRealtimePath
	}
	if c.Realtime.ReconnectDelay == 0 {
		c.Realtime.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Realtime.MaxRetries == 0 {
		c.Realtime.MaxRetries = DefaultMaxRetries
	}
	if c.Realtime.HandshakeTimeout == 0 {
		c.Realtime.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = DefaultPingInterval
	}
	if c.Realtime.SuperviseInterval == 0 {
		c.Realtime.SuperviseInterval = DefaultSuperviseInterval
	}

	if c.Session.Env == "" {
		c.Session.Env = DefaultSessionEnv
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Journal defaults
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}

	// Relay defaults
	if c.Relay.SubjectPrefix == "" {
		c.Relay.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Relay.ClientName == "" {
		c.Relay.ClientName = DefaultClientName
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
