package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("api.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("api.base_url must include a host")
	}
	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if !strings.HasPrefix(c.Realtime.Path, "/") {
		return fmt.Errorf("realtime.path must start with /, got %q", c.Realtime.Path)
	}
	if c.Realtime.ReconnectDelay < 0 {
		return errors.New("realtime.reconnect_delay must be >= 0")
	}
	if c.Realtime.MaxRetries < 0 {
		return errors.New("realtime.max_retries must be >= 0")
	}

	if c.Session.File == "" && c.Session.Env == "" {
		return errors.New("session.file or session.env is required")
	}

	if c.Project.ID != nil && *c.Project.ID < 1 {
		return fmt.Errorf("project.id must be >= 1, got %d", *c.Project.ID)
	}

	if c.Journal.Enabled {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < c.Journal.BatchSize {
			return fmt.Errorf("journal.buffer_size (%d) must be >= batch_size (%d)", c.Journal.BufferSize, c.Journal.BatchSize)
		}
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return errors.New("relay.url is required when relay is enabled")
		}
		if strings.ContainsAny(c.Relay.SubjectPrefix, " *>") {
			return fmt.Errorf("relay.subject_prefix contains invalid characters: %q", c.Relay.SubjectPrefix)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
