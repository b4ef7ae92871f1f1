// Package session supplies the bearer token for the realtime channel and
// the REST API.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
)

// Keys looked up in a session file, in order.
const (
	KeyAccess = "access"
	KeyToken  = "token"
)

// Store reads the token from an environment variable or a JSON session
// file. The file is read on every call so a token refreshed by another
// process is picked up on the next connect.
type Store struct {
	path   string
	env    string
	logger *slog.Logger
}

// NewStore creates a Store. Either path or env may be empty.
func NewStore(path, env string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, env: env, logger: logger}
}

// Token returns the session token. A missing token is not an error.
func (s *Store) Token() (string, bool) {
	if s.env != "" {
		if v := strings.TrimSpace(os.Getenv(s.env)); v != "" {
			return v, true
		}
	}
	if s.path == "" {
		return "", false
	}

	values, err := ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("session file unreadable", "path", s.path, "error", err)
		}
		return "", false
	}
	return Lookup(values)
}

// ReadFile parses a session file: a flat JSON object of string values.
// Non-string values are ignored.
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			values[k] = s
		}
	}
	return values, nil
}

// Lookup returns "access", falling back to "token". Empty values count as
// absent.
func Lookup(values map[string]string) (string, bool) {
	for _, key := range []string{KeyAccess, KeyToken} {
		if v := strings.TrimSpace(values[key]); v != "" {
			return v, true
		}
	}
	return "", false
}

// Static is a fixed token. The empty Static has no token.
type Static string

func (s Static) Token() (string, bool) {
	return string(s), s != ""
}
