package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is the project-updates endpoint on the API host.
const DefaultPath = "/ws/project-updates/"

// BuildURL derives the WebSocket URL from the HTTP API base URL: the scheme
// becomes ws/wss, a trailing /api segment is dropped, and the token is
// appended as the "token" query parameter.
func BuildURL(baseURL, path, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("parse base url: missing host in %q", baseURL)
	}

	if path == "" {
		path = DefaultPath
	}
	prefix := strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api")
	u.Path = prefix + "/" + strings.TrimLeft(path, "/")
	u.RawPath = ""

	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// redactURL strips the query so tokens never reach the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
