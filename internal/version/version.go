// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/mycrewmanager/realtime/internal/version.Version=1.0.0 \
//	                   -X github.com/mycrewmanager/realtime/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Without ldflags, Commit falls back to the VCS revision the toolchain
// embeds in the binary.
package version

import (
	"runtime"
	"runtime/debug"
)

// Product is the name used in the User-Agent header.
const Product = "mcm-realtime"

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

func init() {
	if Commit != "unknown" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 7 {
				Commit = s.Value[:7]
			} else if s.Value != "" {
				Commit = s.Value
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		}
	}
}

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent returns the User-Agent sent on the channel handshake and REST
// requests, e.g. "mcm-realtime/1.0.0 (abc1234; go1.24.7)".
func UserAgent() string {
	return Product + "/" + Version + " (" + Commit + "; " + runtime.Version() + ")"
}
