// Build information of the binary, injected through ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/kvcache/pkg/utils.Version=v1.2.3" ./cmd/kvcached
// CAUTION: This file shouldn't be removed or else flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// devVersion is reported by binaries built without a version.
const devVersion = "v0.0.0-dev"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
	Hostname   string
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear.
	if Version == "" {
		Version = devVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if hostname, err := os.Hostname(); err == nil {
		Hostname = hostname
	} else {
		Hostname = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// BuildAttrs returns the build information as log attributes.
func BuildAttrs() []any {
	return []any{"version", Version, "commit", Commit, "build", BuildTime, "host", Hostname}
}
