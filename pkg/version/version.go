// Package version exposes the build version stamped in at link time.
package version

// Version is overridden via -ldflags at release builds.
var Version = "3.0.0-dev"

// GetVersion returns the stamped version string.
func GetVersion() string {
	return Version
}
