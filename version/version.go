// Package version holds build-time version information for the minefleet
// binaries. The variables are overridden at link time by the build scripts.
package version

var (
	// Version is the release version of the binary.
	Version = "0.4.0-dev"
	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"
	// BuildTime is the RFC3339 timestamp of the build.
	BuildTime = "unknown"
)
