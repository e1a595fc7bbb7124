// Package version holds the termlink version string.
package version

// Version is the current termlink version.
// Overridden at build time via -ldflags "-X .../internal/version.Version=x.y.z".
var Version = "dev"
