// Package version holds build identification stamped in at link time.
package version

import "runtime"

// Populated via -ldflags "-X ..." by the release build; the zero values
// below are what a plain `go build` reports.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion reports the toolchain the binary was compiled with.
func GoVersion() string { return runtime.Version() }
