// Package build holds build information populated via ldflags.
package build

import "runtime"

var (
	ReleaseVersion = "UNKNOWN"
	GitCommit      = "UNKNOWN"
	BuildTime      = "UNKNOWN"
	GoVersion      = runtime.Version()
)
