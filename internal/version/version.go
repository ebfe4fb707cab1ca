// Package version exposes build metadata injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

// Full returns the version string in the format
// "callscope/<release> (commit: <commit>)".
func Full() string {
	return fmt.Sprintf("callscope/%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s %s/%s", Full(), runtime.GOOS, runtime.GOARCH)
}
