// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

import "fmt"

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/Resinat/Lumen/internal/buildinfo.Version=8.0.1 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String formats the build identity for startup logs.
func String() string {
	return fmt.Sprintf("lumen %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
