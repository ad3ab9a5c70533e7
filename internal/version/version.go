// Package version exposes build metadata, set with -ldflags at release time.
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "unknown"
)

// Info is the build block reported on /status
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"revision"`
	GoVersion string `json:"goVersion"`
}

// Current returns the running binary's build info
func Current() Info {
	return Info{Version: Version, Commit: Commit, GoVersion: runtime.Version()}
}
