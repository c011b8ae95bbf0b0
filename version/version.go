// Package version reports build information for tunsvc binaries.
//
// The variables are set at build time:
//
//	go build -ldflags "-X github.com/go-i2p/tunsvc/version.Version=1.0.0 \
//	  -X github.com/go-i2p/tunsvc/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "dev".
package version

import "runtime"

// Version is the release version.
var Version = "dev"

// GitCommit is the short commit hash the binary was built from.
var GitCommit = ""

// BuildTime is the UTC build timestamp.
var BuildTime = ""

// Full returns the version with commit and build time appended when known.
func Full() string {
	v := Version
	if GitCommit != "" {
		v += "-" + GitCommit
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

// Info is the build information printed by `tunsvcd -version`.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
