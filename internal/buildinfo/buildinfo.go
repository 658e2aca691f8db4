// Package buildinfo reports which fieldnode image is running. Release
// builds stamp the variables below with -ldflags; plain `go build`
// binaries fall back to the VCS metadata the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags "-X github.com/nugget/fieldnode/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// vcs returns the commit, commit time and dirty flag recorded by the Go
// toolchain, or empty strings when the binary carries none.
func vcs() (revision, buildTime string, modified bool) {
	bi, ok := readBuildInfo()
	if !ok {
		return "", "", false
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			buildTime = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	return revision, buildTime, modified
}

// commitAndTime resolves the commit and build time, preferring ldflags.
func commitAndTime() (commit, built string) {
	commit, built = GitCommit, BuildTime
	rev, t, modified := vcs()
	if commit == "unknown" && rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if modified {
			rev += "-dirty"
		}
		commit = rev
	}
	if built == "unknown" && t != "" {
		built = t
	}
	return commit, built
}

// Info returns build and runtime facts keyed for JSON output.
func Info() map[string]string {
	commit, built := commitAndTime()
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"git_branch": GitBranch,
		"build_time": built,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns how long the process has run, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	commit, built := commitAndTime()
	return fmt.Sprintf("fieldnode %s (%s@%s) built %s", Version, commit, GitBranch, built)
}
