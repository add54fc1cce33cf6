// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/tkjaer/mtrng/internal/version.Version=v0.3.0"
package version

// Version information set via ldflags during build
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// FullVersion returns a formatted version string
func FullVersion() string {
	if Version == "dev" {
		return "mtrng development build"
	}
	return "mtrng " + Version + " (commit: " + GitCommit + ", built: " + BuildDate + ")"
}
