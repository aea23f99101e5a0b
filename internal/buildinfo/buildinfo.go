// Package buildinfo holds the RealtimeRelay release metadata. cmd/server copies
// its ldflags-injected values here at startup so the health route and the
// startup banner report the same build.
package buildinfo

import "fmt"

var (
	// Version is the release tag, "dev" for local builds.
	Version   = "dev"
	// Commit is the git SHA the relay was built from.
	Commit    = "none"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)

// Banner is the one-line startup summary printed by the relay binary.
func Banner() string {
	return fmt.Sprintf("RealtimeRelay Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)
}
