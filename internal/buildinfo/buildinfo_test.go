package buildinfo

import "testing"

func TestBannerReportsInjectedValues(t *testing.T) {
	prevVersion, prevCommit, prevDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = prevVersion, prevCommit, prevDate })

	Version, Commit, BuildDate = "v1.2.0", "abc1234", "2026-10-19T00:00:00Z"
	want := "RealtimeRelay Version: v1.2.0, Commit: abc1234, BuiltAt: 2026-10-19T00:00:00Z"
	if got := Banner(); got != want {
		t.Fatalf("Banner() = %q, want %q", got, want)
	}
}
