package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/RealtimeRelay/internal/config"
)

func newTestWatcher(t *testing.T, configPath string, lookupEnv func(string) (string, bool), callback func(*config.Config)) *Watcher {
	t.Helper()
	w, err := NewWatcher(configPath, lookupEnv, callback)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReloadConfigIfChangedAppliesNewConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "port: 9000\n")

	var got []*config.Config
	w := newTestWatcher(t, path, nil, func(cfg *config.Config) { got = append(got, cfg) })

	if !w.reloadConfigIfChanged() {
		t.Fatalf("first reload should apply")
	}
	if len(got) != 1 || got[0].Port != 9000 {
		t.Fatalf("callback configs = %+v", got)
	}
	if w.Config() != got[0] {
		t.Fatalf("watcher config not updated")
	}

	if w.reloadConfigIfChanged() {
		t.Fatalf("unchanged content must not reload")
	}

	writeFile(t, path, "port: 9001\nrealtime:\n  max-pending-messages: 8\n")
	if !w.reloadConfigIfChanged() {
		t.Fatalf("changed content should reload")
	}
	if len(got) != 2 || got[1].Port != 9001 || got[1].Realtime.MaxPendingMessages != 8 {
		t.Fatalf("second reload = %+v", got[len(got)-1])
	}
}

func TestReloadConfigIfChangedKeepsPreviousOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "port: 9000\n")

	calls := 0
	w := newTestWatcher(t, path, nil, func(*config.Config) { calls++ })
	if !w.reloadConfigIfChanged() {
		t.Fatalf("initial reload should apply")
	}
	previous := w.Config()

	writeFile(t, path, "upstream:\n  url: ftp://example.com\n")
	if w.reloadConfigIfChanged() {
		t.Fatalf("invalid config must be rejected")
	}
	writeFile(t, path, "port: [\n")
	if w.reloadConfigIfChanged() {
		t.Fatalf("unparsable config must be rejected")
	}
	writeFile(t, path, "")
	if w.reloadConfigIfChanged() {
		t.Fatalf("empty file must be ignored")
	}

	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}
	if w.Config() != previous {
		t.Fatalf("previous config should stay in effect")
	}
}

func TestReloadConfigAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "upstream:\n  api-key: from-file\n")

	env := map[string]string{"RELAY_UPSTREAM_API_KEY": "from-env"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	var applied *config.Config
	w := newTestWatcher(t, path, lookup, func(cfg *config.Config) { applied = cfg })
	if !w.reloadConfigIfChanged() {
		t.Fatalf("reload should apply")
	}
	if applied == nil || applied.Upstream.APIKey != "from-env" {
		t.Fatalf("env override not applied: %+v", applied)
	}
}

func TestHandleEventFiltersOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "port: 9000\n")
	w := newTestWatcher(t, path, nil, nil)

	w.handleEvent(fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Chmod})
	w.configReloadMu.Lock()
	pending := w.configReloadTimer != nil
	w.configReloadMu.Unlock()
	if pending {
		t.Fatalf("unrelated events must not schedule a reload")
	}

	w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	w.configReloadMu.Lock()
	pending = w.configReloadTimer != nil
	w.configReloadMu.Unlock()
	if !pending {
		t.Fatalf("config write should schedule a reload")
	}
}

func TestConfigChangeDetailsHidesSecrets(t *testing.T) {
	oldCfg := &config.Config{Port: 1}
	newCfg := &config.Config{Port: 2}
	oldCfg.Upstream.APIKey = "sk-old-secret"
	newCfg.Upstream.APIKey = "sk-new-secret"

	details := strings.Join(configChangeDetails(oldCfg, newCfg), "\n")
	if !strings.Contains(details, "port: 1 -> 2") {
		t.Fatalf("port change missing: %q", details)
	}
	if !strings.Contains(details, "upstream.api-key: changed") {
		t.Fatalf("api key change missing: %q", details)
	}
	if strings.Contains(details, "secret") {
		t.Fatalf("details leaked a credential: %q", details)
	}
}
