// config_reload.go implements debounced configuration hot reload.
// It skips writes that leave the file content unchanged and rejects invalid configs.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

// reloadConfigIfChanged reports whether a new configuration was applied.
func (w *Watcher) reloadConfigIfChanged() bool {
	newHash, errHash := fileHash(w.configPath)
	if errHash != nil {
		log.Errorf("failed to read config file for hash check: %v", errHash)
		return false
	}
	if newHash == "" {
		log.Debugf("ignoring empty config file write event")
		return false
	}

	w.configMu.RLock()
	currentHash := w.lastConfigHash
	w.configMu.RUnlock()
	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return false
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	if !w.reloadConfig() {
		return false
	}
	w.configMu.Lock()
	w.lastConfigHash = newHash
	w.configMu.Unlock()
	return true
}

func (w *Watcher) reloadConfig() bool {
	newConfig, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return false
	}
	if w.lookupEnv != nil {
		newConfig.ApplyEnvOverrides(w.lookupEnv)
	}
	if errValidate := newConfig.Validate(); errValidate != nil {
		log.Errorf("reloaded config is invalid, keeping the previous one: %v", errValidate)
		return false
	}

	w.configMu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.configMu.Unlock()

	util.SetLogLevel(newConfig)
	if oldConfig != nil {
		details := configChangeDetails(oldConfig, newConfig)
		if len(details) > 0 {
			log.Debugf("config changes detected:")
			for _, d := range details {
				log.Debugf("  %s", d)
			}
		} else {
			log.Debugf("no material config field changes detected")
		}
	}

	log.Infof("config successfully reloaded, new sessions use the updated settings")
	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	return true
}

// configChangeDetails lists the settings that differ, without credential values.
func configChangeDetails(oldCfg, newCfg *config.Config) []string {
	var details []string
	add := func(name string, before, after any) {
		if !reflect.DeepEqual(before, after) {
			details = append(details, fmt.Sprintf("%s: %v -> %v", name, before, after))
		}
	}
	add("debug", oldCfg.Debug, newCfg.Debug)
	add("port", oldCfg.Port, newCfg.Port)
	add("proxy-url", util.MaskURL(oldCfg.ProxyURL), util.MaskURL(newCfg.ProxyURL))
	add("realtime.path", oldCfg.Realtime.Path, newCfg.Realtime.Path)
	add("realtime.max-pending-messages", oldCfg.Realtime.MaxPendingMessages, newCfg.Realtime.MaxPendingMessages)
	add("realtime.max-invalid-messages", oldCfg.Realtime.MaxInvalidMessages, newCfg.Realtime.MaxInvalidMessages)
	add("realtime.heartbeat-seconds", oldCfg.Realtime.HeartbeatSeconds, newCfg.Realtime.HeartbeatSeconds)
	add("realtime.allowed-origins", oldCfg.Realtime.AllowedOrigins, newCfg.Realtime.AllowedOrigins)
	add("upstream.url", util.MaskURL(oldCfg.Upstream.URL), util.MaskURL(newCfg.Upstream.URL))
	add("upstream.ready-event", oldCfg.Upstream.ReadyEvent, newCfg.Upstream.ReadyEvent)
	add("upstream.fatal-error-codes", oldCfg.Upstream.FatalErrorCodes, newCfg.Upstream.FatalErrorCodes)
	add("translations", len(oldCfg.Translations), len(newCfg.Translations))
	if len(oldCfg.APIKeys) != len(newCfg.APIKeys) {
		details = append(details, fmt.Sprintf("api-keys: %d -> %d", len(oldCfg.APIKeys), len(newCfg.APIKeys)))
	}
	if oldCfg.Upstream.APIKey != newCfg.Upstream.APIKey {
		details = append(details, "upstream.api-key: changed")
	}
	if !reflect.DeepEqual(oldCfg.Translations, newCfg.Translations) && len(oldCfg.Translations) == len(newCfg.Translations) {
		details = append(details, "translations: rules changed")
	}
	return details
}

func fileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
