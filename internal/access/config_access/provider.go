// Package configaccess keeps an access.Guard in step with the api-keys list of
// the relay configuration.
package configaccess

import (
	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/config"
	log "github.com/sirupsen/logrus"
)

// Apply loads the client keys of cfg into g. Removing every key opens the
// relay endpoints, which is logged because it is rarely intended.
func Apply(g *access.Guard, cfg *config.SDKConfig) {
	if g == nil {
		return
	}
	var keys []string
	if cfg != nil {
		keys = cfg.APIKeys
	}
	wasEnabled := g.Enabled()
	n := g.SetKeys(keys)
	switch {
	case n == 0 && wasEnabled:
		log.Warn("access: api-keys removed, relay endpoints are open")
	case n == 0:
		log.Debug("access: no api-keys configured, relay endpoints are open")
	default:
		log.Debugf("access: %d client api key(s) configured", n)
	}
}
