// Package management serves the operator endpoints under /v0/management.
package management

import (
	"github.com/router-for-me/RealtimeRelay/internal/wsrelay"
)

// Handler exposes relay session introspection to operators.
type Handler struct {
	relay *wsrelay.Manager
}

// NewHandler builds a management handler over the relay manager.
func NewHandler(relay *wsrelay.Manager) *Handler {
	return &Handler{relay: relay}
}
