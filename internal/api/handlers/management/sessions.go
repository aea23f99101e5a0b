package management

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	"github.com/router-for-me/RealtimeRelay/internal/wsrelay"
	log "github.com/sirupsen/logrus"
)

// ListSessions returns a snapshot of every live relay session.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions := []wsrelay.SessionInfo{}
	if h != nil && h.relay != nil {
		sessions = h.relay.Sessions()
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession returns one live session by id.
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// CloseSession ends one live session. The client receives a session_closing notice.
func (h *Handler) CloseSession(c *gin.Context) {
	s, ok := h.lookup(c)
	if !ok {
		return
	}
	s.Close(wsrelay.ErrClosedByOperator)
	if grant := access.GrantFromContext(c.Request.Context()); grant != nil {
		log.Infof("management: session %s closed by operator key=%s", s.ID(), grant.MaskedKey())
	} else {
		log.Infof("management: session %s closed by operator", s.ID())
	}
	c.JSON(http.StatusOK, gin.H{"id": s.ID(), "status": "closed"})
}

func (h *Handler) lookup(c *gin.Context) (*wsrelay.Session, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if h == nil || h.relay == nil || id == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "request_id": logging.GetGinRequestID(c)})
		return nil, false
	}
	s, ok := h.relay.Registry().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "request_id": logging.GetGinRequestID(c)})
		return nil, false
	}
	return s, true
}
