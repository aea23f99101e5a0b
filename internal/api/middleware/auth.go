// Package middleware provides HTTP middleware components for the relay's gin server.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	log "github.com/sirupsen/logrus"
)

// AuthMiddleware rejects requests the guard does not admit, before any
// websocket upgrade. Errors are returned as JSON carrying the request id so the
// failure can be found in the logs. An admitted grant is attached to the
// request context for the handlers behind it.
func AuthMiddleware(guard *access.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		grant, errCheck := guard.Check(c.Request)
		if errCheck != nil {
			var denied *access.DeniedError
			if !errors.As(errCheck, &denied) {
				log.Errorf("access: check failed: %v", errCheck)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      gin.H{"message": "authentication error", "code": "internal_error"},
					"request_id": logging.GetGinRequestID(c),
				})
				return
			}
			log.Debugf("%v", denied)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": denied.Message(),
					"code":    denied.Code(),
				},
				"request_id": logging.GetGinRequestID(c),
			})
			return
		}
		if grant != nil {
			c.Request = c.Request.WithContext(access.WithGrant(c.Request.Context(), grant))
		}
		c.Next()
	}
}
