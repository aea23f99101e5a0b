package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
)

func newAuthEngine(guard *access.Guard) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(func(c *gin.Context) {
		logging.SetGinRequestID(c, "req12345")
		c.Next()
	})
	engine.GET("/protected", AuthMiddleware(guard), func(c *gin.Context) {
		grant := access.GrantFromContext(c.Request.Context())
		if grant == nil {
			c.String(http.StatusOK, "")
			return
		}
		c.String(http.StatusOK, string(grant.Source)+":"+grant.MaskedKey())
	})
	return engine
}

type authErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func TestAuthMiddlewareRejectsMissingKey(t *testing.T) {
	engine := newAuthEngine(access.NewGuard([]string{"secret"}))

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected", nil))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
	var body authErrorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "missing_api_key" || body.RequestID != "req12345" {
		t.Fatalf("body = %s", recorder.Body.String())
	}
}

func TestAuthMiddlewareRejectsUnknownKey(t *testing.T) {
	engine := newAuthEngine(access.NewGuard([]string{"secret"}))

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected?key=guess", nil))

	var body authErrorBody
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if recorder.Code != http.StatusUnauthorized || body.Error.Code != "invalid_api_key" || body.Error.Message != "Invalid API key" {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
}

func TestAuthMiddlewareAttachesGrant(t *testing.T) {
	engine := newAuthEngine(access.NewGuard([]string{"secret-client-key"}))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer secret-client-key")
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK || recorder.Body.String() != "authorization:secr...-key" {
		t.Fatalf("status = %d body = %q", recorder.Code, recorder.Body.String())
	}
}

func TestAuthMiddlewareOpenWithoutKeys(t *testing.T) {
	engine := newAuthEngine(access.NewGuard(nil))

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if recorder.Code != http.StatusOK || recorder.Body.String() != "" {
		t.Fatalf("status = %d body = %q", recorder.Code, recorder.Body.String())
	}
}
