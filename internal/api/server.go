// Package api provides the HTTP server of the realtime relay. It mounts the
// websocket relay endpoint, health and metrics routes, and the management API
// on a gin engine with logrus request logging.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/RealtimeRelay/internal/access"
	configaccess "github.com/router-for-me/RealtimeRelay/internal/access/config_access"
	"github.com/router-for-me/RealtimeRelay/internal/api/handlers/management"
	"github.com/router-for-me/RealtimeRelay/internal/api/middleware"
	"github.com/router-for-me/RealtimeRelay/internal/buildinfo"
	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	"github.com/router-for-me/RealtimeRelay/internal/metrics"
	"github.com/router-for-me/RealtimeRelay/internal/wsrelay"
	log "github.com/sirupsen/logrus"
)

const managementPrefix = "/v0/management"

type serverOptionConfig struct {
	readHeaderTimeout   time.Duration
	shutdownGracePeriod time.Duration
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithShutdownGracePeriod bounds how long Stop waits for relay sessions to close.
func WithShutdownGracePeriod(d time.Duration) ServerOption {
	return func(cfg *serverOptionConfig) {
		if d > 0 {
			cfg.shutdownGracePeriod = d
		}
	}
}

// Server is the relay HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server

	relay      *wsrelay.Manager
	guard      *access.Guard
	management *management.Handler

	cfgMu sync.RWMutex
	cfg   *config.Config

	startedAt   time.Time
	gracePeriod time.Duration
}

// NewServer builds the gin engine and routes for cfg. The relay manager must be
// built from the same configuration; NewServer does not start listening. The
// guard, created when nil, is loaded with the configured client keys.
func NewServer(cfg *config.Config, relay *wsrelay.Manager, guard *access.Guard, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{
		readHeaderTimeout:   10 * time.Second,
		shutdownGracePeriod: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(optionState)
	}
	if guard == nil {
		guard = access.NewGuard(nil)
	}
	configaccess.Apply(guard, &cfg.SDKConfig)

	if !cfg.Debug && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(relay.Path(), managementPrefix))
	engine.Use(logging.GinLogrusRecovery())

	s := &Server{
		engine:      engine,
		relay:       relay,
		guard:       guard,
		management:  management.NewHandler(relay),
		cfg:         cfg,
		startedAt:   time.Now(),
		gracePeriod: optionState.shutdownGracePeriod,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: optionState.readHeaderTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	auth := middleware.AuthMiddleware(s.guard)

	s.engine.GET("/", s.root)
	s.engine.GET("/healthz", s.healthz)
	s.engine.GET("/metrics", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		metrics.Handler().ServeHTTP(c.Writer, c.Request)
	})

	relayHandler := gin.WrapH(s.relay.Handler())
	s.engine.GET(s.relay.Path(), auth, relayHandler)

	mgmt := s.engine.Group(managementPrefix, auth)
	{
		mgmt.GET("/sessions", s.management.ListSessions)
		mgmt.GET("/sessions/:id", s.management.GetSession)
		mgmt.DELETE("/sessions/:id", s.management.CloseSession)
	}
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Realtime Relay Server",
		"version": buildinfo.Version,
		"endpoints": []string{
			"GET " + s.relay.Path() + " (websocket)",
			"GET /healthz",
			"GET /metrics",
			"GET " + managementPrefix + "/sessions",
		},
	})
}

func (s *Server) healthz(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"version":         buildinfo.Version,
		"commit":          buildinfo.Commit,
		"build_date":      buildinfo.BuildDate,
		"active_sessions": s.relay.Registry().Len(),
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
	})
}

// Handler returns the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Stop.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return errors.New("api: server not initialized")
	}
	log.Infof("realtime relay listening on %s (websocket path %s)", s.server.Addr, s.relay.Path())
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("api: serve %s: %w", s.server.Addr, errServe)
	}
	return nil
}

// Stop closes every relay session with a shutdown notice, then shuts the HTTP
// listener down. Hijacked websocket connections are not tracked by
// http.Server, so the relay is stopped first.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, s.gracePeriod)
	defer cancel()

	var errs []error
	if errRelay := s.relay.Stop(stopCtx); errRelay != nil {
		errs = append(errs, fmt.Errorf("api: stop relay: %w", errRelay))
	}
	if errShutdown := s.server.Shutdown(stopCtx); errShutdown != nil {
		errs = append(errs, fmt.Errorf("api: shutdown http server: %w", errShutdown))
	}
	log.Info("realtime relay http server stopped")
	return errors.Join(errs...)
}

// UpdateConfig applies a reloaded configuration. Client API keys, upstream
// settings and translation rules take effect for new sessions; listener and
// path changes need a restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}
	opts, errOpts := wsrelay.OptionsFromConfig(cfg)
	if errOpts != nil {
		log.Errorf("api: config update rejected, keeping previous relay settings: %v", errOpts)
		return
	}

	s.cfgMu.Lock()
	oldCfg := s.cfg
	s.cfg = cfg
	s.cfgMu.Unlock()

	configaccess.Apply(s.guard, &cfg.SDKConfig)
	s.relay.UpdateOptions(opts.Session, opts.AllowedOrigins)

	if oldCfg != nil {
		if oldCfg.Addr() != cfg.Addr() {
			log.Warnf("api: listen address changed from %s to %s, restart to apply", oldCfg.Addr(), cfg.Addr())
		}
		if opts.Path != s.relay.Path() {
			log.Warnf("api: realtime path changed from %s to %s, restart to apply", s.relay.Path(), opts.Path)
		}
	}
	log.Debug("api: relay settings updated for new sessions")
}
