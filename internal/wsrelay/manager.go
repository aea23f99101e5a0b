package wsrelay

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/access"
	"github.com/router-for-me/RealtimeRelay/internal/logging"
	log "github.com/sirupsen/logrus"
)

const defaultPath = "/v1/realtime"

// Manager exposes the realtime websocket endpoint and owns every relay session
// it accepted.
type Manager struct {
	path     string
	upgrader websocket.Upgrader
	registry *Registry

	optsMu         sync.RWMutex
	opts           SessionOptions
	allowedOrigins map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures a Manager instance.
type Options struct {
	Path           string
	AllowedOrigins []string
	Session        SessionOptions
}

// NewManager builds a relay manager with the supplied options.
func NewManager(opts Options) *Manager {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		path:     path,
		registry: NewRegistry(),
		opts:     opts.Session,
		ctx:      ctx,
		cancel:   cancel,
	}
	mgr.allowedOrigins = originSet(opts.AllowedOrigins)
	mgr.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     mgr.checkOrigin,
	}
	return mgr
}

// Path returns the HTTP path the manager expects for websocket upgrades.
func (m *Manager) Path() string {
	if m == nil {
		return defaultPath
	}
	return m.path
}

// Registry exposes the live session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// UpdateOptions replaces the settings used for sessions accepted from now on.
// Live sessions keep the snapshot they started with.
func (m *Manager) UpdateOptions(opts SessionOptions, allowedOrigins []string) {
	m.optsMu.Lock()
	m.opts = opts
	m.allowedOrigins = originSet(allowedOrigins)
	m.optsMu.Unlock()
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []SessionInfo {
	sessions := m.registry.Snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Handler exposes an http.Handler that upgrades connections to relay sessions.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handleWebsocket)
}

// Stop closes all active sessions with a shutdown notice and waits for them
// to finish or for ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	sessions := m.registry.Snapshot()
	closed := m.registry.CloseAll(ErrManagerStopped)
	m.cancel()
	if closed > 0 {
		log.Infof("realtime relay: stopped %d session(s)", closed)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	expectedPath := m.Path()
	if expectedPath != "" && r.URL != nil && r.URL.Path != expectedPath {
		http.NotFound(w, r)
		return
	}
	if !strings.EqualFold(r.Method, http.MethodGet) {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	select {
	case <-m.ctx.Done():
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("realtime relay: upgrade failed: %v", err)
		return
	}

	m.optsMu.RLock()
	opts := m.opts
	m.optsMu.RUnlock()

	logger := log.NewEntry(log.StandardLogger())
	if requestID := logging.GetRequestID(r.Context()); requestID != "" {
		logger = logger.WithField("request_id", requestID)
	}
	if grant := access.GrantFromContext(r.Context()); grant != nil {
		logger = logger.WithField("client_key", grant.MaskedKey())
	}

	s := newSession(m.ctx, uuid.NewString(), conn, opts, logger, m.handleSessionClosed)
	if errRegister := m.registry.Register(s); errRegister != nil {
		s.Close(errRegister)
		return
	}
	s.log.Infof("realtime relay: session opened remote=%s", s.remoteAddr)

	_ = s.Run(m.ctx)
}

func (m *Manager) handleSessionClosed(s *Session, _ error) {
	m.registry.remove(s)
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	m.optsMu.RLock()
	allowed := m.allowedOrigins
	m.optsMu.RUnlock()
	if len(allowed) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
	return ok
}

func originSet(origins []string) map[string]struct{} {
	set := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		origin = strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return set
}
