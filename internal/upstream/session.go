// Package upstream owns the outbound websocket leg of a relay session: it dials
// the upstream streaming service asynchronously, signals readiness, sends
// envelopes once ready and delivers every inbound envelope in arrival order.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/router-for-me/RealtimeRelay/internal/metrics"
	"github.com/router-for-me/RealtimeRelay/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = time.Second
)

var (
	// ErrNotReady is returned by Send while the handshake is still in flight.
	ErrNotReady = errors.New("upstream: session not ready")
	// ErrClosed reports a send on a finished session, and wraps remote closes.
	ErrClosed = errors.New("upstream: session closed")
	// ErrReadyTimeout is wrapped in a HandshakeError when the configured ready
	// event does not arrive within the handshake timeout.
	ErrReadyTimeout = errors.New("upstream: ready event not received")
)

// State is the lifecycle state of an upstream session.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// HandshakeError reports a failed upstream websocket handshake.
type HandshakeError struct {
	URL        string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream handshake rejected: url=%s status=%d body=%s", e.URL, e.StatusCode, envelope.Preview(e.Body))
	}
	return fmt.Sprintf("upstream handshake failed: url=%s error=%v", e.URL, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Config describes how to reach the upstream service.
type Config struct {
	URL        string
	Credential string
	Headers    http.Header
	ProxyURL   string

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration

	// ReadyEvent delays readiness until an inbound envelope of this kind arrives.
	ReadyEvent      string
	MaxMessageBytes int64
}

// Session is one outbound connection. All methods are safe for concurrent use.
type Session struct {
	id  string
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	connMu     sync.Mutex
	conn       *websocket.Conn
	connClosed bool

	writeMu sync.Mutex

	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	err      error

	events chan envelope.Envelope
}

// Open starts connecting in the background and returns immediately.
func Open(ctx context.Context, id string, cfg Config) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     id,
		cfg:    cfg,
		ctx:    sessionCtx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		events: make(chan envelope.Envelope),
	}
	go s.watchContext()
	go s.run()
	return s
}

// ID returns the owning relay session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Ready is closed once the session accepts sends. It is never closed when the
// session fails before becoming ready.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Events yields inbound envelopes in arrival order. It is closed after Done.
func (s *Session) Events() <-chan envelope.Envelope { return s.events }

// Err returns the termination cause, nil while running or after a local Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Send writes env upstream. Sending before readiness is a logged no-op that
// returns ErrNotReady; a write failure terminates the session.
func (s *Session) Send(ctx context.Context, env envelope.Envelope) error {
	switch s.State() {
	case StateConnecting:
		log.Warnf("upstream: send before ready ignored session=%s kind=%s", s.id, env.Kind)
		return ErrNotReady
	case StateClosed:
		return ErrClosed
	}
	if ctx != nil {
		if errCtx := ctx.Err(); errCtx != nil {
			return errCtx
		}
	}

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if errDeadline := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); errDeadline != nil {
		errWrite := fmt.Errorf("upstream: set write deadline: %w", errDeadline)
		s.finish(errWrite)
		return errWrite
	}
	if errWrite := conn.WriteMessage(websocket.TextMessage, envelope.Encode(env)); errWrite != nil {
		errWrite = fmt.Errorf("upstream: write: %w", errWrite)
		s.finish(errWrite)
		return errWrite
	}
	log.Debugf("upstream: sent session=%s kind=%s", s.id, env.Kind)
	return nil
}

// Close terminates the session. It is idempotent and cancels an in-flight dial.
func (s *Session) Close() {
	s.finish(nil)
}

func (s *Session) watchContext() {
	select {
	case <-s.ctx.Done():
		s.finish(s.ctx.Err())
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.events)

	startedAt := time.Now()
	conn, errDial := s.dial()
	if errDial != nil {
		metrics.UpstreamHandshake.WithLabelValues("error").Observe(time.Since(startedAt).Seconds())
		log.Errorf("upstream: connect failed session=%s error=%v", s.id, errDial)
		s.finish(errDial)
		return
	}
	metrics.UpstreamHandshake.WithLabelValues("ok").Observe(time.Since(startedAt).Seconds())

	s.connMu.Lock()
	if s.connClosed {
		s.connMu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connMu.Unlock()

	s.configureConn(conn)
	log.Infof("upstream: connected session=%s url=%s", s.id, util.MaskURL(s.cfg.URL))
	s.startHeartbeat(conn)

	if s.cfg.ReadyEvent == "" {
		s.markReady()
	} else {
		s.watchReadyEvent()
	}
	s.readLoop(conn)
}

// watchReadyEvent ends a session whose ready event is still missing once the
// handshake timeout has elapsed again after the socket opened.
func (s *Session) watchReadyEvent() {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	go func() {
		defer timer.Stop()
		select {
		case <-s.ready:
		case <-s.done:
		case <-timer.C:
			if s.State() != StateConnecting {
				return
			}
			log.Warnf("upstream: no %s event within %s session=%s", s.cfg.ReadyEvent, s.cfg.HandshakeTimeout, s.id)
			s.finish(&HandshakeError{
				URL: util.MaskURL(s.cfg.URL),
				Err: fmt.Errorf("%w: %s within %s", ErrReadyTimeout, s.cfg.ReadyEvent, s.cfg.HandshakeTimeout),
			})
		}
	}()
}

func (s *Session) dial() (*websocket.Conn, error) {
	wsURL, errURL := websocketURL(s.cfg.URL)
	if errURL != nil {
		return nil, &HandshakeError{URL: util.MaskURL(s.cfg.URL), Err: errURL}
	}

	headers := http.Header{}
	for key, values := range s.cfg.Headers {
		headers[key] = append([]string(nil), values...)
	}
	if s.cfg.Credential != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.Credential)
	}

	log.Debugf("upstream: dialing session=%s url=%s authorization=%s", s.id, util.MaskURL(wsURL), util.MaskAuthorizationHeader(headers.Get("Authorization")))
	dialer := newProxyAwareDialer(s.cfg.ProxyURL, s.cfg.HandshakeTimeout)
	conn, resp, errDial := dialer.DialContext(s.ctx, wsURL, headers)
	if errDial != nil {
		hsErr := &HandshakeError{URL: util.MaskURL(wsURL), Err: errDial}
		if resp != nil {
			hsErr.StatusCode = resp.StatusCode
			hsErr.Body = handshakeBody(resp)
		}
		return nil, hsErr
	}
	closeHTTPResponseBody(resp)
	conn.EnableWriteCompression(false)
	return conn, nil
}

func (s *Session) configureConn(conn *websocket.Conn) {
	if s.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	conn.SetPingHandler(func(appData string) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		if s.cfg.IdleTimeout > 0 {
			return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		return nil
	})
}

func (s *Session) startHeartbeat(conn *websocket.Conn) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.writeMu.Lock()
				errPing := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
				s.writeMu.Unlock()
				if errPing != nil {
					s.finish(fmt.Errorf("upstream: heartbeat: %w", errPing))
					return
				}
			}
		}
	}()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msgType, payload, errRead := conn.ReadMessage()
		if errRead != nil {
			s.finish(classifyReadError(errRead))
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		env, errDecode := envelope.Decode(payload)
		if errDecode != nil {
			metrics.DecodeErrors.WithLabelValues("upstream").Inc()
			log.Warnf("upstream: dropping undecodable message session=%s error=%v payload=%s", s.id, errDecode, envelope.Preview(payload))
			continue
		}
		if s.cfg.ReadyEvent != "" && env.Kind == s.cfg.ReadyEvent {
			s.markReady()
		}
		select {
		case s.events <- env:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) markReady() {
	if s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady)) {
		close(s.ready)
		log.Debugf("upstream: ready session=%s", s.id)
	}
}

func (s *Session) finish(cause error) {
	s.doneOnce.Do(func() {
		s.err = cause
		s.state.Store(int32(StateClosed))
		s.cancel()

		s.connMu.Lock()
		s.connClosed = true
		conn := s.conn
		s.conn = nil
		s.connMu.Unlock()

		if conn != nil {
			// WriteControl and Close may run concurrently with a blocked writer.
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGracePeriod))
			if errClose := conn.Close(); errClose != nil {
				log.Debugf("upstream: close connection error session=%s error=%v", s.id, errClose)
			}
			if cause != nil {
				log.Infof("upstream: disconnected session=%s error=%v", s.id, cause)
			} else {
				log.Infof("upstream: disconnected session=%s", s.id)
			}
		}
		close(s.done)
	})
}

func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return fmt.Errorf("upstream: read: %w", err)
}
