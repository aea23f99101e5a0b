package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/router-for-me/RealtimeRelay/internal/metrics"
	"github.com/router-for-me/RealtimeRelay/internal/pending"
	"github.com/router-for-me/RealtimeRelay/internal/translator"
	"github.com/router-for-me/RealtimeRelay/internal/upstream"
	log "github.com/sirupsen/logrus"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// State is the lifecycle state of a relay session.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SessionOptions is the per-session snapshot of relay settings. Sessions keep
// the snapshot they were created with across configuration reloads.
type SessionOptions struct {
	Upstream   upstream.Config
	Translator *translator.Translator

	MaxPendingMessages int
	MaxInvalidMessages int
	MaxMessageBytes    int64

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration

	// FatalErrorCodes lists upstream error.code / error.type values that end the session.
	FatalErrorCodes []string
}

// SessionInfo is a point-in-time view of a session for the management API.
type SessionInfo struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	UpstreamState    string    `json:"upstream_state"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	ClientMessages   int64     `json:"client_messages"`
	UpstreamMessages int64     `json:"upstream_messages"`
	InvalidMessages  int64     `json:"invalid_messages"`
}

// Session pairs one client websocket with one upstream session.
type Session struct {
	id         string
	remoteAddr string
	startedAt  time.Time
	conn       *websocket.Conn
	upstream   *upstream.Session
	opts       SessionOptions
	fatalCodes map[string]struct{}
	log        *log.Entry

	state atomic.Int32

	// mu orders client→upstream sends across the pending→live boundary.
	mu      sync.Mutex
	pending *pending.Queue

	writeMu sync.Mutex

	clientMessages   atomic.Int64
	upstreamMessages atomic.Int64
	invalidMessages  atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	cause     error
	onClosed  func(*Session, error)
	wg        sync.WaitGroup
}

func newSession(ctx context.Context, id string, conn *websocket.Conn, opts SessionOptions, logger *log.Entry, onClosed func(*Session, error)) *Session {
	if opts.Translator == nil {
		opts.Translator = translator.Default()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	fatalCodes := make(map[string]struct{}, len(opts.FatalErrorCodes))
	for _, code := range opts.FatalErrorCodes {
		if code = strings.TrimSpace(code); code != "" {
			fatalCodes[code] = struct{}{}
		}
	}
	s := &Session{
		id:         id,
		startedAt:  time.Now(),
		conn:       conn,
		opts:       opts,
		fatalCodes: fatalCodes,
		log:        logger.WithField("session", id),
		pending:    pending.New(opts.MaxPendingMessages),
		closed:     make(chan struct{}),
		onClosed:   onClosed,
	}
	if conn != nil {
		s.remoteAddr = conn.RemoteAddr().String()
	}
	s.state.Store(int32(StateConnecting))
	s.upstream = upstream.Open(ctx, id, opts.Upstream)
	metrics.ActiveSessions.Inc()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the close cause once the session is closed.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.cause
	default:
		return nil
	}
}

// Info returns a snapshot for the management API.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:               s.id,
		State:            s.State().String(),
		UpstreamState:    s.upstream.State().String(),
		RemoteAddr:       s.remoteAddr,
		StartedAt:        s.startedAt,
		ClientMessages:   s.clientMessages.Load(),
		UpstreamMessages: s.upstreamMessages.Load(),
		InvalidMessages:  s.invalidMessages.Load(),
	}
}

// Run relays until either leg ends or ctx is cancelled, then returns the close cause.
func (s *Session) Run(ctx context.Context) error {
	s.configureClient()
	s.wg.Add(3)
	go s.clientLoop()
	go s.upstreamLoop()
	go s.heartbeat()

	select {
	case <-ctx.Done():
		s.Close(ErrManagerStopped)
	case <-s.closed:
	}
	s.wg.Wait()
	return s.Err()
}

// Close tears down both legs. Only the first call has an effect; it must not
// be called while holding s.mu.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		reason := classifyClose(cause)

		if reason.notice != nil {
			if errNotice := s.writeClient(*reason.notice); errNotice != nil {
				s.log.Debugf("realtime relay: close notice not delivered: %v", errNotice)
			}
		}
		s.upstream.Close()
		s.closeClient(reason.code, reason.label)

		s.mu.Lock()
		dropped := s.pending.Drain()
		s.cause = cause
		s.state.Store(int32(StateClosed))
		s.mu.Unlock()

		if len(dropped) > 0 {
			metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionDropped).Add(float64(len(dropped)))
		}
		metrics.ActiveSessions.Dec()
		metrics.SessionsClosed.WithLabelValues(reason.label).Inc()

		lifetime := time.Since(s.startedAt).Round(time.Millisecond)
		if cause != nil && reason.label != "client_closed" {
			s.log.Infof("realtime relay: session closed reason=%s duration=%s dropped=%d error=%v", reason.label, lifetime, len(dropped), cause)
		} else {
			s.log.Infof("realtime relay: session closed reason=%s duration=%s", reason.label, lifetime)
		}
		if s.onClosed != nil {
			s.onClosed(s, cause)
		}
		close(s.closed)
	})
}

func (s *Session) configureClient() {
	if s.opts.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.opts.MaxMessageBytes)
	}
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
}

func (s *Session) extendReadDeadline() {
	if s.opts.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
}

func (s *Session) heartbeat() {
	defer s.wg.Done()
	if s.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			errPing := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.opts.WriteTimeout))
			s.writeMu.Unlock()
			if errPing != nil {
				s.Close(&LegError{Leg: LegClient, Err: errPing})
				return
			}
		}
	}
}

func (s *Session) clientLoop() {
	defer s.wg.Done()
	for {
		msgType, payload, errRead := s.conn.ReadMessage()
		if errRead != nil {
			s.Close(&LegError{Leg: LegClient, Err: errRead})
			return
		}
		s.extendReadDeadline()
		if errFatal := s.handleClientMessage(msgType, payload); errFatal != nil {
			s.Close(errFatal)
			return
		}
	}
}

// handleClientMessage returns a non-nil error only when the session must end.
func (s *Session) handleClientMessage(msgType int, payload []byte) error {
	if msgType != websocket.TextMessage {
		return s.rejectClientMessage(payload, &envelope.DecodeError{Reason: "binary frames are not supported"})
	}
	env, errDecode := envelope.Decode(payload)
	if errDecode != nil {
		return s.rejectClientMessage(payload, errDecode)
	}
	s.clientMessages.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateConnecting:
		if errAppend := s.pending.Append(env); errAppend != nil {
			metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionDropped).Inc()
			if errors.Is(errAppend, pending.ErrQueueFull) {
				return fmt.Errorf("wsrelay: buffer %d messages: %w", s.pending.Limit(), errAppend)
			}
			return nil
		}
		metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionQueued).Inc()
		s.log.Debugf("realtime relay: queued kind=%s pending=%d", env.Kind, s.pending.Len())
		return nil
	case StateRelaying:
		return s.forwardLocked(env)
	default:
		metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionDropped).Inc()
		return nil
	}
}

func (s *Session) rejectClientMessage(payload []byte, cause error) error {
	metrics.DecodeErrors.WithLabelValues(LegClient).Inc()
	count := s.invalidMessages.Add(1)
	s.log.Warnf("realtime relay: invalid client message count=%d error=%v payload=%s", count, cause, envelope.Preview(payload))

	if errWrite := s.writeClient(envelope.NewError(CodeInvalidMessage, cause.Error(), payload)); errWrite != nil {
		return &LegError{Leg: LegClient, Err: errWrite}
	}
	if limit := s.opts.MaxInvalidMessages; limit > 0 && count >= int64(limit) {
		return fmt.Errorf("%w: %d of %d", ErrTooManyInvalidMessages, count, limit)
	}
	return nil
}

// forwardLocked translates env and writes it upstream. The caller holds s.mu.
func (s *Session) forwardLocked(env envelope.Envelope) error {
	out, errTranslate := s.opts.Translator.Translate(env)
	if errTranslate != nil {
		metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionDropped).Inc()
		s.log.Warnf("realtime relay: translation failed kind=%s error=%v", env.Kind, errTranslate)
		if errWrite := s.writeClient(envelope.NewError(CodeTranslationFailed, errTranslate.Error(), env.Payload)); errWrite != nil {
			return &LegError{Leg: LegClient, Err: errWrite}
		}
		return nil
	}
	if errSend := s.upstream.Send(context.Background(), out); errSend != nil {
		metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionDropped).Inc()
		if errors.Is(errSend, upstream.ErrNotReady) {
			s.log.Warnf("realtime relay: upstream not ready, dropped kind=%s", out.Kind)
			return nil
		}
		return &LegError{Leg: LegUpstream, Err: errSend}
	}
	metrics.Messages.WithLabelValues(metrics.DirectionClientToUpstream, metrics.DispositionForwarded).Inc()
	return nil
}

// flush moves the session to relaying and replays the pending queue upstream.
func (s *Session) flush() error {
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateRelaying)) {
		s.mu.Unlock()
		return nil
	}
	items := s.pending.Drain()
	for _, env := range items {
		if errForward := s.forwardLocked(env); errForward != nil {
			s.mu.Unlock()
			return errForward
		}
	}
	s.mu.Unlock()

	metrics.PendingFlushSize.Observe(float64(len(items)))
	s.log.Infof("realtime relay: upstream ready flushed=%d", len(items))
	if errWrite := s.writeClient(envelope.NewInfo(InfoUpstreamReady, "upstream connection established")); errWrite != nil {
		return &LegError{Leg: LegClient, Err: errWrite}
	}
	return nil
}

func (s *Session) upstreamLoop() {
	defer s.wg.Done()
	ready := s.upstream.Ready()
	events := s.upstream.Events()
	for {
		select {
		case <-s.closed:
			return
		case <-ready:
			ready = nil
			if errFlush := s.flush(); errFlush != nil {
				s.Close(errFlush)
				return
			}
		case env, ok := <-events:
			if !ok {
				<-s.upstream.Done()
				s.Close(s.upstreamCause())
				return
			}
			if errForward := s.forwardUpstream(env); errForward != nil {
				s.Close(errForward)
				return
			}
		}
	}
}

func (s *Session) forwardUpstream(env envelope.Envelope) error {
	s.upstreamMessages.Add(1)
	var fatal error
	if envelope.IsErrorKind(env.Kind) {
		code := env.Get("error.code").String()
		errType := env.Get("error.type").String()
		s.log.Errorf("realtime relay: upstream error kind=%s code=%s type=%s payload=%s", env.Kind, code, errType, envelope.Preview(env.Payload))
		if s.isFatal(code) {
			fatal = fmt.Errorf("%w: %s", ErrUpstreamFatal, code)
		} else if s.isFatal(errType) {
			fatal = fmt.Errorf("%w: %s", ErrUpstreamFatal, errType)
		}
	}
	if errWrite := s.writeClient(env); errWrite != nil {
		metrics.Messages.WithLabelValues(metrics.DirectionUpstreamToClient, metrics.DispositionDropped).Inc()
		return &LegError{Leg: LegClient, Err: errWrite}
	}
	metrics.Messages.WithLabelValues(metrics.DirectionUpstreamToClient, metrics.DispositionForwarded).Inc()
	return fatal
}

func (s *Session) isFatal(code string) bool {
	if code == "" {
		return false
	}
	_, ok := s.fatalCodes[code]
	return ok
}

func (s *Session) upstreamCause() error {
	cause := s.upstream.Err()
	if cause == nil {
		return errSessionClosed
	}
	var hsErr *upstream.HandshakeError
	if errors.As(cause, &hsErr) {
		return cause
	}
	return &LegError{Leg: LegUpstream, Err: cause}
}

func (s *Session) writeClient(env envelope.Envelope) error {
	if s.State() == StateClosed {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if errDeadline := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); errDeadline != nil {
		return fmt.Errorf("set write deadline: %w", errDeadline)
	}
	if errWrite := s.conn.WriteMessage(websocket.TextMessage, envelope.Encode(env)); errWrite != nil {
		return fmt.Errorf("write message: %w", errWrite)
	}
	return nil
}

func (s *Session) closeClient(code int, text string) {
	// WriteControl is safe to call concurrently with a blocked writer.
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeGracePeriod))
	if errClose := s.conn.Close(); errClose != nil {
		s.log.Debugf("realtime relay: close client connection: %v", errClose)
	}
}
