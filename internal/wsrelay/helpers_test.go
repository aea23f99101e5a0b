package wsrelay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/router-for-me/RealtimeRelay/internal/upstream"
)

const testTimeout = 5 * time.Second

type receivedMessage struct {
	env envelope.Envelope
	at  time.Time
}

// fakeUpstream is a websocket server standing in for the upstream service.
// A gated upstream holds the handshake until open is called.
type fakeUpstream struct {
	server   *httptest.Server
	status   int
	gate     chan struct{}
	gateOnce sync.Once
	readyAt  atomic.Int64

	conns      chan *websocket.Conn
	received   chan receivedMessage
	closed     chan struct{}
	closedOnce sync.Once
}

func newFakeUpstream(t *testing.T, gated bool) *fakeUpstream {
	return startFakeUpstream(t, gated, 0)
}

func newRejectingUpstream(t *testing.T, status int) *fakeUpstream {
	return startFakeUpstream(t, false, status)
}

func startFakeUpstream(t *testing.T, gated bool, status int) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		status:   status,
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan receivedMessage, 512),
		closed:   make(chan struct{}),
	}
	if gated {
		f.gate = make(chan struct{})
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
			return
		}
		if f.gate != nil {
			<-f.gate
		}
		f.readyAt.Store(time.Now().UnixNano())
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
			f.closedOnce.Do(func() { close(f.closed) })
		}()
		f.conns <- conn
		for {
			_, payload, errRead := conn.ReadMessage()
			if errRead != nil {
				return
			}
			env, errDecode := envelope.Decode(payload)
			if errDecode != nil {
				continue
			}
			f.received <- receivedMessage{env: env, at: time.Now()}
		}
	}))
	t.Cleanup(f.server.Close)
	t.Cleanup(f.open)
	return f
}

func (f *fakeUpstream) open() {
	if f.gate != nil {
		f.gateOnce.Do(func() { close(f.gate) })
	}
}

func (f *fakeUpstream) config() upstream.Config {
	return upstream.Config{URL: f.server.URL, Credential: "test-key"}
}

func (f *fakeUpstream) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(testTimeout):
		t.Fatalf("upstream never connected")
	}
	return nil
}

func (f *fakeUpstream) next(t *testing.T) receivedMessage {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("upstream received nothing")
	}
	return receivedMessage{}
}

func (f *fakeUpstream) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-f.received:
		t.Fatalf("unexpected upstream message: %s", msg.env.Payload)
	case <-time.After(wait):
	}
}

// harness serves relay sessions directly so tests can observe them. Sessions
// are registered the way the manager registers them.
type harness struct {
	server   *httptest.Server
	sessions chan *Session
	registry *Registry
}

func newHarness(t *testing.T, opts SessionOptions) *harness {
	t.Helper()
	return newHarnessWithHook(t, opts, nil)
}

// newHarnessWithHook runs onClosed after the registry removal of each session.
func newHarnessWithHook(t *testing.T, opts SessionOptions, onClosed func(*Session, error)) *harness {
	t.Helper()
	h := &harness{sessions: make(chan *Session, 4), registry: NewRegistry()}
	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newSession(context.Background(), uuid.NewString(), conn, opts, nil, func(s *Session, cause error) {
			h.registry.remove(s)
			if onClosed != nil {
				onClosed(s, cause)
			}
		})
		if errRegister := h.registry.Register(s); errRegister != nil {
			s.Close(errRegister)
			return
		}
		h.sessions <- s
		_ = s.Run(context.Background())
	}))
	t.Cleanup(h.server.Close)
	return h
}

// expectUnregistered asserts s left the registry before Done was closed.
func (h *harness) expectUnregistered(t *testing.T, s *Session) {
	t.Helper()
	if _, ok := h.registry.Get(s.ID()); ok {
		t.Fatalf("session %s still registered after close", s.ID())
	}
	if n := h.registry.Len(); n != 0 {
		t.Fatalf("registry holds %d sessions, want 0", n)
	}
}

func (h *harness) dial(t *testing.T) (*websocket.Conn, *Session) {
	t.Helper()
	conn := dialRelay(t, h.server.URL, "/")
	select {
	case s := <-h.sessions:
		return conn, s
	case <-time.After(testTimeout):
		t.Fatalf("relay session not created")
	}
	return nil, nil
}

func dialRelay(t *testing.T, serverURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial relay: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	env, err := envelope.Decode(payload)
	if err != nil {
		t.Fatalf("client received undecodable payload %q: %v", payload, err)
	}
	return env
}

// readUntil skips envelopes until one of kind arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) envelope.Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Kind == kind {
			return env
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected close %d, got message %s", code, payload)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != code {
		t.Fatalf("close code = %d, want %d", closeErr.Code, code)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatalf("session %s did not close (state %s)", s.ID(), s.State())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
