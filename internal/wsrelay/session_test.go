package wsrelay

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/router-for-me/RealtimeRelay/internal/translator"
	"github.com/router-for-me/RealtimeRelay/internal/upstream"
)

func TestEarlyMessageWaitsForUpstream(t *testing.T) {
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)

	sendRaw(t, client, `{"type":"user_message","content":"hello"}`)
	eventually(t, "message accepted", func() bool { return s.Info().ClientMessages == 1 })
	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}

	time.Sleep(50 * time.Millisecond)
	fake.open()

	msg := fake.next(t)
	if msg.at.UnixNano() < fake.readyAt.Load() {
		t.Fatalf("message delivered before upstream was ready")
	}
	if msg.env.Kind != "conversation.item.create" || msg.env.Get("item.content.0.text").String() != "hello" {
		t.Fatalf("message not translated: %s", msg.env.Payload)
	}
	fake.expectNothing(t, 100*time.Millisecond)

	info := readUntil(t, client, envelope.KindInfo)
	if info.Get("code").String() != InfoUpstreamReady {
		t.Fatalf("unexpected info: %s", info.Payload)
	}
	if s.State() != StateRelaying {
		t.Fatalf("state = %s, want relaying", s.State())
	}
}

func TestBufferedMessagesFlushInOrderThenLive(t *testing.T) {
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)

	for i := 1; i <= 3; i++ {
		sendRaw(t, client, fmt.Sprintf(`{"type":"user_message","content":"m%d"}`, i))
	}
	eventually(t, "three messages accepted", func() bool { return s.Info().ClientMessages == 3 })
	fake.open()

	for i := 1; i <= 3; i++ {
		msg := fake.next(t)
		if got, want := msg.env.Get("item.content.0.text").String(), fmt.Sprintf("m%d", i); got != want {
			t.Fatalf("flush position %d = %q, want %q", i, got, want)
		}
	}

	readUntil(t, client, envelope.KindInfo)
	sendRaw(t, client, `{"type":"user_message","content":"m4"}`)
	if got := fake.next(t).env.Get("item.content.0.text").String(); got != "m4" {
		t.Fatalf("live message = %q, want m4", got)
	}
	fake.expectNothing(t, 50*time.Millisecond)
	s.mu.Lock()
	retired := s.pending.Retired()
	s.mu.Unlock()
	if !retired {
		t.Fatalf("pending queue must be retired after the flush")
	}
}

func TestHandshakeFailureNotifiesClientOnce(t *testing.T) {
	fake := newRejectingUpstream(t, 401)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)

	env := readEnvelope(t, client)
	if env.Kind != envelope.KindError || env.Get("error.code").String() != CodeUpstreamHandshakeFailed {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	if !strings.Contains(env.Get("error.message").String(), "401") {
		t.Fatalf("status not reported: %s", env.Payload)
	}
	expectClose(t, client, websocket.CloseInternalServerErr)

	waitDone(t, s)
	h.expectUnregistered(t, s)
	if s.State() != StateClosed {
		t.Fatalf("state = %s, want closed", s.State())
	}
	if s.upstream.State() != upstream.StateClosed {
		t.Fatalf("upstream state = %s, want closed", s.upstream.State())
	}
}

func TestMalformedMessageKeepsSessionRelaying(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config(), MaxInvalidMessages: 5})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	sendRaw(t, client, `{"type":"user_message","content":`)
	env := readEnvelope(t, client)
	if env.Get("error.code").String() != CodeInvalidMessage {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	if !strings.Contains(env.Get("error.input").String(), `"content":`) {
		t.Fatalf("error does not reference the bad input: %s", env.Payload)
	}
	if s.State() != StateRelaying {
		t.Fatalf("state = %s, want relaying", s.State())
	}

	sendRaw(t, client, `{"type":"user_message","content":"still here"}`)
	if got := fake.next(t).env.Get("item.content.0.text").String(); got != "still here" {
		t.Fatalf("forwarded text = %q", got)
	}
}

func TestOrderingAcrossReadiness(t *testing.T) {
	const total = 200
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, _ := h.dial(t)

	go func() {
		for i := 0; i < total; i++ {
			if i == 20 {
				fake.open()
			}
			_ = client.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"user_message","content":"%d"}`, i)))
		}
	}()

	for i := 0; i < total; i++ {
		if got, want := fake.next(t).env.Get("item.content.0.text").String(), fmt.Sprint(i); got != want {
			t.Fatalf("upstream message %d = %q, want %q", i, got, want)
		}
	}
}

func TestUpstreamEventsForwardedVerbatim(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, _ := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	upstreamConn := fake.conn(t)
	for i := 0; i < 10; i++ {
		raw := fmt.Sprintf(`{"type":"response.text.delta","delta":"d%d"}`, i)
		if err := upstreamConn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("upstream write: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, client)
		if env.Kind != "response.text.delta" || env.Get("delta").String() != fmt.Sprintf("d%d", i) {
			t.Fatalf("event %d: %s", i, env.Payload)
		}
	}
}

func TestTranslationFailureIsRecoverable(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	sendRaw(t, client, `{"type":"user_message"}`)
	env := readEnvelope(t, client)
	if env.Get("error.code").String() != CodeTranslationFailed {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	fake.expectNothing(t, 50*time.Millisecond)

	sendRaw(t, client, `{"type":"response.create"}`)
	if got := fake.next(t).env.Kind; got != "response.create" {
		t.Fatalf("pass-through kind = %q", got)
	}
	if s.State() != StateRelaying {
		t.Fatalf("state = %s", s.State())
	}
}

func TestConfiguredTranslationRule(t *testing.T) {
	tr, err := translator.New([]config.TranslationRule{{ClientKind: "stop", UpstreamKind: "response.cancel"}})
	if err != nil {
		t.Fatalf("translator: %v", err)
	}
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config(), Translator: tr})
	client, _ := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	sendRaw(t, client, `{"type":"stop"}`)
	if got := fake.next(t).env.Kind; got != "response.cancel" {
		t.Fatalf("kind = %q, want response.cancel", got)
	}
}

func TestClientCloseTearsDownUpstream(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	_ = client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = client.Close()

	waitDone(t, s)
	h.expectUnregistered(t, s)
	select {
	case <-fake.closed:
	case <-time.After(testTimeout):
		t.Fatalf("upstream leg left open after client close")
	}
	if s.upstream.State() != upstream.StateClosed {
		t.Fatalf("upstream state = %s", s.upstream.State())
	}
}

func TestClientCloseWhileConnecting(t *testing.T) {
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)

	sendRaw(t, client, `{"type":"user_message","content":"never sent"}`)
	eventually(t, "message accepted", func() bool { return s.Info().ClientMessages == 1 })
	_ = client.Close()

	waitDone(t, s)
	if s.upstream.State() != upstream.StateClosed {
		t.Fatalf("upstream state = %s", s.upstream.State())
	}
	fake.open()
	fake.expectNothing(t, 100*time.Millisecond)
}

func TestUpstreamCloseTearsDownClient(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	upstreamConn := fake.conn(t)
	_ = upstreamConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second))

	env := readEnvelope(t, client)
	if env.Get("error.code").String() != CodeUpstreamClosed {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	expectClose(t, client, websocket.CloseNormalClosure)
	waitDone(t, s)
	h.expectUnregistered(t, s)
}

func TestFatalUpstreamErrorTearsDownBothLegs(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config(), FatalErrorCodes: []string{"session_expired"}})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	upstreamConn := fake.conn(t)
	_ = upstreamConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"type":"invalid_request_error","code":"rate_limited"}}`))
	if env := readEnvelope(t, client); env.Get("error.code").String() != "rate_limited" {
		t.Fatalf("non-fatal upstream error not forwarded: %s", env.Payload)
	}
	if s.State() != StateRelaying {
		t.Fatalf("non-fatal upstream error changed state to %s", s.State())
	}

	_ = upstreamConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"code":"session_expired"}}`))
	if env := readEnvelope(t, client); env.Get("error.code").String() != "session_expired" {
		t.Fatalf("upstream error not forwarded verbatim: %s", env.Payload)
	}
	if env := readEnvelope(t, client); env.Get("error.code").String() != CodeUpstreamError {
		t.Fatalf("unexpected close notice: %s", env.Payload)
	}
	expectClose(t, client, websocket.CloseInternalServerErr)
	waitDone(t, s)
	h.expectUnregistered(t, s)
	select {
	case <-fake.closed:
	case <-time.After(testTimeout):
		t.Fatalf("upstream leg left open after fatal error")
	}
}

func TestTooManyInvalidMessagesIsFatal(t *testing.T) {
	fake := newFakeUpstream(t, false)
	h := newHarness(t, SessionOptions{Upstream: fake.config(), MaxInvalidMessages: 2})
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	sendRaw(t, client, `nope`)
	if env := readEnvelope(t, client); env.Get("error.code").String() != CodeInvalidMessage {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if env := readEnvelope(t, client); env.Get("error.code").String() != CodeInvalidMessage {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	if env := readEnvelope(t, client); env.Get("error.code").String() != CodeTooManyInvalidMessages {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	expectClose(t, client, websocket.ClosePolicyViolation)
	waitDone(t, s)
	h.expectUnregistered(t, s)
	if s.upstream.State() != upstream.StateClosed {
		t.Fatalf("upstream state = %s", s.upstream.State())
	}
}

func TestPendingOverflowIsFatal(t *testing.T) {
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config(), MaxPendingMessages: 2})
	client, s := h.dial(t)

	for i := 0; i < 3; i++ {
		sendRaw(t, client, fmt.Sprintf(`{"type":"user_message","content":"m%d"}`, i))
	}
	env := readEnvelope(t, client)
	if env.Get("error.code").String() != CodePendingOverflow {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	expectClose(t, client, websocket.ClosePolicyViolation)
	waitDone(t, s)
	fake.open()
	fake.expectNothing(t, 100*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	fake := newFakeUpstream(t, false)
	var closedCalls atomic.Int32
	h := newHarnessWithHook(t, SessionOptions{Upstream: fake.config()}, func(*Session, error) { closedCalls.Add(1) })
	client, s := h.dial(t)
	readUntil(t, client, envelope.KindInfo)

	s.Close(nil)
	s.Close(ErrManagerStopped)
	waitDone(t, s)
	if n := closedCalls.Load(); n != 1 {
		t.Fatalf("onClosed called %d times", n)
	}
	h.expectUnregistered(t, s)
	if s.Err() != nil {
		t.Fatalf("first cause must win, got %v", s.Err())
	}
	expectClose(t, client, websocket.CloseNormalClosure)
}

func TestSendBeforeUpstreamReadyIsNotFatal(t *testing.T) {
	fake := newFakeUpstream(t, true)
	h := newHarness(t, SessionOptions{Upstream: fake.config()})
	client, s := h.dial(t)

	s.mu.Lock()
	err := s.forwardLocked(envelope.New("conversation.item.create", []byte(`{"item":{}}`)))
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("forward while upstream connecting = %v, want nil", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}

	fake.open()
	info := readUntil(t, client, envelope.KindInfo)
	if info.Get("code").String() != InfoUpstreamReady {
		t.Fatalf("unexpected info: %s", info.Payload)
	}
	if s.State() != StateRelaying {
		t.Fatalf("state = %s, want relaying", s.State())
	}
	fake.expectNothing(t, 100*time.Millisecond)
}

func TestMissingReadyEventFailsHandshake(t *testing.T) {
	fake := newFakeUpstream(t, false)
	cfg := fake.config()
	cfg.ReadyEvent = "session.created"
	cfg.HandshakeTimeout = 200 * time.Millisecond
	h := newHarness(t, SessionOptions{Upstream: cfg})
	client, s := h.dial(t)

	env := readEnvelope(t, client)
	if env.Kind != envelope.KindError || env.Get("error.code").String() != CodeUpstreamHandshakeFailed {
		t.Fatalf("unexpected envelope: %s", env.Payload)
	}
	expectClose(t, client, websocket.CloseInternalServerErr)
	waitDone(t, s)
	h.expectUnregistered(t, s)
	if !errors.Is(s.Err(), upstream.ErrReadyTimeout) {
		t.Fatalf("cause = %v, want ready timeout", s.Err())
	}
}
