package wsrelay

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/router-for-me/RealtimeRelay/internal/pending"
	"github.com/router-for-me/RealtimeRelay/internal/upstream"
)

const (
	// InfoUpstreamReady is sent once the buffered client messages were flushed upstream.
	InfoUpstreamReady = "upstream_ready"
	// InfoSessionClosing is sent when the server shuts the session down.
	InfoSessionClosing = "session_closing"
)

const (
	// CodeInvalidMessage reports an undecodable client frame.
	CodeInvalidMessage = "invalid_message"
	// CodeTranslationFailed reports a client envelope its translation rule rejected.
	CodeTranslationFailed = "translation_failed"
	// CodeUpstreamHandshakeFailed reports that the upstream connection could not be opened.
	CodeUpstreamHandshakeFailed = "upstream_handshake_failed"
	// CodeUpstreamClosed reports that the upstream service closed the connection.
	CodeUpstreamClosed = "upstream_closed"
	// CodeUpstreamError reports an upstream transport failure or fatal upstream error.
	CodeUpstreamError = "upstream_error"
	// CodePendingOverflow reports that too many messages arrived before upstream was ready.
	CodePendingOverflow = "pending_overflow"
	// CodeTooManyInvalidMessages reports that the undecodable message limit was reached.
	CodeTooManyInvalidMessages = "too_many_invalid_messages"
)

// Connection legs.
const (
	LegClient   = "client"
	LegUpstream = "upstream"
)

var (
	// ErrManagerStopped is the close cause for sessions torn down by Manager.Stop.
	ErrManagerStopped = errors.New("wsrelay: manager stopped")
	// ErrClosedByOperator is the close cause for sessions ended through the management API.
	ErrClosedByOperator = errors.New("wsrelay: closed by operator")
	// ErrTooManyInvalidMessages is the close cause once a client exceeds its invalid message budget.
	ErrTooManyInvalidMessages = errors.New("wsrelay: too many invalid messages")
	// ErrUpstreamFatal is the close cause for upstream error events listed as fatal.
	ErrUpstreamFatal = errors.New("wsrelay: fatal upstream error")

	errSessionClosed = errors.New("wsrelay: session closed")
)

// LegError attributes a transport failure to one side of the relay.
type LegError struct {
	Leg string
	Err error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("wsrelay: %s leg: %v", e.Leg, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// closeReason drives the client notice, the websocket close code, the log line
// and the metrics label for one teardown.
type closeReason struct {
	label  string
	code   int
	notice *envelope.Envelope
}

func classifyClose(cause error) closeReason {
	if cause == nil {
		return closeReason{label: "normal", code: websocket.CloseNormalClosure}
	}

	var hsErr *upstream.HandshakeError
	var legErr *LegError
	switch {
	case errors.Is(cause, ErrManagerStopped):
		return closeReason{label: "shutdown", code: websocket.CloseGoingAway,
			notice: infoNotice(InfoSessionClosing, "server is shutting down")}
	case errors.Is(cause, ErrClosedByOperator):
		return closeReason{label: "closed_by_operator", code: websocket.CloseNormalClosure,
			notice: infoNotice(InfoSessionClosing, "session closed by operator")}
	case errors.Is(cause, pending.ErrQueueFull):
		return closeReason{label: CodePendingOverflow, code: websocket.ClosePolicyViolation,
			notice: errorNotice(CodePendingOverflow, "too many messages before upstream was ready")}
	case errors.Is(cause, ErrTooManyInvalidMessages):
		return closeReason{label: CodeTooManyInvalidMessages, code: websocket.ClosePolicyViolation,
			notice: errorNotice(CodeTooManyInvalidMessages, cause.Error())}
	case errors.Is(cause, ErrUpstreamFatal):
		return closeReason{label: "upstream_fatal", code: websocket.CloseInternalServerErr,
			notice: errorNotice(CodeUpstreamError, cause.Error())}
	case errors.As(cause, &hsErr):
		message := "upstream handshake failed"
		if hsErr.StatusCode > 0 {
			message = fmt.Sprintf("upstream handshake failed with status %d", hsErr.StatusCode)
		}
		return closeReason{label: CodeUpstreamHandshakeFailed, code: websocket.CloseInternalServerErr,
			notice: errorNotice(CodeUpstreamHandshakeFailed, message)}
	case errors.As(cause, &legErr) && legErr.Leg == LegClient:
		if websocket.IsCloseError(legErr.Err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return closeReason{label: "client_closed", code: websocket.CloseNormalClosure}
		}
		return closeReason{label: "client_error", code: websocket.CloseNormalClosure}
	case errors.Is(cause, upstream.ErrClosed):
		return closeReason{label: CodeUpstreamClosed, code: websocket.CloseNormalClosure,
			notice: errorNotice(CodeUpstreamClosed, "upstream closed the connection")}
	case errors.Is(cause, errSessionClosed):
		return closeReason{label: "normal", code: websocket.CloseNormalClosure}
	default:
		return closeReason{label: "upstream_error", code: websocket.CloseInternalServerErr,
			notice: errorNotice(CodeUpstreamError, "upstream connection failed")}
	}
}

func errorNotice(code, message string) *envelope.Envelope {
	env := envelope.NewError(code, message, nil)
	return &env
}

func infoNotice(code, message string) *envelope.Envelope {
	env := envelope.NewInfo(code, message)
	return &env
}
