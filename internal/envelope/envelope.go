// Package envelope implements the JSON event envelope exchanged on both legs of
// a relay session. An envelope is a JSON object carrying a "type" discriminator;
// everything else in the object is opaque to the relay.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// KindField is the JSON field holding the envelope discriminator.
const KindField = "type"

const (
	// KindUserMessage carries a short free-text submission from the client.
	KindUserMessage = "user_message"
	// KindUserAudio carries a base64 audio chunk from the client.
	KindUserAudio = "user_audio"
	// KindError reports a failure to the receiving side.
	KindError = "error"
	// KindInfo carries relay-level notifications.
	KindInfo = "info"
)

const previewMaxSize = 512

// ErrDecode is matched by every error returned from Decode.
var ErrDecode = errors.New("envelope: decode failed")

// DecodeError describes why a raw message could not be turned into an Envelope.
type DecodeError struct {
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Envelope is the unit of exchange. Payload holds the full JSON object,
// including the kind field.
type Envelope struct {
	Kind    string
	Payload []byte
}

// Decode parses raw bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Envelope{}, &DecodeError{Reason: "empty message", Raw: raw}
	}
	if !gjson.ValidBytes(trimmed) {
		return Envelope{}, &DecodeError{Reason: "malformed JSON", Raw: raw}
	}
	parsed := gjson.ParseBytes(trimmed)
	if !parsed.IsObject() {
		return Envelope{}, &DecodeError{Reason: "message must be a JSON object", Raw: raw}
	}
	kind := parsed.Get(KindField)
	if kind.Type != gjson.String || strings.TrimSpace(kind.String()) == "" {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("missing string field %q", KindField), Raw: raw}
	}
	return Envelope{Kind: kind.String(), Payload: bytes.Clone(trimmed)}, nil
}

// Encode serializes the envelope. The kind field of the output always matches Kind.
func Encode(env Envelope) []byte {
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		payload = []byte(`{}`)
	}
	if gjson.GetBytes(payload, KindField).String() == env.Kind && gjson.GetBytes(payload, KindField).Type == gjson.String {
		return bytes.Clone(payload)
	}
	out, err := sjson.SetBytes(bytes.Clone(payload), KindField, env.Kind)
	if err != nil {
		// Only reachable for payloads sjson cannot address; fall back to the bare kind.
		out, _ = sjson.SetBytes([]byte(`{}`), KindField, env.Kind)
	}
	return out
}

// New builds an envelope of the given kind from a JSON object body. The body's
// own kind field, if any, is overwritten.
func New(kind string, body []byte) Envelope {
	env := Envelope{Kind: kind, Payload: body}
	env.Payload = Encode(env)
	return env
}

// Get looks up a gjson path inside the payload.
func (e Envelope) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// NewError builds a relay-local error envelope. input, when non-empty, is
// echoed back as a truncated preview so the sender can correlate the failure.
func NewError(code, message string, input []byte) Envelope {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "error.code", code)
	body, _ = sjson.SetBytes(body, "error.message", message)
	if len(bytes.TrimSpace(input)) > 0 {
		body, _ = sjson.SetBytes(body, "error.input", Preview(input))
	}
	return New(KindError, body)
}

// NewInfo builds a relay-local info envelope.
func NewInfo(code, message string) Envelope {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "code", code)
	body, _ = sjson.SetBytes(body, "message", message)
	return New(KindInfo, body)
}

// IsErrorKind reports whether kind names an error-class event.
func IsErrorKind(kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	return kind == KindError || strings.HasSuffix(kind, ".error") || strings.HasSuffix(kind, "_error")
}

// Preview renders a payload on one line, truncated, for logs and error echoes.
func Preview(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return "<empty>"
	}
	preview := trimmed
	if len(preview) > previewMaxSize {
		preview = preview[:previewMaxSize]
	}
	text := strings.ReplaceAll(string(preview), "\n", "\\n")
	text = strings.ReplaceAll(text, "\r", "\\r")
	if len(trimmed) > previewMaxSize {
		return fmt.Sprintf("%s...(truncated,total=%d)", text, len(trimmed))
	}
	return text
}
