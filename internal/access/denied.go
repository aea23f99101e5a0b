package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrMissingKey means the request carried no client key at all.
	ErrMissingKey = errors.New("missing api key")
	// ErrInvalidKey means every key on the request was unknown.
	ErrInvalidKey = errors.New("invalid api key")
)

// DeniedError describes a request the guard refused.
type DeniedError struct {
	Reason  error
	Method  string
	Path    string
	Upgrade bool
	Tried   []Source
}

func deny(r *http.Request, reason error, tried []Source) *DeniedError {
	e := &DeniedError{Reason: reason, Method: r.Method, Tried: tried}
	if r.URL != nil {
		e.Path = r.URL.Path
	}
	e.Upgrade = strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
	return e
}

func (e *DeniedError) Error() string {
	target := "request"
	if e.Upgrade {
		target = "websocket upgrade"
	}
	msg := fmt.Sprintf("access: %v for %s %s %s", e.Reason, target, e.Method, e.Path)
	if len(e.Tried) > 0 {
		sources := make([]string, len(e.Tried))
		for i, s := range e.Tried {
			sources[i] = string(s)
		}
		msg += " (tried " + strings.Join(sources, ", ") + ")"
	}
	return msg
}

func (e *DeniedError) Unwrap() error { return e.Reason }

// Code is the machine-readable reason sent to clients.
func (e *DeniedError) Code() string {
	if errors.Is(e.Reason, ErrInvalidKey) {
		return "invalid_api_key"
	}
	return "missing_api_key"
}

// Message is the client-facing text; it never echoes the offered key.
func (e *DeniedError) Message() string {
	if errors.Is(e.Reason, ErrInvalidKey) {
		return "Invalid API key"
	}
	return "Missing API key"
}
