// Package access guards the relay's HTTP routes with the client API keys from
// the configuration. A Guard without keys admits every request, leaving
// identity to whatever fronts the relay.
package access

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/router-for-me/RealtimeRelay/internal/util"
)

// Source names where on the request a client key was found.
type Source string

const (
	SourceAuthorization Source = "authorization"
	SourceAPIKeyHeader  Source = "x-api-key"
	SourceQueryKey      Source = "query-key"
	SourceQueryToken    Source = "query-auth-token"
)

// Grant identifies an admitted client.
type Grant struct {
	Key    string
	Source Source
}

// MaskedKey returns the key in a form safe for logs.
func (g *Grant) MaskedKey() string {
	if g == nil {
		return ""
	}
	return util.HideAPIKey(g.Key)
}

type grantKey struct{}

// WithGrant attaches g to ctx so handlers behind the guard can attribute work.
func WithGrant(ctx context.Context, g *Grant) context.Context {
	return context.WithValue(ctx, grantKey{}, g)
}

// GrantFromContext returns the grant stored by WithGrant, or nil.
func GrantFromContext(ctx context.Context) *Grant {
	if ctx == nil {
		return nil
	}
	g, _ := ctx.Value(grantKey{}).(*Grant)
	return g
}

// Guard checks requests against a key set that can be swapped at runtime.
type Guard struct {
	keys atomic.Pointer[map[string]struct{}]
}

// NewGuard returns a guard admitting keys. Blank keys are ignored.
func NewGuard(keys []string) *Guard {
	g := &Guard{}
	g.SetKeys(keys)
	return g
}

// SetKeys replaces the accepted keys and returns how many remain after
// trimming. Requests already admitted are not affected.
func (g *Guard) SetKeys(keys []string) int {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	g.keys.Store(&set)
	return len(set)
}

// Enabled reports whether any key is configured.
func (g *Guard) Enabled() bool {
	if g == nil {
		return false
	}
	keys := g.keys.Load()
	return keys != nil && len(*keys) > 0
}

// Check admits r when it carries a configured key in the Authorization bearer,
// X-Api-Key, or the key/auth_token query parameters. Browsers cannot set
// headers on websocket handshakes, so the realtime route relies on the query
// forms. An open guard returns (nil, nil).
func (g *Guard) Check(r *http.Request) (*Grant, error) {
	if !g.Enabled() {
		return nil, nil
	}
	keys := *g.keys.Load()

	found := credentials(r)
	if len(found) == 0 {
		return nil, deny(r, ErrMissingKey, nil)
	}
	tried := make([]Source, 0, len(found))
	for _, c := range found {
		if _, ok := keys[c.value]; ok {
			return &Grant{Key: c.value, Source: c.source}, nil
		}
		tried = append(tried, c.source)
	}
	return nil, deny(r, ErrInvalidKey, tried)
}

type credential struct {
	value  string
	source Source
}

// credentials lists the non-empty keys on r in precedence order.
func credentials(r *http.Request) []credential {
	var out []credential
	add := func(value string, source Source) {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, credential{value: value, source: source})
		}
	}
	add(bearerToken(r.Header.Get("Authorization")), SourceAuthorization)
	add(r.Header.Get("X-Api-Key"), SourceAPIKeyHeader)
	if r.URL != nil {
		query := r.URL.Query()
		add(query.Get("key"), SourceQueryKey)
		add(query.Get("auth_token"), SourceQueryToken)
	}
	return out
}

// bearerToken strips a case-insensitive Bearer scheme; other values pass through.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return header
	}
	return strings.TrimSpace(token)
}
