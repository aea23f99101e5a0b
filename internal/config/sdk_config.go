// Package config provides configuration management for the realtime relay server.
// It handles loading and parsing YAML configuration files, environment overrides,
// and provides structured access to listener, upstream, relay and translation settings.
package config

// SDKConfig holds the settings shared by every embedding of the relay.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound upstream connections.
	// Supported schemes are http, https and socks5.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys is a list of keys accepted from clients. An empty list leaves the
	// relay endpoint open; identity is then expected to be enforced in front of the relay.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`
}

// RealtimeConfig configures the client-facing relay endpoint.
type RealtimeConfig struct {
	// Path is the HTTP path upgraded to relay sessions.
	Path string `yaml:"path" json:"path"`

	// MaxPendingMessages bounds the number of client messages buffered before the
	// upstream leg is ready. Exceeding it fails the session.
	MaxPendingMessages int `yaml:"max-pending-messages" json:"max-pending-messages"`

	// MaxInvalidMessages is the number of undecodable client messages after which
	// the session fails. Zero means the default; negative disables the limit.
	MaxInvalidMessages int `yaml:"max-invalid-messages" json:"max-invalid-messages"`

	// MaxMessageBytes bounds a single inbound websocket message on either leg.
	MaxMessageBytes int64 `yaml:"max-message-bytes" json:"max-message-bytes"`

	// ReadTimeoutSeconds is the idle read deadline, extended by every pong.
	ReadTimeoutSeconds int `yaml:"read-timeout-seconds" json:"read-timeout-seconds"`

	// WriteTimeoutSeconds bounds each websocket write.
	WriteTimeoutSeconds int `yaml:"write-timeout-seconds" json:"write-timeout-seconds"`

	// HeartbeatSeconds is the ping interval on both legs. <= 0 disables pings.
	HeartbeatSeconds int `yaml:"heartbeat-seconds" json:"heartbeat-seconds"`

	// AllowedOrigins restricts browser origins. Empty accepts any origin.
	AllowedOrigins []string `yaml:"allowed-origins,omitempty" json:"allowed-origins,omitempty"`
}

// UpstreamConfig configures the outbound streaming service connection.
type UpstreamConfig struct {
	// URL is the websocket endpoint of the upstream service (ws, wss, http or https).
	URL string `yaml:"url" json:"url"`

	// APIKey is the bearer credential presented on every upstream handshake.
	APIKey string `yaml:"api-key" json:"-"`

	// Headers are extra handshake headers, e.g. OpenAI-Beta: realtime=v1.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// HandshakeTimeoutSeconds bounds the upstream websocket handshake.
	HandshakeTimeoutSeconds int `yaml:"handshake-timeout-seconds" json:"handshake-timeout-seconds"`

	// ReadyEvent, when set, delays upstream readiness until an event of this kind
	// arrives (e.g. "session.created"). Empty means ready as soon as the socket opens.
	ReadyEvent string `yaml:"ready-event,omitempty" json:"ready-event,omitempty"`

	// FatalErrorCodes lists upstream error codes (error.code or error.type) that end the session.
	FatalErrorCodes []string `yaml:"fatal-error-codes,omitempty" json:"fatal-error-codes,omitempty"`
}

// TranslationRule rewrites one client envelope kind into the upstream shape.
type TranslationRule struct {
	// ClientKind is the envelope kind sent by the browser client.
	ClientKind string `yaml:"client-kind" json:"client-kind"`

	// UpstreamKind is the kind written upstream. Empty keeps the client kind.
	UpstreamKind string `yaml:"upstream-kind,omitempty" json:"upstream-kind,omitempty"`

	// Template is the JSON object the upstream envelope starts from.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`

	// Fields copy values from the client envelope into the template.
	Fields []FieldMapping `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldMapping copies a single value between envelopes.
type FieldMapping struct {
	// From is a gjson path into the client envelope.
	From string `yaml:"from" json:"from"`
	// To is an sjson path into the upstream envelope.
	To string `yaml:"to" json:"to"`
	// Required rejects client envelopes missing the source value.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`
}
