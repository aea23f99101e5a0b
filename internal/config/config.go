package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                = 8317
	DefaultRealtimePath        = "/v1/realtime"
	DefaultUpstreamURL         = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"
	DefaultMaxPendingMessages  = 256
	DefaultMaxInvalidMessages  = 5
	DefaultMaxMessageBytes     = 16 << 20 // 16 MiB
	DefaultReadTimeoutSeconds  = 60
	DefaultWriteTimeoutSeconds = 10
	DefaultHeartbeatSeconds    = 30
	DefaultHandshakeTimeout    = 30
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the interface the HTTP server binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the listening port.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogDir is the directory used for rotating log files. Defaults to "logs".
	LogDir string `yaml:"log-dir,omitempty" json:"log-dir,omitempty"`

	// LogsMaxTotalSizeMB caps the total size of the log directory. <= 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// Realtime configures the client-facing relay endpoint.
	Realtime RealtimeConfig `yaml:"realtime" json:"realtime"`

	// Upstream configures the outbound streaming service.
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Translations add or override client→upstream envelope rules.
	Translations []TranslationRule `yaml:"translations,omitempty" json:"translations,omitempty"`
}

// LoadConfig reads and parses the configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads the configuration file. When optional is true a
// missing or empty file yields the defaults instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	data, errRead := os.ReadFile(configFile)
	if errRead != nil {
		if optional && (errors.Is(errRead, os.ErrNotExist) || strings.TrimSpace(configFile) == "") {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", errRead)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", errUnmarshal)
		}
	} else if !optional {
		return nil, fmt.Errorf("config file %s is empty", configFile)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.LogDir) == "" {
		c.LogDir = "logs"
	}

	rt := &c.Realtime
	rt.Path = strings.TrimSpace(rt.Path)
	if rt.Path == "" {
		rt.Path = DefaultRealtimePath
	}
	if !strings.HasPrefix(rt.Path, "/") {
		rt.Path = "/" + rt.Path
	}
	if rt.MaxPendingMessages <= 0 {
		rt.MaxPendingMessages = DefaultMaxPendingMessages
	}
	if rt.MaxInvalidMessages == 0 {
		rt.MaxInvalidMessages = DefaultMaxInvalidMessages
	}
	if rt.MaxMessageBytes <= 0 {
		rt.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if rt.ReadTimeoutSeconds <= 0 {
		rt.ReadTimeoutSeconds = DefaultReadTimeoutSeconds
	}
	if rt.WriteTimeoutSeconds <= 0 {
		rt.WriteTimeoutSeconds = DefaultWriteTimeoutSeconds
	}
	if rt.HeartbeatSeconds == 0 {
		rt.HeartbeatSeconds = DefaultHeartbeatSeconds
	}

	up := &c.Upstream
	up.URL = strings.TrimSpace(up.URL)
	if up.URL == "" {
		up.URL = DefaultUpstreamURL
	}
	if up.HandshakeTimeoutSeconds <= 0 {
		up.HandshakeTimeoutSeconds = DefaultHandshakeTimeout
	}
	up.ReadyEvent = strings.TrimSpace(up.ReadyEvent)
	c.APIKeys = normalizeList(c.APIKeys)
	up.FatalErrorCodes = normalizeList(up.FatalErrorCodes)
}

// ApplyEnvOverrides lets process environment (including values loaded from .env)
// override file settings. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}
	if value, ok := get("RELAY_UPSTREAM_URL", "relay_upstream_url"); ok {
		c.Upstream.URL = value
	}
	if value, ok := get("RELAY_UPSTREAM_API_KEY", "relay_upstream_api_key", "OPENAI_API_KEY"); ok {
		c.Upstream.APIKey = value
	}
	if value, ok := get("RELAY_PORT", "relay_port", "PORT"); ok {
		if port, errParse := strconv.Atoi(value); errParse == nil && port > 0 {
			c.Port = port
		}
	}
	if value, ok := get("RELAY_API_KEYS", "relay_api_keys"); ok {
		c.APIKeys = normalizeList(strings.Split(value, ","))
	}
	if value, ok := get("RELAY_PROXY_URL", "relay_proxy_url"); ok {
		c.ProxyURL = value
	}
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	parsed, errParse := url.Parse(c.Upstream.URL)
	if errParse != nil {
		return fmt.Errorf("invalid upstream url: %w", errParse)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("unsupported upstream url scheme %q", parsed.Scheme)
	}
	if proxyURL := strings.TrimSpace(c.ProxyURL); proxyURL != "" {
		if _, errProxy := url.Parse(proxyURL); errProxy != nil {
			return fmt.Errorf("invalid proxy-url: %w", errProxy)
		}
	}
	for i, rule := range c.Translations {
		if strings.TrimSpace(rule.ClientKind) == "" {
			return fmt.Errorf("translations[%d]: client-kind is required", i)
		}
		for j, field := range rule.Fields {
			if strings.TrimSpace(field.From) == "" || strings.TrimSpace(field.To) == "" {
				return fmt.Errorf("translations[%d].fields[%d]: from and to are required", i, j)
			}
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReadTimeout returns the realtime idle read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Realtime.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Realtime.WriteTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the ping interval; zero disables heartbeats.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Realtime.HeartbeatSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Realtime.HeartbeatSeconds) * time.Second
}

// HandshakeTimeout returns the upstream handshake bound.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Upstream.HandshakeTimeoutSeconds) * time.Second
}

func normalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
