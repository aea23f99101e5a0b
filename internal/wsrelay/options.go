package wsrelay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/translator"
	"github.com/router-for-me/RealtimeRelay/internal/upstream"
)

// OptionsFromConfig derives manager options from the loaded configuration.
// It fails when the configured translation rules do not compile.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("wsrelay: config is nil")
	}
	tr, err := translator.New(cfg.Translations)
	if err != nil {
		return Options{}, fmt.Errorf("wsrelay: compile translations: %w", err)
	}

	headers := make(http.Header, len(cfg.Upstream.Headers))
	for name, value := range cfg.Upstream.Headers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		headers.Set(name, strings.TrimSpace(value))
	}

	rt := cfg.Realtime
	return Options{
		Path:           rt.Path,
		AllowedOrigins: rt.AllowedOrigins,
		Session: SessionOptions{
			Upstream: upstream.Config{
				URL:               cfg.Upstream.URL,
				Credential:        cfg.Upstream.APIKey,
				Headers:           headers,
				ProxyURL:          cfg.ProxyURL,
				HandshakeTimeout:  cfg.HandshakeTimeout(),
				WriteTimeout:      cfg.WriteTimeout(),
				IdleTimeout:       cfg.ReadTimeout(),
				HeartbeatInterval: cfg.HeartbeatInterval(),
				ReadyEvent:        cfg.Upstream.ReadyEvent,
				MaxMessageBytes:   rt.MaxMessageBytes,
			},
			Translator:         tr,
			MaxPendingMessages: rt.MaxPendingMessages,
			MaxInvalidMessages: rt.MaxInvalidMessages,
			MaxMessageBytes:    rt.MaxMessageBytes,
			ReadTimeout:        cfg.ReadTimeout(),
			WriteTimeout:       cfg.WriteTimeout(),
			HeartbeatInterval:  cfg.HeartbeatInterval(),
			FatalErrorCodes:    cfg.Upstream.FatalErrorCodes,
		},
	}, nil
}
