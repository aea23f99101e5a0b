// Package translator rewrites client-facing envelopes into the upstream wire
// vocabulary. Every kind with a rule is rewritten through it; every other kind
// passes through unchanged, so no envelope is ever dropped here.
package translator

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/router-for-me/RealtimeRelay/internal/config"
	"github.com/router-for-me/RealtimeRelay/internal/envelope"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FieldError reports a client envelope missing a required source value.
type FieldError struct {
	Kind  string
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("translator: %s requires field %q", e.Kind, e.Field)
}

// Rule is a compiled translation rule.
type Rule struct {
	ClientKind   string
	UpstreamKind string
	Template     []byte
	Fields       []config.FieldMapping
}

// Translator holds an immutable rule set. It is safe for concurrent use.
type Translator struct {
	rules map[string]Rule
}

// DefaultRules returns the built-in client vocabulary.
func DefaultRules() []config.TranslationRule {
	return []config.TranslationRule{
		{
			ClientKind:   envelope.KindUserMessage,
			UpstreamKind: "conversation.item.create",
			Template:     `{"item":{"type":"message","role":"user","content":[{"type":"input_text","text":""}]}}`,
			Fields: []config.FieldMapping{
				{From: "content", To: "item.content.0.text", Required: true},
				{From: "event_id", To: "event_id"},
			},
		},
		{
			ClientKind:   envelope.KindUserAudio,
			UpstreamKind: "input_audio_buffer.append",
			Fields: []config.FieldMapping{
				{From: "audio", To: "audio", Required: true},
				{From: "event_id", To: "event_id"},
			},
		},
	}
}

// Default returns a translator with only the built-in rules.
func Default() *Translator {
	t, err := New(nil)
	if err != nil {
		// Built-in rules are static and always compile.
		panic(err)
	}
	return t
}

// New compiles the built-in rules overlaid with the configured ones. A
// configured rule replaces the built-in rule for the same client kind.
func New(rules []config.TranslationRule) (*Translator, error) {
	t := &Translator{rules: make(map[string]Rule)}
	all := append(DefaultRules(), rules...)
	for i := range all {
		compiled, err := compileRule(all[i])
		if err != nil {
			return nil, err
		}
		t.rules[compiled.ClientKind] = compiled
	}
	return t, nil
}

func compileRule(rule config.TranslationRule) (Rule, error) {
	clientKind := strings.TrimSpace(rule.ClientKind)
	if clientKind == "" {
		return Rule{}, fmt.Errorf("translator: rule without client-kind")
	}
	upstreamKind := strings.TrimSpace(rule.UpstreamKind)
	if upstreamKind == "" {
		upstreamKind = clientKind
	}
	template := []byte(strings.TrimSpace(rule.Template))
	if len(template) == 0 {
		template = []byte(`{}`)
	}
	if !gjson.ValidBytes(template) || !gjson.ParseBytes(template).IsObject() {
		return Rule{}, fmt.Errorf("translator: template for %s must be a JSON object", clientKind)
	}
	fields := make([]config.FieldMapping, 0, len(rule.Fields))
	for _, field := range rule.Fields {
		from := strings.TrimSpace(field.From)
		to := strings.TrimSpace(field.To)
		if from == "" || to == "" {
			return Rule{}, fmt.Errorf("translator: %s has a field mapping without from/to", clientKind)
		}
		fields = append(fields, config.FieldMapping{From: from, To: to, Required: field.Required})
	}
	return Rule{ClientKind: clientKind, UpstreamKind: upstreamKind, Template: template, Fields: fields}, nil
}

// Translate maps a client envelope to its upstream representation.
func (t *Translator) Translate(env envelope.Envelope) (envelope.Envelope, error) {
	if t == nil {
		return env, nil
	}
	rule, ok := t.rules[env.Kind]
	if !ok {
		return env, nil
	}
	out := bytes.Clone(rule.Template)
	for _, field := range rule.Fields {
		value := env.Get(field.From)
		if !value.Exists() {
			if field.Required {
				return envelope.Envelope{}, &FieldError{Kind: env.Kind, Field: field.From}
			}
			continue
		}
		updated, err := sjson.SetRawBytes(out, field.To, []byte(value.Raw))
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("translator: set %s for %s: %w", field.To, env.Kind, err)
		}
		out = updated
	}
	return envelope.New(rule.UpstreamKind, out), nil
}

// Rule returns the rule registered for a client kind.
func (t *Translator) Rule(kind string) (Rule, bool) {
	if t == nil {
		return Rule{}, false
	}
	rule, ok := t.rules[kind]
	return rule, ok
}

// Kinds lists the client kinds with an explicit rule, sorted.
func (t *Translator) Kinds() []string {
	if t == nil {
		return nil
	}
	kinds := make([]string, 0, len(t.rules))
	for kind := range t.rules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
