// Package catalog resolves user-visible message strings from a key,
// language, directive, and severity, so no component ever composes
// customer-facing text from a raw exception message. Lookup falls back from
// a per-tenant override to the language default to English.
package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/telyx/turnguard/internal/config"
)

// Key identifies one catalog lookup.
type Key struct {
	Name      string // e.g. "session_locked", "not_found", "verification_prompt"
	Language  string // BCP-47-ish tag, e.g. "en", "tr"
	Directive string // e.g. "default", "soft", "hard" — lets one key have phrasing variants
	Severity  string // e.g. "info", "warn", "critical" — mirrors internal/security's AuditSeverity vocabulary
}

func (k Key) variant() string {
	directive := k.Directive
	if directive == "" {
		directive = "default"
	}
	severity := k.Severity
	if severity == "" {
		severity = "info"
	}
	return directive + "|" + severity
}

const defaultLanguage = "en"

// messageSet is messageName -> language -> variant -> text.
type messageSet map[string]map[string]map[string]string

// Catalog holds the default message set plus any per-tenant overrides.
type Catalog struct {
	defaults messageSet
	tenants  map[string]messageSet // businessID -> messageSet
}

// fileFormat mirrors the on-disk YAML shape:
//
//	messages:
//	  session_locked:
//	    en:
//	      default|info: "..."
//	tenants:
//	  biz-123:
//	    messages:
//	      session_locked:
//	        en:
//	          default|info: "..."
type fileFormat struct {
	Messages messageSet `yaml:"messages"`
	Tenants  map[string]struct {
		Messages messageSet `yaml:"messages"`
	} `yaml:"tenants"`
}

// Load reads a catalog file (with $include and env-var expansion, the same
// mechanism internal/config uses) and builds a Catalog.
func Load(path string) (*Catalog, error) {
	raw, err := config.LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: load %s: %w", path, err)
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: re-marshal: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("catalog: unmarshal: %w", err)
	}

	c := &Catalog{defaults: ff.Messages, tenants: map[string]messageSet{}}
	for biz, t := range ff.Tenants {
		c.tenants[biz] = t.Messages
	}
	return c, nil
}

// New builds a Catalog directly from a default message set, for tests and
// for embedding a baked-in fallback catalog without a file on disk. defaults
// is messageName -> language -> "directive|severity" -> text.
func New(defaults map[string]map[string]map[string]string) *Catalog {
	return &Catalog{defaults: messageSet(defaults), tenants: map[string]messageSet{}}
}

// WithTenant returns a copy of c with businessID's messages overridden by
// overrides (same shape as New's defaults argument).
func (c *Catalog) WithTenant(businessID string, overrides map[string]map[string]map[string]string) *Catalog {
	out := &Catalog{defaults: c.defaults, tenants: map[string]messageSet{}}
	for k, v := range c.tenants {
		out.tenants[k] = v
	}
	out.tenants[businessID] = messageSet(overrides)
	return out
}

// Resolve looks up the message for key, trying the businessID's tenant
// override first, then the language default, then English, returning a
// generic fallback if nothing matches at all.
func (c *Catalog) Resolve(businessID string, key Key) string {
	v := key.variant()

	if businessID != "" {
		if msg, ok := lookup(c.tenants[businessID], key.Name, key.Language, v); ok {
			return msg
		}
	}
	if msg, ok := lookup(c.defaults, key.Name, key.Language, v); ok {
		return msg
	}
	if key.Language != defaultLanguage {
		if msg, ok := lookup(c.defaults, key.Name, defaultLanguage, v); ok {
			return msg
		}
	}
	return fallbackText(key.Name)
}

func lookup(set messageSet, name, language, variant string) (string, bool) {
	if set == nil {
		return "", false
	}
	byLang, ok := set[name]
	if !ok {
		return "", false
	}
	byVariant, ok := byLang[language]
	if !ok {
		return "", false
	}
	msg, ok := byVariant[variant]
	return msg, ok
}

func fallbackText(name string) string {
	return fmt.Sprintf("We're unable to process your request right now (%s). Please try again shortly.", name)
}
