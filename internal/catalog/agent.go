// Package catalog holds the agent definitions shared read-only across tenants
// and the layering of tenant overrides over agent defaults.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrInvalidConfig = errors.New("invalid agent config")
)

// AgentType classifies how an agent is normally triggered.
type AgentType string

const (
	TypeBackground     AgentType = "background"
	TypeEventTriggered AgentType = "event_triggered"
	TypeGoalOriented   AgentType = "goal_oriented"
)

func (t AgentType) Valid() bool {
	switch t {
	case TypeBackground, TypeEventTriggered, TypeGoalOriented:
		return true
	}
	return false
}

// agentNamespace seeds deterministic agent ids so the same slug maps to the
// same id on every deployment.
var agentNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e41-9a0c-7d2e4b8f1a63")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Config is a flat key/value configuration map. Nested maps are opaque values.
type Config map[string]any

// Clone returns a shallow copy. A nil config clones to an empty one.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	maps.Copy(out, c)
	return out
}

// String returns the value at key if it is a non-empty string.
func (c Config) String(key string) (string, bool) {
	v, ok := c[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// MergeConfig overlays overrides on defaults. Override keys win; keys absent
// from overrides fall back to defaults. The merge is one level deep: a nested
// map in overrides replaces the default value wholesale.
func MergeConfig(defaults, overrides Config) Config {
	out := make(Config, len(defaults)+len(overrides))
	maps.Copy(out, defaults)
	maps.Copy(out, overrides)
	return out
}

// Agent is a named automated behavior definition.
type Agent struct {
	ID             string         `json:"id"`
	Slug           string         `json:"slug"`
	Name           string         `json:"name"`
	Type           AgentType      `json:"type"`
	DefaultEnabled bool           `json:"default_enabled"`
	DefaultConfig  Config         `json:"default_config"`
	ConfigSchema   map[string]any `json:"config_schema,omitempty"`

	schema *jsonschema.Schema
}

// AgentID returns the deterministic id for slug.
func AgentID(slug string) string {
	return uuid.NewSHA1(agentNamespace, []byte(slug)).String()
}

// Prepare normalizes the definition, fills the id, and compiles the config
// schema if one is declared.
func (a *Agent) Prepare() error {
	a.Slug = strings.ToLower(strings.TrimSpace(a.Slug))
	if !slugPattern.MatchString(a.Slug) {
		return fmt.Errorf("agent slug %q: must match %s", a.Slug, slugPattern)
	}
	if a.Type == "" {
		a.Type = TypeBackground
	}
	if !a.Type.Valid() {
		return fmt.Errorf("agent %s: unknown type %q", a.Slug, a.Type)
	}
	if a.ID == "" {
		a.ID = AgentID(a.Slug)
	}
	if a.Name == "" {
		a.Name = a.Slug
	}
	if a.DefaultConfig == nil {
		a.DefaultConfig = Config{}
	}
	if len(a.ConfigSchema) == 0 {
		a.schema = nil
		return nil
	}
	schema, err := compileSchema(a.Slug, a.ConfigSchema)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.Slug, err)
	}
	a.schema = schema
	if err := a.ValidateConfig(a.DefaultConfig); err != nil {
		return fmt.Errorf("agent %s default_config: %w", a.Slug, err)
	}
	return nil
}

// MergedConfig overlays tenant overrides on this agent's defaults.
func (a Agent) MergedConfig(overrides Config) Config {
	return MergeConfig(a.DefaultConfig, overrides)
}

// ValidateConfig checks cfg against the agent's config schema. Agents without
// a schema accept any config.
func (a Agent) ValidateConfig(cfg Config) error {
	if a.schema == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrInvalidConfig, err)
	}
	// Round-trip through the validator's decoder so numbers arrive as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func compileSchema(slug string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal config_schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config_schema: %w", err)
	}
	url := slug + ".config.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add config_schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile config_schema: %w", err)
	}
	return compiled, nil
}
