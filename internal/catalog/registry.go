package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry is the read-mostly in-memory catalog of agent definitions.
type Registry struct {
	mu     sync.RWMutex
	bySlug map[string]Agent
	byID   map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySlug: make(map[string]Agent),
		byID:   make(map[string]Agent),
	}
}

// Register adds a single agent. Slugs are unique.
func (r *Registry) Register(a Agent) error {
	if err := a.Prepare(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySlug[a.Slug]; exists {
		return fmt.Errorf("agent %q already registered", a.Slug)
	}
	r.bySlug[a.Slug] = a
	r.byID[a.ID] = a
	return nil
}

// Replace swaps the entire catalog. Either every agent is valid and the swap
// happens, or nothing changes.
func (r *Registry) Replace(agents []Agent) error {
	bySlug := make(map[string]Agent, len(agents))
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		if err := a.Prepare(); err != nil {
			return err
		}
		if _, dup := bySlug[a.Slug]; dup {
			return fmt.Errorf("duplicate agent slug %q", a.Slug)
		}
		bySlug[a.Slug] = a
		byID[a.ID] = a
	}
	r.mu.Lock()
	r.bySlug = bySlug
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Get returns the agent with the given slug.
func (r *Registry) Get(slug string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySlug[strings.ToLower(strings.TrimSpace(slug))]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, slug)
	}
	return a, nil
}

// ByID returns the agent with the given id.
func (r *Registry) ByID(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: id %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// List returns all agents ordered by slug.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	out := make([]Agent, 0, len(r.bySlug))
	for _, a := range r.bySlug {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySlug)
}

// catalogFile is the on-disk layout of agents.yaml.
type catalogFile struct {
	Agents []catalogEntry `yaml:"agents"`
}

type catalogEntry struct {
	Slug           string         `yaml:"slug"`
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	DefaultEnabled bool           `yaml:"default_enabled"`
	DefaultConfig  map[string]any `yaml:"default_config"`
	ConfigSchema   map[string]any `yaml:"config_schema"`
}

// LoadFile reads and validates an agent catalog. A missing file yields an
// empty catalog.
func LoadFile(path string) ([]Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML agent catalog.
func Parse(data []byte) ([]Agent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Agents))
	out := make([]Agent, 0, len(f.Agents))
	for _, e := range f.Agents {
		a := Agent{
			Slug:           e.Slug,
			Name:           e.Name,
			Type:           AgentType(strings.ToLower(strings.TrimSpace(e.Type))),
			DefaultEnabled: e.DefaultEnabled,
			DefaultConfig:  Config(e.DefaultConfig),
			ConfigSchema:   e.ConfigSchema,
		}
		if err := a.Prepare(); err != nil {
			return nil, err
		}
		if _, dup := seen[a.Slug]; dup {
			return nil, fmt.Errorf("duplicate agent slug %q", a.Slug)
		}
		seen[a.Slug] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}
