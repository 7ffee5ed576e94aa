// Package entity defines opaque references into the domain model and the
// registry that resolves them. The orchestration core carries references
// around but never dereferences them itself.
package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownKind is returned when no resolver is registered for a reference kind.
var ErrUnknownKind = errors.New("unknown entity kind")

// Ref is a tagged reference to a domain entity (e.g. product/42).
type Ref struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r Ref) String() string {
	if r.IsZero() {
		return "-"
	}
	return r.Kind + "/" + r.ID
}

// Resolver loads the concrete domain object for an id of one kind.
type Resolver interface {
	Resolve(ctx context.Context, id string) (any, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, id string) (any, error)

func (f ResolverFunc) Resolve(ctx context.Context, id string) (any, error) {
	return f(ctx, id)
}

// Registry maps entity kinds to resolvers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

// Register binds a resolver to kind. Kinds are case-insensitive and may be
// registered only once.
func (r *Registry) Register(kind string, res Resolver) error {
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("register resolver: empty kind")
	}
	if res == nil {
		return fmt.Errorf("register resolver %q: nil resolver", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resolvers[kind]; exists {
		return fmt.Errorf("register resolver: kind %q already registered", kind)
	}
	r.resolvers[kind] = res
	return nil
}

// Resolve dereferences ref through the resolver registered for its kind.
func (r *Registry) Resolve(ctx context.Context, ref Ref) (any, error) {
	kind := normalizeKind(ref.Kind)
	r.mu.RLock()
	res, ok := r.resolvers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", ref, ErrUnknownKind)
	}
	obj, err := res.Resolve(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return obj, nil
}

// Len returns the number of registered kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resolvers)
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resolvers))
	for k := range r.resolvers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
