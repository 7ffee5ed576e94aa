package entity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/agentcore/internal/entity"
)

func TestRegistry_ResolvesByKind(t *testing.T) {
	reg := entity.NewRegistry()
	err := reg.Register("Product", entity.ResolverFunc(func(_ context.Context, id string) (any, error) {
		return "product:" + id, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Resolve(context.Background(), entity.Ref{Kind: "product", ID: "42"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "product:42" {
		t.Fatalf("expected product:42, got %v", got)
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	reg := entity.NewRegistry()
	_, err := reg.Resolve(context.Background(), entity.Ref{Kind: "order", ID: "1"})
	if !errors.Is(err, entity.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRegistry_DuplicateKindRejected(t *testing.T) {
	reg := entity.NewRegistry()
	noop := entity.ResolverFunc(func(context.Context, string) (any, error) { return nil, nil })
	if err := reg.Register("order", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(" ORDER ", noop); err == nil {
		t.Fatalf("expected duplicate kind to be rejected")
	}
	if kinds := reg.Kinds(); len(kinds) != 1 || kinds[0] != "order" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestRef_String(t *testing.T) {
	if s := (entity.Ref{}).String(); s != "-" {
		t.Fatalf("zero ref string = %q", s)
	}
	if s := (entity.Ref{Kind: "inventory_item", ID: "7"}).String(); s != "inventory_item/7" {
		t.Fatalf("ref string = %q", s)
	}
}
