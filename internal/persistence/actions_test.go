package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
)

func TestActions_QueueCountsAndApproval(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	b := seedBinding(t, store, "store-1", "price-guard")
	r := newRun(t, store, b, t0)

	sku := entity.Ref{Kind: "product", ID: "sku-1"}
	queued := run.NewAction(r, "adjust_price", sku, map[string]any{"price": 19.99}, t0)
	queued.Decision = policy.DecisionQueue
	applied := run.NewAction(r, "restock", entity.Ref{Kind: "product", ID: "sku-2"}, nil, t0.Add(time.Second))
	applied.Decision = policy.DecisionApply
	for _, a := range []*run.Action{queued, applied} {
		if err := store.InsertAction(ctx, a); err != nil {
			t.Fatalf("insert action: %v", err)
		}
	}
	if err := applied.Approve(run.AutoApprover, t0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.SaveAction(ctx, applied, run.ActionPending); err != nil {
		t.Fatalf("save approved: %v", err)
	}
	if err := applied.MarkExecuted(t0); err != nil {
		t.Fatalf("executed: %v", err)
	}
	if err := store.SaveAction(ctx, applied, run.ActionApproved); err != nil {
		t.Fatalf("save executed: %v", err)
	}

	counts, err := store.ActionCounts(ctx, r.ID)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Pending != 1 || counts.Executed != 1 || counts.Total() != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	awaiting, err := store.ListActionsAwaitingApproval(ctx, "store-1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != queued.ID {
		t.Fatalf("unexpected approval queue: %+v", awaiting)
	}
	if awaiting[0].Target != sku || awaiting[0].Payload["price"] != 19.99 {
		t.Fatalf("action fields not persisted: %+v", awaiting[0])
	}

	byTarget, err := store.ListActionsByTarget(ctx, "store-1", sku)
	if err != nil {
		t.Fatalf("by target: %v", err)
	}
	if len(byTarget) != 1 || byTarget[0].ID != queued.ID {
		t.Fatalf("unexpected target lookup: %+v", byTarget)
	}

	all, err := store.ListActions(ctx, r.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != queued.ID {
		t.Fatalf("expected proposal order, got %+v", all)
	}
	if all[1].DecidedBy != run.AutoApprover || all[1].ExecutedAt == nil {
		t.Fatalf("decision metadata lost: %+v", all[1])
	}
}

func TestSaveAction_DoubleApprovalConflicts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	b := seedBinding(t, store, "store-1", "price-guard")
	r := newRun(t, store, b, t0)
	a := run.NewAction(r, "adjust_price", entity.Ref{Kind: "product", ID: "sku-1"}, nil, t0)
	a.Decision = policy.DecisionQueue
	if err := store.InsertAction(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, _ := store.GetAction(ctx, a.ID)
	second, _ := store.GetAction(ctx, a.ID)
	_ = first.Approve("merchant:1", t0)
	if err := store.SaveAction(ctx, first, run.ActionPending); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	_ = second.Reject("merchant:2", "too steep", t0)
	if err := store.SaveAction(ctx, second, run.ActionPending); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.GetAction(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
