package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/goal"
	"github.com/basket/agentcore/internal/persistence"
)

func TestGoals_ProgressMergesAndPersists(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store, "sell-through")
	g := goal.New("store-1", agent.ID, "clear_inventory", entity.Ref{Kind: "collection", ID: "summer"}, map[string]any{"target_units": 100}, nil, t0)
	if err := store.CreateGoal(ctx, g); err != nil {
		t.Fatalf("create goal: %v", err)
	}

	for _, delta := range []map[string]any{{"a": 1}, {"b": 2}, {"a": 3}} {
		loaded, err := store.GetGoal(ctx, g.ID)
		if err != nil {
			t.Fatalf("get goal: %v", err)
		}
		if err := loaded.UpdateProgress(delta, t0); err != nil {
			t.Fatalf("update progress: %v", err)
		}
		if err := store.SaveGoal(ctx, loaded, goal.StatusActive); err != nil {
			t.Fatalf("save goal: %v", err)
		}
	}

	got, err := store.GetGoal(ctx, g.ID)
	if err != nil {
		t.Fatalf("get goal: %v", err)
	}
	if len(got.Progress) != 2 || got.Progress["a"] != float64(3) || got.Progress["b"] != float64(2) {
		t.Fatalf("expected {a:3 b:2}, got %v", got.Progress)
	}
	if got.Target.Kind != "collection" || got.Target.ID != "summer" {
		t.Fatalf("target not persisted: %+v", got.Target)
	}
}

func TestGoals_OverdueIsReadOnlyUntilFailed(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store, "sell-through")
	yesterday := t0.AddDate(0, 0, -1)
	tomorrow := t0.AddDate(0, 0, 1)
	overdue := goal.New("store-1", agent.ID, "clear_inventory", entity.Ref{}, nil, &yesterday, t0.AddDate(0, 0, -7))
	onTrack := goal.New("store-1", agent.ID, "clear_inventory", entity.Ref{}, nil, &tomorrow, t0)
	open := goal.New("store-1", agent.ID, "grow_reviews", entity.Ref{}, nil, nil, t0)
	for _, g := range []*goal.Goal{overdue, onTrack, open} {
		if err := store.CreateGoal(ctx, g); err != nil {
			t.Fatalf("create goal: %v", err)
		}
	}

	found, err := store.OverdueGoals(ctx, t0, 0)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(found) != 1 || found[0].ID != overdue.ID {
		t.Fatalf("unexpected overdue set: %+v", found)
	}
	if found[0].Status != goal.StatusActive {
		t.Fatalf("querying overdue goals must not change status")
	}

	g := found[0]
	if err := g.Fail("deadline exceeded", t0); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.SaveGoal(ctx, g, goal.StatusActive); err != nil {
		t.Fatalf("save failed goal: %v", err)
	}
	again, err := store.OverdueGoals(ctx, t0, 0)
	if err != nil {
		t.Fatalf("overdue again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("failed goal still reported overdue")
	}

	active, err := store.ActiveGoals(ctx, "store-1", agent.ID)
	if err != nil {
		t.Fatalf("active goals: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active goals, got %d", len(active))
	}
	closed, err := store.ListGoals(ctx, persistence.GoalFilter{StoreID: "store-1", Status: goal.StatusFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(closed) != 1 || closed[0].FailureReason != "deadline exceeded" || closed[0].ClosedAt == nil {
		t.Fatalf("unexpected failed goals: %+v", closed)
	}
}

func TestSaveGoal_ClosedGoalConflicts(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	agent := seedAgent(t, store, "sell-through")
	g := goal.New("store-1", agent.ID, "clear_inventory", entity.Ref{}, nil, nil, t0)
	if err := store.CreateGoal(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := *g
	if err := g.Complete(t0.Add(time.Hour)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.SaveGoal(ctx, g, goal.StatusActive); err != nil {
		t.Fatalf("save complete: %v", err)
	}
	stale.Progress = map[string]any{"late": true}
	if err := store.SaveGoal(ctx, &stale, goal.StatusActive); !errors.Is(err, persistence.ErrConflict) {
		t.Fatalf("expected ErrConflict writing progress to a closed goal, got %v", err)
	}
}
