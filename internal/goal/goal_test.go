package goal_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/goal"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newGoal(deadline *time.Time) *goal.Goal {
	return goal.New("store-1", "agent-1", "sell_through", entity.Ref{Kind: "product", ID: "p-1"},
		map[string]any{"target_units": 100}, deadline, now)
}

func TestUpdateProgress_ShallowMerge(t *testing.T) {
	g := newGoal(nil)

	steps := []struct {
		delta map[string]any
		want  map[string]any
	}{
		{map[string]any{"a": 1}, map[string]any{"a": 1}},
		{map[string]any{"b": 2}, map[string]any{"a": 1, "b": 2}},
		{map[string]any{"a": 3}, map[string]any{"a": 3, "b": 2}},
		{map[string]any{}, map[string]any{"a": 3, "b": 2}},
	}
	for i, step := range steps {
		if err := g.UpdateProgress(step.delta, now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if !reflect.DeepEqual(g.Progress, step.want) {
			t.Fatalf("step %d: progress = %v, want %v", i, g.Progress, step.want)
		}
	}
}

func TestIsOverdue_DoesNotTransition(t *testing.T) {
	yesterday := now.Add(-24 * time.Hour)
	g := newGoal(&yesterday)

	if !g.IsOverdue(now) {
		t.Fatalf("goal past deadline should be overdue")
	}
	if g.Status != goal.StatusActive {
		t.Fatalf("IsOverdue must not change status, got %s", g.Status)
	}

	if err := g.Fail("deadline exceeded", now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if g.IsOverdue(now) {
		t.Fatalf("terminal goal is never overdue")
	}
	if g.FailureReason != "deadline exceeded" || g.ClosedAt == nil {
		t.Fatalf("failure not recorded: %+v", g)
	}
}

func TestIsOverdue_NoDeadlineOrFuture(t *testing.T) {
	if newGoal(nil).IsOverdue(now) {
		t.Fatalf("goal without deadline is never overdue")
	}
	tomorrow := now.Add(24 * time.Hour)
	if newGoal(&tomorrow).IsOverdue(now) {
		t.Fatalf("future deadline is not overdue")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	g := newGoal(nil)
	if err := g.Complete(now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := g.Fail("late", now); !errors.Is(err, goal.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := g.Cancel(now); !errors.Is(err, goal.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := g.UpdateProgress(map[string]any{"x": 1}, now); !errors.Is(err, goal.ErrIllegalTransition) {
		t.Fatalf("progress on closed goal must fail, got %v", err)
	}
	if g.Status != goal.StatusCompleted {
		t.Fatalf("status changed after rejected transition: %s", g.Status)
	}
}

func TestNew_Defaults(t *testing.T) {
	g := goal.New("s", "a", "restock", entity.Ref{}, nil, nil, now)
	if g.Status != goal.StatusActive || g.Parameters == nil || g.Progress == nil {
		t.Fatalf("unexpected defaults: %+v", g)
	}
	if g.ID == "" {
		t.Fatalf("expected id")
	}
}

func TestCanTransition(t *testing.T) {
	statuses := []goal.Status{goal.StatusActive, goal.StatusCompleted, goal.StatusCancelled, goal.StatusFailed}
	for _, from := range statuses {
		for _, to := range statuses {
			want := from == goal.StatusActive && to != goal.StatusActive
			if got := goal.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
		if from.Terminal() == (from == goal.StatusActive) {
			t.Errorf("%s.Terminal() = %v", from, from.Terminal())
		}
	}
}

func TestClose(t *testing.T) {
	tests := []struct {
		to         goal.Status
		reason     string
		wantReason string
	}{
		{to: goal.StatusCompleted, reason: "ignored"},
		{to: goal.StatusCancelled, reason: "ignored"},
		{to: goal.StatusFailed, reason: "supplier dropped the line", wantReason: "supplier dropped the line"},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			g := newGoal(nil)
			if err := g.Close(tt.to, tt.reason, now); err != nil {
				t.Fatalf("close: %v", err)
			}
			if g.Status != tt.to || g.ClosedAt == nil || g.FailureReason != tt.wantReason {
				t.Fatalf("unexpected goal: %+v", g)
			}
		})
	}
}

func TestClose_RejectsNonTerminalTarget(t *testing.T) {
	g := newGoal(nil)
	err := g.Close(goal.StatusActive, "", now)
	var te *goal.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, goal.ErrIllegalTransition) {
		t.Fatalf("expected *TransitionError, got %v", err)
	}
	if te.From != "active" || te.To != "active" {
		t.Fatalf("unexpected transition error: %+v", te)
	}
	if g.Status != goal.StatusActive || g.ClosedAt != nil {
		t.Fatalf("goal changed after rejected close: %+v", g)
	}
}
