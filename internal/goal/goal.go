// Package goal tracks longer-horizon objectives an agent pursues across runs.
package goal

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/entity"
)

// ErrIllegalTransition is wrapped when a goal is moved out of a terminal state
// or its progress is updated after it closed.
var ErrIllegalTransition = errors.New("illegal goal transition")

// TransitionError describes a rejected goal state change.
type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("goal %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusActive: {
		StatusCompleted: {},
		StatusCancelled: {},
		StatusFailed:    {},
	},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	_, open := allowedTransitions[s]
	return !open
}

// Goal is an objective with incremental progress and an optional deadline.
// Target is opaque here; callers resolve it through an entity.Registry.
type Goal struct {
	ID            string         `json:"id"`
	StoreID       string         `json:"store_id"`
	AgentID       string         `json:"agent_id"`
	GoalType      string         `json:"goal_type"`
	Target        entity.Ref     `json:"target"`
	Parameters    map[string]any `json:"parameters"`
	Status        Status         `json:"status"`
	Progress      map[string]any `json:"progress"`
	DeadlineAt    *time.Time     `json:"deadline_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New creates an active goal.
func New(storeID, agentID, goalType string, target entity.Ref, params map[string]any, deadline *time.Time, now time.Time) *Goal {
	if params == nil {
		params = map[string]any{}
	}
	if deadline != nil {
		d := deadline.UTC()
		deadline = &d
	}
	now = now.UTC()
	return &Goal{
		ID:         uuid.NewString(),
		StoreID:    storeID,
		AgentID:    agentID,
		GoalType:   goalType,
		Target:     target,
		Parameters: params,
		Status:     StatusActive,
		Progress:   map[string]any{},
		DeadlineAt: deadline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (g *Goal) illegal(to string) error {
	return &TransitionError{ID: g.ID, From: string(g.Status), To: to}
}

// UpdateProgress shallow-merges delta into Progress. Keys in delta overwrite;
// keys absent from delta are kept. Nothing is ever deleted.
func (g *Goal) UpdateProgress(delta map[string]any, now time.Time) error {
	if g.Status.Terminal() {
		return g.illegal("progress")
	}
	if g.Progress == nil {
		g.Progress = make(map[string]any, len(delta))
	}
	maps.Copy(g.Progress, delta)
	g.UpdatedAt = now.UTC()
	return nil
}

// IsOverdue is true iff the goal is active and its deadline has passed.
// It never changes the goal's status.
func (g Goal) IsOverdue(now time.Time) bool {
	return g.Status == StatusActive && g.DeadlineAt != nil && g.DeadlineAt.Before(now)
}

func (g *Goal) close(to Status, now time.Time) error {
	if !CanTransition(g.Status, to) {
		return g.illegal(string(to))
	}
	t := now.UTC()
	g.Status = to
	g.ClosedAt = &t
	g.UpdatedAt = t
	return nil
}

func (g *Goal) Complete(now time.Time) error {
	return g.close(StatusCompleted, now)
}

func (g *Goal) Cancel(now time.Time) error {
	return g.close(StatusCancelled, now)
}

// Fail closes the goal. A failed goal is not retried; create a new one.
func (g *Goal) Fail(reason string, now time.Time) error {
	if err := g.close(StatusFailed, now); err != nil {
		return err
	}
	g.FailureReason = reason
	return nil
}

// Close moves the goal to the terminal status to. reason is kept only for
// failed goals.
func (g *Goal) Close(to Status, reason string, now time.Time) error {
	switch to {
	case StatusCompleted:
		return g.Complete(now)
	case StatusCancelled:
		return g.Cancel(now)
	case StatusFailed:
		return g.Fail(reason, now)
	default:
		return g.illegal(string(to))
	}
}
