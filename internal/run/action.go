package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/policy"
)

type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

func (s ActionStatus) Terminal() bool {
	return s == ActionRejected || s == ActionExecuted || s == ActionFailed
}

var allowedActionTransitions = map[ActionStatus]map[ActionStatus]struct{}{
	ActionPending: {
		ActionApproved: {},
		ActionRejected: {},
	},
	ActionApproved: {
		ActionExecuted: {},
		ActionFailed:   {},
	},
}

// AutoApprover is recorded as the approver of actions applied under Auto.
const AutoApprover = "policy:auto"

// Action is a single proposed mutation produced during a run.
type Action struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	StoreID    string          `json:"store_id"`
	AgentID    string          `json:"agent_id"`
	Kind       string          `json:"kind"`
	Target     entity.Ref      `json:"target"`
	Payload    map[string]any  `json:"payload"`
	Status     ActionStatus    `json:"status"`
	Decision   policy.Decision `json:"decision"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
}

// NewAction creates a pending action belonging to r.
func NewAction(r *Run, kind string, target entity.Ref, payload map[string]any, now time.Time) *Action {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Action{
		ID:        uuid.NewString(),
		RunID:     r.ID,
		StoreID:   r.StoreID,
		AgentID:   r.AgentID,
		Kind:      kind,
		Target:    target,
		Payload:   payload,
		Status:    ActionPending,
		CreatedAt: now.UTC(),
	}
}

func (a *Action) transition(to ActionStatus) error {
	next, ok := allowedActionTransitions[a.Status]
	if ok {
		_, ok = next[to]
	}
	if !ok {
		return &TransitionError{Entity: "action", ID: a.ID, From: string(a.Status), To: string(to)}
	}
	a.Status = to
	return nil
}

// Approve clears the action for application by the mutation layer.
func (a *Action) Approve(by string, now time.Time) error {
	if err := a.transition(ActionApproved); err != nil {
		return err
	}
	t := now.UTC()
	a.DecidedBy = by
	a.DecidedAt = &t
	return nil
}

// Reject closes the action without applying it.
func (a *Action) Reject(by, reason string, now time.Time) error {
	if err := a.transition(ActionRejected); err != nil {
		return err
	}
	t := now.UTC()
	a.DecidedBy = by
	a.DecidedAt = &t
	a.Error = reason
	return nil
}

// MarkExecuted records a successful application.
func (a *Action) MarkExecuted(now time.Time) error {
	if err := a.transition(ActionExecuted); err != nil {
		return err
	}
	t := now.UTC()
	a.ExecutedAt = &t
	return nil
}

// MarkFailed records a failed application.
func (a *Action) MarkFailed(message string, now time.Time) error {
	if err := a.transition(ActionFailed); err != nil {
		return err
	}
	t := now.UTC()
	a.ExecutedAt = &t
	a.Error = message
	return nil
}

// ActionCounts tallies a run's actions by status. Reporting only.
type ActionCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Executed int `json:"executed"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// Total is the number of actions counted.
func (c ActionCounts) Total() int {
	return c.Pending + c.Approved + c.Executed + c.Rejected + c.Failed
}

// Add increments the counter for status.
func (c *ActionCounts) Add(status ActionStatus, n int) {
	switch status {
	case ActionPending:
		c.Pending += n
	case ActionApproved:
		c.Approved += n
	case ActionExecuted:
		c.Executed += n
	case ActionRejected:
		c.Rejected += n
	case ActionFailed:
		c.Failed += n
	}
}
