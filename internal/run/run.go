// Package run implements the AgentRun lifecycle and the actions a run proposes.
//
// Both are explicit finite-state machines. Terminal states are final: any
// transition out of them fails with ErrIllegalTransition.
package run

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// ErrIllegalTransition is wrapped by every rejected state change.
var ErrIllegalTransition = errors.New("illegal state transition")

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusFailed:    {}, // Executor could not start it.
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
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

type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerEvent     TriggerType = "event"
)

func (t TriggerType) Valid() bool {
	return t == TriggerScheduled || t == TriggerManual || t == TriggerEvent
}

// Run is one execution attempt of an agent for one binding.
type Run struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	BindingID     string         `json:"store_agent_binding_id"`
	StoreID       string         `json:"store_id"`
	Status        Status         `json:"status"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerData   map[string]any `json:"trigger_data"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Summary       map[string]any `json:"summary,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	UsageRecordID string         `json:"usage_record_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// New creates a Pending run.
func New(storeID, bindingID, agentID string, trigger TriggerType, data map[string]any, now time.Time) *Run {
	if data == nil {
		data = map[string]any{}
	}
	now = now.UTC()
	return &Run{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		BindingID:   bindingID,
		StoreID:     storeID,
		Status:      StatusPending,
		TriggerType: trigger,
		TriggerData: data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (r *Run) transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{Entity: "run", ID: r.ID, From: string(r.Status), To: string(to)}
	}
	r.Status = to
	r.UpdatedAt = now.UTC()
	return nil
}

// Start moves a Pending run to Running.
func (r *Run) Start(now time.Time) error {
	if err := r.transition(StatusRunning, now); err != nil {
		return err
	}
	t := now.UTC()
	r.StartedAt = &t
	return nil
}

// Complete finishes a Running run with a summary.
func (r *Run) Complete(summary map[string]any, now time.Time) error {
	if err := r.transition(StatusCompleted, now); err != nil {
		return err
	}
	r.finish(now)
	r.Summary = maps.Clone(summary)
	return nil
}

// Fail finishes the run with a free-text error message.
func (r *Run) Fail(message string, now time.Time) error {
	if err := r.transition(StatusFailed, now); err != nil {
		return err
	}
	r.finish(now)
	r.ErrorMessage = message
	return nil
}

// Cancel marks the run cancelled. This only records intent: an in-flight
// executor must observe the cancellation separately.
func (r *Run) Cancel(now time.Time) error {
	if err := r.transition(StatusCancelled, now); err != nil {
		return err
	}
	r.finish(now)
	return nil
}

func (r *Run) finish(now time.Time) {
	t := now.UTC()
	r.CompletedAt = &t
}

// DurationSeconds returns the whole seconds between start and completion.
// ok is false unless both timestamps are set.
func (r Run) DurationSeconds() (seconds int64, ok bool) {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0, false
	}
	return int64(r.CompletedAt.Sub(*r.StartedAt) / time.Second), true
}
