// Package learning is the append-only outcome ledger that feeds past results
// back into future agent decisions.
package learning

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSuccessThreshold is the score at or above which an outcome counts as successful.
	DefaultSuccessThreshold = 0.7
	// DefaultRecentDays is the trailing window used by Recent.
	DefaultRecentDays = 30
	// TypeRunOutcome is recorded once per finished run.
	TypeRunOutcome = "run_outcome"
)

var ErrScoreOutOfRange = errors.New("success score must be within [0, 1]")

// Learning is one immutable outcome row.
type Learning struct {
	ID           string         `json:"id"`
	StoreID      string         `json:"store_id"`
	AgentID      string         `json:"agent_id"`
	LearningType string         `json:"learning_type"`
	Context      map[string]any `json:"context"`
	Outcome      map[string]any `json:"outcome"`
	SuccessScore *float64       `json:"success_score,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// New validates and builds a learning row.
func New(storeID, agentID, learningType string, context, outcome map[string]any, score *float64, now time.Time) (Learning, error) {
	if learningType == "" {
		return Learning{}, fmt.Errorf("learning type is required")
	}
	if score != nil {
		if math.IsNaN(*score) || *score < 0 || *score > 1 {
			return Learning{}, fmt.Errorf("%w: got %v", ErrScoreOutOfRange, *score)
		}
		s := *score
		score = &s
	}
	if context == nil {
		context = map[string]any{}
	}
	if outcome == nil {
		outcome = map[string]any{}
	}
	return Learning{
		ID:           uuid.NewString(),
		StoreID:      storeID,
		AgentID:      agentID,
		LearningType: learningType,
		Context:      context,
		Outcome:      outcome,
		SuccessScore: score,
		CreatedAt:    now.UTC(),
	}, nil
}

// Score is a convenience for building optional scores.
func Score(v float64) *float64 {
	return &v
}

// AverageScore is the mean of the non-null scores in rows. ok is false when
// no row carries a score.
func AverageScore(rows []Learning) (avg float64, ok bool) {
	var sum float64
	var n int
	for _, l := range rows {
		if l.SuccessScore == nil {
			continue
		}
		sum += *l.SuccessScore
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Filter selects learning rows. Methods return modified copies so filters can
// be composed without mutating a shared base.
type Filter struct {
	StoreID      string
	AgentID      string
	LearningType string
	MinScore     *float64
	Since        *time.Time
	Limit        int
}

// For scopes the filter to one (store, agent, type) triple.
func For(storeID, agentID, learningType string) Filter {
	return Filter{StoreID: storeID, AgentID: agentID, LearningType: learningType}
}

// Successful keeps rows scored at or above threshold. With no argument the
// default threshold of 0.7 applies.
func (f Filter) Successful(threshold ...float64) Filter {
	t := DefaultSuccessThreshold
	if len(threshold) > 0 {
		t = threshold[0]
	}
	f.MinScore = &t
	return f
}

// Recent keeps rows created within the trailing window ending at now. With
// days <= 0 the default of 30 days applies.
func (f Filter) Recent(days int, now time.Time) Filter {
	if days <= 0 {
		days = DefaultRecentDays
	}
	since := now.UTC().AddDate(0, 0, -days)
	f.Since = &since
	return f
}

// WithLimit caps the number of rows returned.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}
