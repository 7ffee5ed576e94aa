package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basket/agentcore/internal/learning"
)

// RecordLearning appends a row. There is no update or delete path; the table
// rejects both.
func (s *Store) RecordLearning(ctx context.Context, l learning.Learning) error {
	if strings.TrimSpace(l.LearningType) == "" {
		return fmt.Errorf("record learning: learning type is required")
	}
	if l.SuccessScore != nil && (*l.SuccessScore < 0 || *l.SuccessScore > 1) {
		return fmt.Errorf("record learning: %w: got %v", learning.ErrScoreOutOfRange, *l.SuccessScore)
	}
	lctx, err := encodeMap(l.Context)
	if err != nil {
		return fmt.Errorf("encode learning context: %w", err)
	}
	outcome, err := encodeMap(l.Outcome)
	if err != nil {
		return fmt.Errorf("encode learning outcome: %w", err)
	}
	var score sql.NullFloat64
	if l.SuccessScore != nil {
		score = sql.NullFloat64{Float64: *l.SuccessScore, Valid: true}
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_learnings (id, store_id, agent_id, learning_type, context, outcome, success_score, run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?);
		`, l.ID, l.StoreID, l.AgentID, l.LearningType, lctx, outcome, score, l.RunID, l.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert learning: %w", err)
		}
		return nil
	})
}

// AverageScore is the mean non-null success_score for the triple. ok is
// false when no scored row exists.
func (s *Store) AverageScore(ctx context.Context, storeID, agentID, learningType string) (avg float64, ok bool, err error) {
	var v sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG(success_score) FROM agent_learnings
		WHERE store_id = ? AND agent_id = ? AND learning_type = ? AND success_score IS NOT NULL;
	`, storeID, agentID, learningType).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("average score: %w", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Float64, true, nil
}

// ListLearnings returns rows matching f, newest first.
func (s *Store) ListLearnings(ctx context.Context, f learning.Filter) ([]learning.Learning, error) {
	var where []string
	var args []any
	if f.StoreID != "" {
		where = append(where, "store_id = ?")
		args = append(args, f.StoreID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.LearningType != "" {
		where = append(where, "learning_type = ?")
		args = append(args, f.LearningType)
	}
	if f.MinScore != nil {
		where = append(where, "success_score IS NOT NULL AND success_score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	q := `SELECT id, store_id, agent_id, learning_type, context, outcome, success_score, COALESCE(run_id, ''), created_at
		FROM agent_learnings`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list learnings: %w", err)
	}
	defer rows.Close()
	var out []learning.Learning
	for rows.Next() {
		var l learning.Learning
		var lctx, outcome string
		var score sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.StoreID, &l.AgentID, &l.LearningType, &lctx, &outcome, &score, &l.RunID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		if l.Context, err = decodeMap(lctx); err != nil {
			return nil, fmt.Errorf("decode learning context: %w", err)
		}
		if l.Outcome, err = decodeMap(outcome); err != nil {
			return nil, fmt.Errorf("decode learning outcome: %w", err)
		}
		if score.Valid {
			v := score.Float64
			l.SuccessScore = &v
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
