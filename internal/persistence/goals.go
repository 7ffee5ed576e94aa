package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/goal"
)

const goalColumns = `id, store_id, agent_id, goal_type, target_kind, target_id, parameters, status, progress,
	deadline_at, COALESCE(failure_reason, ''), closed_at, created_at, updated_at`

func scanGoal(scanFn func(dest ...any) error, g *goal.Goal) error {
	var params, progress string
	var deadline, closed sql.NullTime
	if err := scanFn(
		&g.ID,
		&g.StoreID,
		&g.AgentID,
		&g.GoalType,
		&g.Target.Kind,
		&g.Target.ID,
		&params,
		&g.Status,
		&progress,
		&deadline,
		&g.FailureReason,
		&closed,
		&g.CreatedAt,
		&g.UpdatedAt,
	); err != nil {
		return err
	}
	var err error
	if g.Parameters, err = decodeMap(params); err != nil {
		return fmt.Errorf("decode goal parameters: %w", err)
	}
	if g.Progress, err = decodeMap(progress); err != nil {
		return fmt.Errorf("decode goal progress: %w", err)
	}
	g.DeadlineAt = timePtr(deadline)
	g.ClosedAt = timePtr(closed)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return nil
}

func goalEvent(g *goal.Goal) bus.GoalEvent {
	return bus.GoalEvent{
		GoalID:   g.ID,
		StoreID:  g.StoreID,
		AgentID:  g.AgentID,
		Status:   string(g.Status),
		Progress: g.Progress,
		Reason:   g.FailureReason,
	}
}

func (s *Store) CreateGoal(ctx context.Context, g *goal.Goal) error {
	params, err := encodeMap(g.Parameters)
	if err != nil {
		return fmt.Errorf("encode goal parameters: %w", err)
	}
	progress, err := encodeMap(g.Progress)
	if err != nil {
		return fmt.Errorf("encode goal progress: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_goals (id, store_id, agent_id, goal_type, target_kind, target_id, parameters,
				status, progress, deadline_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, g.ID, g.StoreID, g.AgentID, g.GoalType, g.Target.Kind, g.Target.ID, params,
			string(g.Status), progress, nullableTime(g.DeadlineAt), g.CreatedAt.UTC(), g.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert goal: %w", err)
		}
		return nil
	})
}

func (s *Store) GetGoal(ctx context.Context, id string) (*goal.Goal, error) {
	var g goal.Goal
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM agent_goals WHERE id = ?;`, id)
	if err := scanGoal(row.Scan, &g); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get goal: %w", err)
	}
	return &g, nil
}

// SaveGoal persists g after an in-memory change from status from. Progress
// updates keep the status, so from equals g.Status for them.
func (s *Store) SaveGoal(ctx context.Context, g *goal.Goal, from goal.Status) error {
	progress, err := encodeMap(g.Progress)
	if err != nil {
		return fmt.Errorf("encode goal progress: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save goal tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_goals
			SET status = ?, progress = ?, failure_reason = NULLIF(?, ''), closed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, string(g.Status), progress, g.FailureReason, nullableTime(g.ClosedAt), g.UpdatedAt.UTC(), g.ID, string(from))
		if err != nil {
			return fmt.Errorf("update goal: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save goal rows affected: %w", err)
		}
		if affected != 1 {
			return s.notFoundOr(ctx, tx, "agent_goals", g.ID)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	topic := bus.TopicGoalProgress
	if g.Status.Terminal() {
		topic = bus.TopicGoalClosed
	}
	s.publish(topic, goalEvent(g))
	return nil
}

// GoalFilter selects goals. Zero fields do not filter.
type GoalFilter struct {
	StoreID  string
	AgentID  string
	GoalType string
	Status   goal.Status
	Limit    int
}

// ListGoals returns matching goals, oldest first.
func (s *Store) ListGoals(ctx context.Context, f GoalFilter) ([]*goal.Goal, error) {
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
	if f.GoalType != "" {
		where = append(where, "goal_type = ?")
		args = append(args, f.GoalType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + goalColumns + ` FROM agent_goals`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryGoals(ctx, q, args...)
}

// ActiveGoals returns the open goals an agent pursues for one store.
func (s *Store) ActiveGoals(ctx context.Context, storeID, agentID string) ([]*goal.Goal, error) {
	return s.ListGoals(ctx, GoalFilter{StoreID: storeID, AgentID: agentID, Status: goal.StatusActive})
}

// OverdueGoals returns active goals whose deadline is before now. Reading
// them changes nothing; the caller decides whether to fail them.
func (s *Store) OverdueGoals(ctx context.Context, now time.Time, limit int) ([]*goal.Goal, error) {
	q := `SELECT ` + goalColumns + ` FROM agent_goals
		WHERE status = 'active' AND deadline_at IS NOT NULL AND deadline_at < ?
		ORDER BY deadline_at ASC, id ASC`
	args := []any{now.UTC()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryGoals(ctx, q, args...)
}

func (s *Store) queryGoals(ctx context.Context, query string, args ...any) ([]*goal.Goal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()
	var out []*goal.Goal
	for rows.Next() {
		var g goal.Goal
		if err := scanGoal(rows.Scan, &g); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}
