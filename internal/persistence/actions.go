package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/run"
)

const actionColumns = `id, run_id, store_id, agent_id, kind, target_kind, target_id, payload, status, decision,
	COALESCE(decided_by, ''), COALESCE(error, ''), created_at, decided_at, executed_at`

func scanAction(scanFn func(dest ...any) error, a *run.Action) error {
	var payload string
	var decidedAt, executedAt sql.NullTime
	if err := scanFn(
		&a.ID,
		&a.RunID,
		&a.StoreID,
		&a.AgentID,
		&a.Kind,
		&a.Target.Kind,
		&a.Target.ID,
		&payload,
		&a.Status,
		&a.Decision,
		&a.DecidedBy,
		&a.Error,
		&a.CreatedAt,
		&decidedAt,
		&executedAt,
	); err != nil {
		return err
	}
	var err error
	if a.Payload, err = decodeMap(payload); err != nil {
		return fmt.Errorf("decode action payload: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.DecidedAt = timePtr(decidedAt)
	a.ExecutedAt = timePtr(executedAt)
	return nil
}

// InsertAction stores a newly proposed action.
func (s *Store) InsertAction(ctx context.Context, a *run.Action) error {
	payload, err := encodeMap(a.Payload)
	if err != nil {
		return fmt.Errorf("encode action payload: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_actions (id, run_id, store_id, agent_id, kind, target_kind, target_id, payload,
				status, decision, decided_by, error, created_at, decided_at, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
		`, a.ID, a.RunID, a.StoreID, a.AgentID, a.Kind, a.Target.Kind, a.Target.ID, payload,
			string(a.Status), string(a.Decision), a.DecidedBy, a.Error, a.CreatedAt.UTC(),
			nullableTime(a.DecidedAt), nullableTime(a.ExecutedAt))
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAction(ctx context.Context, id string) (*run.Action, error) {
	var a run.Action
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id = ?;`, id)
	if err := scanAction(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// SaveAction persists a after an in-memory transition from status from.
// Like SaveRun it only lands if the stored status still equals from, so an
// action cannot be approved twice.
func (s *Store) SaveAction(ctx context.Context, a *run.Action, from run.ActionStatus) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save action tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_actions
			SET status = ?, decision = ?, decided_by = NULLIF(?, ''), error = NULLIF(?, ''),
				decided_at = ?, executed_at = ?
			WHERE id = ? AND status = ?;
		`, string(a.Status), string(a.Decision), a.DecidedBy, a.Error,
			nullableTime(a.DecidedAt), nullableTime(a.ExecutedAt), a.ID, string(from))
		if err != nil {
			return fmt.Errorf("update action: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save action rows affected: %w", err)
		}
		if affected != 1 {
			return s.notFoundOr(ctx, tx, "agent_actions", a.ID)
		}
		return tx.Commit()
	})
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]*run.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*run.Action
	for rows.Next() {
		var a run.Action
		if err := scanAction(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListActions returns a run's actions in proposal order.
func (s *Store) ListActions(ctx context.Context, runID string) ([]*run.Action, error) {
	out, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE run_id = ? ORDER BY created_at ASC, rowid ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

// ListActionsAwaitingApproval returns the approval queue of a store, oldest first.
func (s *Store) ListActionsAwaitingApproval(ctx context.Context, storeID string) ([]*run.Action, error) {
	out, err := s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM agent_actions
		WHERE store_id = ? AND status = 'pending' AND decision = 'queue'
		ORDER BY created_at ASC, rowid ASC;
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list approval queue: %w", err)
	}
	return out, nil
}

// ListActionsByTarget returns actions aimed at one domain entity, newest first.
func (s *Store) ListActionsByTarget(ctx context.Context, storeID string, target entity.Ref) ([]*run.Action, error) {
	out, err := s.queryActions(ctx, `
		SELECT `+actionColumns+` FROM agent_actions
		WHERE store_id = ? AND target_kind = ? AND target_id = ?
		ORDER BY created_at DESC, rowid DESC;
	`, storeID, target.Kind, target.ID)
	if err != nil {
		return nil, fmt.Errorf("list actions by target: %w", err)
	}
	return out, nil
}

// ActionCounts tallies a run's actions by status.
func (s *Store) ActionCounts(ctx context.Context, runID string) (run.ActionCounts, error) {
	var counts run.ActionCounts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agent_actions WHERE run_id = ? GROUP BY status;`, runID)
	if err != nil {
		return counts, fmt.Errorf("action counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status run.ActionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan action count: %w", err)
		}
		counts.Add(status, n)
	}
	return counts, rows.Err()
}
