package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/run"
)

const runColumns = `id, agent_id, store_agent_binding_id, store_id, status, trigger_type, trigger_data,
	started_at, completed_at, COALESCE(summary, ''), COALESCE(error_message, ''), COALESCE(usage_record_id, ''),
	created_at, updated_at`

func runEvent(r *run.Run) bus.RunEvent {
	return bus.RunEvent{
		RunID:       r.ID,
		StoreID:     r.StoreID,
		AgentID:     r.AgentID,
		TriggerType: string(r.TriggerType),
		Status:      string(r.Status),
		Error:       r.ErrorMessage,
	}
}

func scanRun(scanFn func(dest ...any) error, r *run.Run) error {
	var triggerData, summary string
	var startedAt, completedAt sql.NullTime
	if err := scanFn(
		&r.ID,
		&r.AgentID,
		&r.BindingID,
		&r.StoreID,
		&r.Status,
		&r.TriggerType,
		&triggerData,
		&startedAt,
		&completedAt,
		&summary,
		&r.ErrorMessage,
		&r.UsageRecordID,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return err
	}
	var err error
	if r.TriggerData, err = decodeMap(triggerData); err != nil {
		return fmt.Errorf("decode trigger_data: %w", err)
	}
	if summary != "" {
		if r.Summary, err = decodeMap(summary); err != nil {
			return fmt.Errorf("decode summary: %w", err)
		}
	}
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return nil
}

func insertRunTx(ctx context.Context, tx *sql.Tx, r *run.Run) error {
	data, err := encodeMap(r.TriggerData)
	if err != nil {
		return fmt.Errorf("encode trigger_data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_id, store_agent_binding_id, store_id, status, trigger_type, trigger_data,
			usage_record_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?);
	`, r.ID, r.AgentID, r.BindingID, r.StoreID, string(r.Status), string(r.TriggerType), data,
		r.UsageRecordID, r.CreatedAt.UTC(), r.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CreateRun inserts a run created outside the scheduler's claim path
// (manual and event triggers). next_run_at is not touched.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := insertRunTx(ctx, tx, r); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicRunCreated, runEvent(r))
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	var r run.Run
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?;`, id)
	if err := scanRun(row.Scan, &r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// SaveRun persists r after an in-memory transition from status from. The
// write only lands if the stored status still equals from, so two writers
// cannot both finalize the same run.
func (s *Store) SaveRun(ctx context.Context, r *run.Run, from run.Status) error {
	var summary sql.NullString
	if r.Summary != nil {
		raw, err := encodeMap(r.Summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		summary = sql.NullString{String: raw, Valid: true}
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin save run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = ?, started_at = ?, completed_at = ?, summary = ?,
				error_message = NULLIF(?, ''), usage_record_id = NULLIF(?, ''), updated_at = ?
			WHERE id = ? AND status = ?;
		`, string(r.Status), nullableTime(r.StartedAt), nullableTime(r.CompletedAt), summary,
			r.ErrorMessage, r.UsageRecordID, r.UpdatedAt.UTC(), r.ID, string(from))
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save run rows affected: %w", err)
		}
		if affected != 1 {
			return s.notFoundOr(ctx, tx, "agent_runs", r.ID)
		}
		return tx.Commit()
	})
}

// RunFilter selects runs for reporting. Zero fields do not filter.
type RunFilter struct {
	StoreID   string
	AgentID   string
	BindingID string
	Statuses  []run.Status
	Since     *time.Time // created_at >= Since
	Until     *time.Time // created_at < Until
	Limit     int
}

// ListRuns returns matching runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*run.Run, error) {
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
	if f.BindingID != "" {
		where = append(where, "store_agent_binding_id = ?")
		args = append(args, f.BindingID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	q := `SELECT ` + runColumns + ` FROM agent_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []*run.Run
	for rows.Next() {
		var r run.Run
		if err := scanRun(rows.Scan, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListRecentRuns returns the newest runs of a store.
func (s *Store) ListRecentRuns(ctx context.Context, storeID string, limit int) ([]*run.Run, error) {
	return s.ListRuns(ctx, RunFilter{StoreID: storeID, Limit: limit})
}

// ListRunsOnDay returns runs created during the UTC calendar day containing day.
func (s *Store) ListRunsOnDay(ctx context.Context, storeID string, day time.Time) ([]*run.Run, error) {
	d := day.UTC()
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	return s.ListRuns(ctx, RunFilter{StoreID: storeID, Since: &start, Until: &end})
}

// ListRunsByOutcome returns completed runs when successful is true and failed
// runs otherwise. Cancelled runs are in neither set.
func (s *Store) ListRunsByOutcome(ctx context.Context, storeID string, successful bool, limit int) ([]*run.Run, error) {
	status := run.StatusFailed
	if successful {
		status = run.StatusCompleted
	}
	return s.ListRuns(ctx, RunFilter{StoreID: storeID, Statuses: []run.Status{status}, Limit: limit})
}

// ListRunsForBinding returns the newest runs of one binding.
func (s *Store) ListRunsForBinding(ctx context.Context, bindingID string, limit int) ([]*run.Run, error) {
	return s.ListRuns(ctx, RunFilter{BindingID: bindingID, Limit: limit})
}

// RecoverInterruptedRuns fails runs left pending or running by a previous
// process. Their executors are gone, so no one else will finalize them.
func (s *Store) RecoverInterruptedRuns(ctx context.Context, now time.Time) (int64, error) {
	var recovered int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_runs
			SET status = 'failed', error_message = 'interrupted by restart',
				completed_at = ?, updated_at = ?
			WHERE status IN ('pending', 'running');
		`, now.UTC(), now.UTC())
		if err != nil {
			return err
		}
		recovered, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	return recovered, nil
}
