package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/binding"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
)

const bindingColumns = `id, store_id, agent_id, is_enabled, config, permission_level, last_run_at, next_run_at, created_at, updated_at`

func scanBinding(scanFn func(dest ...any) error, b *binding.Binding) error {
	var enabled int
	var cfg string
	var lastRun, nextRun sql.NullTime
	if err := scanFn(
		&b.ID,
		&b.StoreID,
		&b.AgentID,
		&enabled,
		&cfg,
		&b.Permission,
		&lastRun,
		&nextRun,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return err
	}
	b.Enabled = enabled != 0
	m, err := decodeMap(cfg)
	if err != nil {
		return fmt.Errorf("decode binding config: %w", err)
	}
	b.Config = catalog.Config(m)
	b.LastRunAt = timePtr(lastRun)
	b.NextRunAt = timePtr(nextRun)
	return nil
}

func (s *Store) queryBindings(ctx context.Context, query string, args ...any) ([]binding.Binding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []binding.Binding
	for rows.Next() {
		var b binding.Binding
		if err := scanBinding(rows.Scan, &b); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetOrCreateBinding returns the binding for (storeID, agent), creating it
// from the agent's defaults on first association. Idempotent.
func (s *Store) GetOrCreateBinding(ctx context.Context, storeID string, agent catalog.Agent) (binding.Binding, error) {
	fresh := binding.New(storeID, agent)
	fresh.ID = uuid.NewString()
	now := time.Now().UTC()

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO store_agents (id, store_id, agent_id, is_enabled, config, permission_level, created_at, updated_at)
			VALUES (?, ?, ?, ?, '{}', ?, ?, ?)
			ON CONFLICT(store_id, agent_id) DO NOTHING;
		`, fresh.ID, storeID, agent.ID, boolToInt(fresh.Enabled), string(fresh.Permission), now, now)
		return err
	})
	if err != nil {
		return binding.Binding{}, fmt.Errorf("create binding: %w", err)
	}
	return s.FindBinding(ctx, storeID, agent.ID)
}

// FindBinding loads the binding for (storeID, agentID).
func (s *Store) FindBinding(ctx context.Context, storeID, agentID string) (binding.Binding, error) {
	var b binding.Binding
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM store_agents WHERE store_id = ? AND agent_id = ?;`, storeID, agentID)
	if err := scanBinding(row.Scan, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return binding.Binding{}, fmt.Errorf("binding %s/%s: %w", storeID, agentID, ErrNotFound)
		}
		return binding.Binding{}, fmt.Errorf("find binding: %w", err)
	}
	return b, nil
}

// GetBinding loads a binding by id.
func (s *Store) GetBinding(ctx context.Context, id string) (binding.Binding, error) {
	var b binding.Binding
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingColumns+` FROM store_agents WHERE id = ?;`, id)
	if err := scanBinding(row.Scan, &b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return binding.Binding{}, fmt.Errorf("binding %s: %w", id, ErrNotFound)
		}
		return binding.Binding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// ListBindings returns every binding of one store.
func (s *Store) ListBindings(ctx context.Context, storeID string) ([]binding.Binding, error) {
	out, err := s.queryBindings(ctx, `SELECT `+bindingColumns+` FROM store_agents WHERE store_id = ? ORDER BY created_at ASC, id ASC;`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return out, nil
}

func (s *Store) updateBinding(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE store_agents SET `+set+`, updated_at = ? WHERE id = ?;`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update binding: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("binding %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) SetBindingEnabled(ctx context.Context, id string, enabled bool) error {
	return s.updateBinding(ctx, id, `is_enabled = ?`, boolToInt(enabled))
}

func (s *Store) SetBindingPermission(ctx context.Context, id string, level policy.PermissionLevel) error {
	if !level.Valid() {
		return fmt.Errorf("set binding permission: unknown level %q", level)
	}
	return s.updateBinding(ctx, id, `permission_level = ?`, string(level))
}

// SetBindingConfig replaces the tenant overrides. The merged result must pass
// the agent's config schema.
func (s *Store) SetBindingConfig(ctx context.Context, id string, agent catalog.Agent, overrides catalog.Config) error {
	b, err := s.GetBinding(ctx, id)
	if err != nil {
		return err
	}
	if b.AgentID != agent.ID {
		return fmt.Errorf("binding %s belongs to agent %s, not %s", id, b.AgentID, agent.Slug)
	}
	if err := agent.ValidateConfig(agent.MergedConfig(overrides)); err != nil {
		return err
	}
	raw, err := encodeMap(overrides)
	if err != nil {
		return fmt.Errorf("encode binding config: %w", err)
	}
	return s.updateBinding(ctx, id, `config = ?`, raw)
}

// ResetNextRun is the manual override of the schedule. A nil at makes the
// binding due on the next tick.
func (s *Store) ResetNextRun(ctx context.Context, id string, at *time.Time) error {
	return s.updateBinding(ctx, id, `next_run_at = ?`, nullableTime(at))
}

// MarkBindingRun records last_run_at.
func (s *Store) MarkBindingRun(ctx context.Context, id string, at time.Time) error {
	return s.updateBinding(ctx, id, `last_run_at = ?`, at.UTC())
}

// StoresWithDueBindings lists tenants with at least one due binding.
func (s *Store) StoresWithDueBindings(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT store_id FROM store_agents
		WHERE is_enabled = 1 AND permission_level != 'blocked'
			AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY store_id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("stores with due bindings: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan store id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DueBindings returns the due bindings of one store, never-run first.
func (s *Store) DueBindings(ctx context.Context, storeID string, now time.Time) ([]binding.Binding, error) {
	out, err := s.queryBindings(ctx, `
		SELECT `+bindingColumns+` FROM store_agents
		WHERE store_id = ? AND is_enabled = 1 AND permission_level != 'blocked'
			AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY next_run_at IS NOT NULL, next_run_at ASC, created_at ASC;
	`, storeID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due bindings: %w", err)
	}
	return out, nil
}

// ClaimBinding moves next_run_at from the value observed on b to next and
// inserts r, in one transaction. If another writer changed next_run_at, or
// the binding stopped being runnable, nothing is written and ErrClaimLost is
// returned.
func (s *Store) ClaimBinding(ctx context.Context, b binding.Binding, next time.Time, r *run.Run) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE store_agents
			SET next_run_at = ?, updated_at = ?
			WHERE id = ? AND is_enabled = 1 AND permission_level != 'blocked'
				AND next_run_at IS ?;
		`, next.UTC(), r.CreatedAt.UTC(), b.ID, nullableTime(b.NextRunAt))
		if err != nil {
			return fmt.Errorf("claim binding: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			return ErrClaimLost
		}
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
