package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentcore/internal/catalog"
)

// AgentRecord is the stored mirror of a catalog definition.
type AgentRecord struct {
	ID             string
	Slug           string
	Name           string
	Type           catalog.AgentType
	DefaultEnabled bool
	DefaultConfig  catalog.Config
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncAgents upserts catalog definitions so bindings, runs and goals have a
// foreign-key target. Agents missing from the catalog are left in place
// because their historical runs still reference them.
func (s *Store) SyncAgents(ctx context.Context, agents []catalog.Agent) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sync agents tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		for _, a := range agents {
			if err := upsertAgentTx(ctx, tx, a, now); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sync agents tx: %w", err)
		}
		return nil
	})
}

// UpsertAgent writes one catalog definition.
func (s *Store) UpsertAgent(ctx context.Context, a catalog.Agent) error {
	return s.SyncAgents(ctx, []catalog.Agent{a})
}

func upsertAgentTx(ctx context.Context, tx *sql.Tx, a catalog.Agent, now time.Time) error {
	cfg, err := encodeMap(a.DefaultConfig)
	if err != nil {
		return fmt.Errorf("encode default_config for %s: %w", a.Slug, err)
	}
	var schema sql.NullString
	if len(a.ConfigSchema) > 0 {
		b, err := json.Marshal(a.ConfigSchema)
		if err != nil {
			return fmt.Errorf("encode config_schema for %s: %w", a.Slug, err)
		}
		schema = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, slug, name, type, default_enabled, default_config, config_schema, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug = excluded.slug,
			name = excluded.name,
			type = excluded.type,
			default_enabled = excluded.default_enabled,
			default_config = excluded.default_config,
			config_schema = excluded.config_schema,
			updated_at = excluded.updated_at;
	`, a.ID, a.Slug, a.Name, string(a.Type), boolToInt(a.DefaultEnabled), cfg, schema, now, now); err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.Slug, err)
	}
	return nil
}

// GetAgent loads a stored agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var rec AgentRecord
	var enabled int
	var cfg string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, name, type, default_enabled, default_config, created_at, updated_at
		FROM agents WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Slug, &rec.Name, &rec.Type, &enabled, &cfg, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	rec.DefaultEnabled = enabled != 0
	m, err := decodeMap(cfg)
	if err != nil {
		return nil, fmt.Errorf("decode default_config: %w", err)
	}
	rec.DefaultConfig = catalog.Config(m)
	return &rec, nil
}

// ListAgentSlugs returns every stored slug, sorted.
func (s *Store) ListAgentSlugs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug FROM agents ORDER BY slug ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan agent slug: %w", err)
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}
