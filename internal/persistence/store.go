// Package persistence is the SQLite store behind the agent core: the agent
// catalog mirror, store bindings, runs and their actions, goals, and the
// learning ledger.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "ac-v1-2026-09-28-agent-core"

	// v2 adds the action decision column and the approval queue index.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ac-v2-2026-10-06-action-queue"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when another scheduler moved next_run_at first.
	ErrClaimLost = errors.New("binding claim lost")
	// ErrConflict is returned when a save observes a status other than the
	// one the caller loaded.
	ErrConflict = errors.New("concurrent modification")
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore", "agentcore.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	// Phase 1: tables.
	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			type TEXT NOT NULL CHECK(type IN ('background', 'event_triggered', 'goal_oriented')),
			default_enabled INTEGER NOT NULL DEFAULT 0,
			default_config TEXT NOT NULL DEFAULT '{}',
			config_schema TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS store_agents (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			is_enabled INTEGER NOT NULL DEFAULT 0,
			config TEXT NOT NULL DEFAULT '{}',
			permission_level TEXT NOT NULL DEFAULT 'approve' CHECK(permission_level IN ('auto', 'approve', 'blocked')),
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(store_id, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			store_agent_binding_id TEXT NOT NULL REFERENCES store_agents(id),
			store_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			trigger_type TEXT NOT NULL CHECK(trigger_type IN ('scheduled', 'manual', 'event')),
			trigger_data TEXT NOT NULL DEFAULT '{}',
			started_at DATETIME,
			completed_at DATETIME,
			summary TEXT,
			error_message TEXT,
			usage_record_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_actions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
			store_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			target_kind TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'rejected', 'executed', 'failed')),
			decided_by TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			decided_at DATETIME,
			executed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS agent_goals (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			goal_type TEXT NOT NULL,
			target_kind TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			parameters TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('active', 'completed', 'cancelled', 'failed')),
			progress TEXT NOT NULL DEFAULT '{}',
			deadline_at DATETIME,
			failure_reason TEXT,
			closed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_learnings (
			id TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			learning_type TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			outcome TEXT NOT NULL DEFAULT '{}',
			success_score REAL CHECK(success_score IS NULL OR (success_score >= 0 AND success_score <= 1)),
			run_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			store_id TEXT,
			agent_id TEXT,
			run_id TEXT,
			action_id TEXT,
			action_kind TEXT,
			permission_level TEXT,
			decision TEXT NOT NULL,
			reason TEXT,
			actor TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// Learnings and the audit trail are append-only.
		`CREATE TRIGGER IF NOT EXISTS agent_learnings_no_update BEFORE UPDATE ON agent_learnings
		BEGIN SELECT RAISE(ABORT, 'agent_learnings is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS agent_learnings_no_delete BEFORE DELETE ON agent_learnings
		BEGIN SELECT RAISE(ABORT, 'agent_learnings is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_update BEFORE UPDATE ON audit_log
		BEGIN SELECT RAISE(ABORT, 'audit_log is append-only'); END;`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: v2 column, idempotent for databases created at v1.
	if maxVersion < schemaVersionV2 {
		if err := addColumnIfMissing(ctx, tx, "agent_actions", "decision", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_store_agents_due ON store_agents(store_id, is_enabled, permission_level, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_binding ON agent_runs(store_agent_binding_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_store_created ON agent_runs(store_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_actions_run ON agent_actions(run_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_actions_queue ON agent_actions(store_id, status, decision);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_goals_active ON agent_goals(status, deadline_at);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_goals_store_agent ON agent_goals(store_id, agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_agent_learnings_triple ON agent_learnings(store_id, agent_id, learning_type, created_at DESC);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(ctx, audit.Entry{
		ActionKind: "data.migration",
		Decision:   "apply",
		Reason:     fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest),
		Actor:      "system",
	})
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return fmt.Errorf("scan table_info %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableTime binds an optional timestamp, normalized to UTC so that the
// text encoding compares correctly.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(raw string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// notFoundOr returns ErrNotFound if the row is missing, otherwise ErrConflict.
func (s *Store) notFoundOr(ctx context.Context, tx *sql.Tx, table, id string) error {
	var n int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE id = ?;", table), id).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrConflict)
}
