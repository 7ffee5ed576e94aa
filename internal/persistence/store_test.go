package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/persistence"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentcore.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func testAgent(t *testing.T, slug string, mutate ...func(*catalog.Agent)) catalog.Agent {
	t.Helper()
	a := catalog.Agent{Slug: slug, DefaultEnabled: true, DefaultConfig: catalog.Config{"run_frequency": "daily"}}
	for _, m := range mutate {
		m(&a)
	}
	if err := a.Prepare(); err != nil {
		t.Fatalf("prepare agent %s: %v", slug, err)
	}
	return a
}

func seedAgent(t *testing.T, store *persistence.Store, slug string, mutate ...func(*catalog.Agent)) catalog.Agent {
	t.Helper()
	a := testAgent(t, slug, mutate...)
	if err := store.UpsertAgent(context.Background(), a); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	return a
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "agents", "store_agents", "agent_runs", "agent_actions", "agent_goals", "agent_learnings", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerAndReopen(t *testing.T) {
	store, dbPath := openTestStore(t)

	var version int
	var checksum string
	if err := store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if version != 2 || !strings.HasPrefix(checksum, "ac-v2-") {
		t.Fatalf("unexpected ledger row: v%d %q", version, checksum)
	}
	seedAgent(t, store, "inventory-watch")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	slugs, err := reopened.ListAgentSlugs(context.Background())
	if err != nil {
		t.Fatalf("list slugs: %v", err)
	}
	if len(slugs) != 1 || slugs[0] != "inventory-watch" {
		t.Fatalf("agent lost across reopen: %v", slugs)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 2;`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}

func TestStore_AgentUpsertRefreshesDefinition(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := seedAgent(t, store, "price-guard")

	a.Name = "Price Guard"
	a.DefaultEnabled = false
	a.DefaultConfig = catalog.Config{"max_discount": 0.2}
	if err := store.UpsertAgent(ctx, a); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	rec, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if rec.Name != "Price Guard" || rec.DefaultEnabled {
		t.Fatalf("definition not refreshed: %+v", rec)
	}
	if rec.DefaultConfig["max_discount"] != 0.2 {
		t.Fatalf("default_config not refreshed: %v", rec.DefaultConfig)
	}
}
