package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentcore/internal/catalog"
)

const sampleCatalog = `
agents:
  - slug: inventory-restock
    name: Inventory restock
    type: background
    default_enabled: true
    default_config:
      run_frequency: daily
      threshold: 5
    config_schema:
      type: object
      properties:
        run_frequency:
          enum: [hourly, every_six_hours, every_twelve_hours, daily, weekly, monthly]
        threshold:
          type: integer
          minimum: 0
  - slug: price-watch
    type: event_triggered
`

func TestMergeConfig_OverrideWinsPerKey(t *testing.T) {
	defaults := catalog.Config{"run_frequency": "daily", "threshold": 5, "nested": map[string]any{"a": 1, "b": 2}}
	overrides := catalog.Config{"threshold": 10, "nested": map[string]any{"a": 9}}

	merged := catalog.MergeConfig(defaults, overrides)

	if merged["run_frequency"] != "daily" {
		t.Fatalf("expected default run_frequency to survive, got %v", merged["run_frequency"])
	}
	if merged["threshold"] != 10 {
		t.Fatalf("expected override threshold 10, got %v", merged["threshold"])
	}
	nested := merged["nested"].(map[string]any)
	if _, ok := nested["b"]; ok {
		t.Fatalf("merge must be shallow: nested map should be replaced, got %v", nested)
	}
	if defaults["threshold"] != 5 {
		t.Fatalf("merge must not mutate defaults")
	}
}

func TestMergeConfig_NilInputs(t *testing.T) {
	merged := catalog.MergeConfig(nil, nil)
	if merged == nil || len(merged) != 0 {
		t.Fatalf("expected empty non-nil config, got %#v", merged)
	}
}

func TestParse_CatalogWithSchema(t *testing.T) {
	agents, err := catalog.Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
	restock := agents[0]
	if restock.ID != catalog.AgentID("inventory-restock") {
		t.Fatalf("expected deterministic id, got %s", restock.ID)
	}
	if !restock.DefaultEnabled || restock.Type != catalog.TypeBackground {
		t.Fatalf("unexpected agent: %+v", restock)
	}
	if agents[1].Name != "price-watch" {
		t.Fatalf("expected name to default to slug, got %q", agents[1].Name)
	}

	if err := restock.ValidateConfig(restock.MergedConfig(catalog.Config{"run_frequency": "weekly"})); err != nil {
		t.Fatalf("expected valid override, got %v", err)
	}
	err = restock.ValidateConfig(restock.MergedConfig(catalog.Config{"run_frequency": "fortnightly"}))
	if !errors.Is(err, catalog.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := agents[1].ValidateConfig(catalog.Config{"anything": true}); err != nil {
		t.Fatalf("agent without schema must accept any config: %v", err)
	}
}

func TestParse_RejectsDuplicateAndBadType(t *testing.T) {
	dup := "agents:\n  - slug: a\n  - slug: A\n"
	if _, err := catalog.Parse([]byte(dup)); err == nil {
		t.Fatalf("expected duplicate slug to be rejected")
	}
	bad := "agents:\n  - slug: a\n    type: realtime\n"
	if _, err := catalog.Parse([]byte(bad)); err == nil {
		t.Fatalf("expected unknown type to be rejected")
	}
}

func TestLoadFile_MissingIsEmpty(t *testing.T) {
	agents, err := catalog.LoadFile(filepath.Join(t.TempDir(), "agents.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(agents) != 0 {
		t.Fatalf("expected empty catalog, got %d", len(agents))
	}
}

func TestRegistry_ReplaceIsAllOrNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	agents, err := catalog.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	reg := catalog.NewRegistry()
	if err := reg.Replace(agents); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 agents, got %d", reg.Len())
	}

	bad := []catalog.Agent{{Slug: "ok"}, {Slug: "not a slug"}}
	if err := reg.Replace(bad); err == nil {
		t.Fatalf("expected invalid catalog to be rejected")
	}
	if reg.Len() != 2 {
		t.Fatalf("previous catalog must survive a failed replace")
	}

	a, err := reg.Get("Inventory-Restock")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if byID, err := reg.ByID(a.ID); err != nil || byID.Slug != a.Slug {
		t.Fatalf("ByID mismatch: %v %+v", err, byID)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, catalog.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRegistry_RegisterRejectsDuplicate(t *testing.T) {
	reg := catalog.NewRegistry()
	if err := reg.Register(catalog.Agent{Slug: "seo-audit", Type: catalog.TypeGoalOriented}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(catalog.Agent{Slug: "seo-audit"}); err == nil {
		t.Fatalf("expected duplicate to be rejected")
	}
	list := reg.List()
	if len(list) != 1 || list[0].DefaultConfig == nil {
		t.Fatalf("unexpected list: %+v", list)
	}
}
