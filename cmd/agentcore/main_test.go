package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/goal"
	"github.com/basket/agentcore/internal/run"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: agentcore daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "agentcore -once") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

func TestStarterCatalogParses(t *testing.T) {
	agents, err := catalog.Parse([]byte(starterCatalog))
	if err != nil {
		t.Fatalf("parse starter catalog: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 starter agents, got %d", len(agents))
	}
	reg := catalog.NewRegistry()
	if err := reg.Replace(agents); err != nil {
		t.Fatalf("register starter catalog: %v", err)
	}
	po, err := reg.Get("price-optimizer")
	if err != nil {
		t.Fatalf("get price-optimizer: %v", err)
	}
	if err := po.ValidateConfig(po.MergedConfig(catalog.Config{"max_discount": 0.95})); err == nil {
		t.Fatal("expected max_discount above schema maximum to be rejected")
	}
}

func TestWriteStarterFilesLoads(t *testing.T) {
	home := t.TempDir()
	if err := writeStarterFiles(home); err != nil {
		t.Fatalf("write starter files: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.NeedsInit {
		t.Fatal("expected config.yaml to exist after writeStarterFiles")
	}
	if cfg.TickSpec != config.DefaultTickSpec {
		t.Fatalf("tick spec: got %q", cfg.TickSpec)
	}
	if _, err := catalog.LoadFile(cfg.CatalogPath); err != nil {
		t.Fatalf("load starter catalog from %s: %v", cfg.CatalogPath, err)
	}
}

func TestKVFlagsKeepScalarTypes(t *testing.T) {
	k := kvFlags{}
	for _, raw := range []string{"max_discount=0.3", "dry_run=true", "region=eu-west", "note=null"} {
		if err := k.Set(raw); err != nil {
			t.Fatalf("set %q: %v", raw, err)
		}
	}
	if err := k.Set("novalue"); err == nil {
		t.Fatal("expected error for flag without '='")
	}

	got := k.overrides()
	if v, ok := got["max_discount"].(float64); !ok || v != 0.3 {
		t.Fatalf("max_discount: got %#v", got["max_discount"])
	}
	if v, ok := got["dry_run"].(bool); !ok || !v {
		t.Fatalf("dry_run: got %#v", got["dry_run"])
	}
	if got["region"] != "eu-west" {
		t.Fatalf("region: got %#v", got["region"])
	}
	if v, ok := got["note"]; !ok || v != nil {
		t.Fatalf("note: got %#v", got["note"])
	}
}

func TestParseRef(t *testing.T) {
	ref, err := parseRef("product/sku-1")
	if err != nil {
		t.Fatalf("parse ref: %v", err)
	}
	if ref.Kind != "product" || ref.ID != "sku-1" {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref, err := parseRef(""); err != nil || ref.Kind != "" {
		t.Fatalf("empty target: ref=%+v err=%v", ref, err)
	}
	for _, bad := range []string{"product", "/sku-1", "product/"} {
		if _, err := parseRef(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseTriggerData(t *testing.T) {
	data, err := parseTriggerData(`{"reason":"restock"}`)
	if err != nil {
		t.Fatalf("parse data: %v", err)
	}
	if data["reason"] != "restock" {
		t.Fatalf("unexpected data: %v", data)
	}
	if data, err := parseTriggerData("  "); err != nil || len(data) != 0 {
		t.Fatalf("blank data: %v %v", data, err)
	}
	if _, err := parseTriggerData("[1,2]"); err == nil {
		t.Fatal("expected error for non-object data")
	}
}

func TestListRunsRejectsUnknownOutcome(t *testing.T) {
	if _, err := listRuns(context.Background(), nil, "store-a", 10, "", "maybe"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
	if _, err := listRuns(context.Background(), nil, "store-a", 10, "18-10-2026", ""); err == nil {
		t.Fatal("expected error for malformed day")
	}
}

func TestOperatorCommandsTriggerAndList(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)
	if err := writeStarterFiles(home); err != nil {
		t.Fatalf("write starter files: %v", err)
	}
	ctx := context.Background()

	var out bytes.Buffer
	if code := runBindCommand(ctx, []string{"-enable", "-set", "low_stock_threshold=8", "store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("bind exit code %d", code)
	}
	var bound struct {
		Enabled bool           `json:"is_enabled"`
		Config  map[string]any `json:"config"`
	}
	if err := json.Unmarshal(out.Bytes(), &bound); err != nil {
		t.Fatalf("decode binding: %v\n%s", err, out.String())
	}
	if !bound.Enabled {
		t.Fatal("expected binding to be enabled")
	}

	out.Reset()
	if code := runTriggerCommand(ctx, []string{"-data", `{"reason":"restock"}`, "store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("trigger exit code %d: %s", code, out.String())
	}
	var triggered run.Run
	if err := json.Unmarshal(out.Bytes(), &triggered); err != nil {
		t.Fatalf("decode run: %v\n%s", err, out.String())
	}
	if triggered.Status != run.StatusCompleted {
		t.Fatalf("expected completed run, got %s (%s)", triggered.Status, triggered.ErrorMessage)
	}
	if triggered.TriggerType != run.TriggerManual {
		t.Fatalf("expected manual trigger, got %s", triggered.TriggerType)
	}

	out.Reset()
	if code := runRunsCommand(ctx, []string{"store-a"}, &out); code != 0 {
		t.Fatalf("runs exit code %d", code)
	}
	var listed []run.Run
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out.String())
	}
	if len(listed) != 1 || listed[0].ID != triggered.ID {
		t.Fatalf("expected the triggered run to be listed, got %d runs", len(listed))
	}

	out.Reset()
	if code := runRunsCommand(ctx, []string{"store-b"}, &out); code != 0 {
		t.Fatalf("runs exit code %d", code)
	}
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no runs for another store, got %d", len(listed))
	}
}

func TestTriggerBlockedBindingFails(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)
	if err := writeStarterFiles(home); err != nil {
		t.Fatalf("write starter files: %v", err)
	}
	ctx := context.Background()

	var out bytes.Buffer
	if code := runBindCommand(ctx, []string{"-permission", "blocked", "store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("bind exit code %d", code)
	}
	out.Reset()
	if code := runTriggerCommand(ctx, []string{"store-a", "inventory-watch"}, &out); code != 1 {
		t.Fatalf("expected exit code 1 for blocked binding, got %d", code)
	}
	if code := runTriggerCommand(ctx, []string{"store-a"}, &out); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
}

func TestDoctorCommandReportsHealthyHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)
	if err := writeStarterFiles(home); err != nil {
		t.Fatalf("write starter files: %v", err)
	}

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("doctor exit code %d: %s", code, out.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v\n%s", err, out.String())
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected diagnostic results")
	}
	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			t.Fatalf("check %s failed", r.Name)
		}
	}
}

func TestDrainEventsWritesJSONLines(t *testing.T) {
	b := bus.New()
	sub := b.SubscribeStore("store-a", "")
	defer b.Unsubscribe(sub)
	b.Publish(bus.TopicRunCreated, bus.RunEvent{RunID: "r1", StoreID: "store-a", Status: "pending"})
	b.Publish(bus.TopicRunCreated, bus.RunEvent{RunID: "r2", StoreID: "store-b", Status: "pending"})
	b.Publish(bus.TopicRunStarted, bus.RunEvent{RunID: "r1", StoreID: "store-a", Status: "running"})

	var out bytes.Buffer
	drainEvents(&out, sub)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 event lines, got %d: %q", len(lines), out.String())
	}
	var first struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode event line: %v", err)
	}
	if first.Topic != bus.TopicRunCreated {
		t.Fatalf("first topic = %q", first.Topic)
	}
}

func starterHome(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTCORE_HOME", home)
	if err := writeStarterFiles(home); err != nil {
		t.Fatalf("write starter files: %v", err)
	}
}

// pendingRun stores a run that no executor has picked up yet.
func pendingRun(t *testing.T, storeID, slug string) *run.Run {
	t.Helper()
	ctx := context.Background()
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer cleanup()
	agent, err := a.catalog.Get(slug)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	b, err := a.store.GetOrCreateBinding(ctx, storeID, agent)
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	r := run.New(storeID, b.ID, agent.ID, run.TriggerManual, nil, time.Now())
	if err := a.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return r
}

func TestCancelCommandIsStoreScoped(t *testing.T) {
	starterHome(t)
	ctx := context.Background()
	r := pendingRun(t, "store-a", "inventory-watch")

	var out bytes.Buffer
	if code := runCancelCommand(ctx, []string{"store-b", r.ID}, &out); code != 1 {
		t.Fatalf("cancel from another store: expected exit 1, got %d", code)
	}
	out.Reset()
	if code := runCancelCommand(ctx, []string{"store-a", r.ID}, &out); code != 0 {
		t.Fatalf("cancel exit code %d", code)
	}
	var got run.Run
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode run: %v\n%s", err, out.String())
	}
	if got.Status != run.StatusCancelled || got.CompletedAt == nil {
		t.Fatalf("expected cancelled run, got %+v", got)
	}

	out.Reset()
	if code := runCancelCommand(ctx, []string{"store-a", r.ID}, &out); code != 1 {
		t.Fatalf("cancelling a finished run: expected exit 1, got %d", code)
	}
	if code := runCancelCommand(ctx, []string{"store-a"}, &out); code != 2 {
		t.Fatalf("expected usage exit code 2, got %d", code)
	}
}

func TestGoalCommandCreatesAndCloses(t *testing.T) {
	starterHome(t)
	ctx := context.Background()

	var out bytes.Buffer
	if code := runGoalCommand(ctx, []string{"-type", "restock", "-target", "product/sku-1", "store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("goal create exit code %d", code)
	}
	var created goal.Goal
	if err := json.Unmarshal(out.Bytes(), &created); err != nil {
		t.Fatalf("decode goal: %v\n%s", err, out.String())
	}
	if created.Status != goal.StatusActive || created.Target != (entity.Ref{Kind: "product", ID: "sku-1"}) {
		t.Fatalf("unexpected goal: %+v", created)
	}

	out.Reset()
	if code := runGoalCommand(ctx, []string{"-cancel", created.ID, "store-b"}, &out); code != 1 {
		t.Fatalf("closing another store's goal: expected exit 1, got %d", code)
	}
	if code := runGoalCommand(ctx, []string{"-complete", created.ID, "-fail", created.ID, "store-a"}, &out); code != 2 {
		t.Fatalf("conflicting close flags: expected exit 2, got %d", code)
	}

	out.Reset()
	if code := runGoalCommand(ctx, []string{"-cancel", created.ID, "store-a"}, &out); code != 0 {
		t.Fatalf("goal cancel exit code %d", code)
	}
	var closed goal.Goal
	if err := json.Unmarshal(out.Bytes(), &closed); err != nil {
		t.Fatalf("decode goal: %v\n%s", err, out.String())
	}
	if closed.Status != goal.StatusCancelled || closed.ClosedAt == nil {
		t.Fatalf("expected cancelled goal, got %+v", closed)
	}

	out.Reset()
	if code := runGoalCommand(ctx, []string{"-complete", created.ID, "store-a"}, &out); code != 1 {
		t.Fatalf("completing a cancelled goal: expected exit 1, got %d", code)
	}
}

func TestGoalCommandFailRecordsReason(t *testing.T) {
	starterHome(t)
	ctx := context.Background()

	var out bytes.Buffer
	if code := runGoalCommand(ctx, []string{"-type", "margin_target", "store-a", "price-optimizer"}, &out); code != 0 {
		t.Fatalf("goal create exit code %d", code)
	}
	var created goal.Goal
	if err := json.Unmarshal(out.Bytes(), &created); err != nil {
		t.Fatalf("decode goal: %v", err)
	}

	out.Reset()
	if code := runGoalCommand(ctx, []string{"-fail", created.ID, "-reason", "season ended", "store-a"}, &out); code != 0 {
		t.Fatalf("goal fail exit code %d", code)
	}
	var failed goal.Goal
	if err := json.Unmarshal(out.Bytes(), &failed); err != nil {
		t.Fatalf("decode goal: %v", err)
	}
	if failed.Status != goal.StatusFailed || failed.FailureReason != "season ended" {
		t.Fatalf("unexpected failed goal: %+v", failed)
	}
}

func TestRunsCommandFiltersByAgent(t *testing.T) {
	starterHome(t)
	ctx := context.Background()

	var out bytes.Buffer
	if code := runBindCommand(ctx, []string{"-enable", "store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("bind exit code %d", code)
	}
	out.Reset()
	if code := runTriggerCommand(ctx, []string{"store-a", "inventory-watch"}, &out); code != 0 {
		t.Fatalf("trigger exit code %d: %s", code, out.String())
	}

	var listed []run.Run
	out.Reset()
	if code := runRunsCommand(ctx, []string{"-agent", "inventory-watch", "store-a"}, &out); code != 0 {
		t.Fatalf("runs exit code %d", code)
	}
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out.String())
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 inventory-watch run, got %d", len(listed))
	}

	out.Reset()
	if code := runRunsCommand(ctx, []string{"-agent", "price-optimizer", "store-a"}, &out); code != 0 {
		t.Fatalf("runs exit code %d", code)
	}
	if err := json.Unmarshal(out.Bytes(), &listed); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out.String())
	}
	if len(listed) != 0 {
		t.Fatalf("expected no runs for an unbound agent, got %d", len(listed))
	}

	if code := runRunsCommand(ctx, []string{"-agent", "inventory-watch", "-outcome", "success", "store-a"}, &out); code != 2 {
		t.Fatalf("combined filters: expected exit 2, got %d", code)
	}
}

func TestOpenAppRegistersEntityResolvers(t *testing.T) {
	starterHome(t)
	ctx := context.Background()
	entityResolvers["product"] = entity.ResolverFunc(func(_ context.Context, id string) (any, error) {
		return "product-" + id, nil
	})
	t.Cleanup(func() { delete(entityResolvers, "product") })

	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer cleanup()

	if kinds := a.entities.Kinds(); len(kinds) != 1 || kinds[0] != "product" {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	obj, err := a.entities.Resolve(ctx, entity.Ref{Kind: "product", ID: "42"})
	if err != nil || obj != "product-42" {
		t.Fatalf("resolve: %v %v", obj, err)
	}
}
