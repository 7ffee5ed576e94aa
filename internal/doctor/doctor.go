package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/run"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCatalog,
		checkDatabase,
		checkPermissions,
		checkSchedule,
		checkTelemetry,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing (written on first daemon start)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Catalog", Status: "SKIP", Message: "Config missing"}
	}
	agents, err := catalog.LoadFile(cfg.CatalogPath)
	if err != nil {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("Catalog invalid: %v", err)}
	}
	if len(agents) == 0 {
		return CheckResult{Name: "Catalog", Status: "WARN", Message: fmt.Sprintf("No agents in %s", cfg.CatalogPath)}
	}
	reg := catalog.NewRegistry()
	if err := reg.Replace(agents); err != nil {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("Catalog rejected: %v", err)}
	}
	slugs := make([]string, 0, reg.Len())
	for _, a := range reg.List() {
		slugs = append(slugs, a.Slug)
	}
	return CheckResult{
		Name:    "Catalog",
		Status:  "PASS",
		Message: fmt.Sprintf("%d agents", reg.Len()),
		Detail:  strings.Join(slugs, ", "),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsInit {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	slugs, err := store.ListAgentSlugs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	inflight, err := store.ListRuns(ctx, persistence.RunFilter{
		Statuses: []run.Status{run.StatusPending, run.StatusRunning},
		Limit:    100,
	})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(inflight) > 0 {
		return CheckResult{
			Name:    "Database",
			Status:  "WARN",
			Message: fmt.Sprintf("%d runs pending or running", len(inflight)),
			Detail:  "runs not owned by a live daemon are failed on the next daemon start",
		}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: fmt.Sprintf("%d agents synced", len(slugs))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: "SKIP", Message: "Config missing"}
	}
	now := time.Now().UTC()
	var details []string
	for _, spec := range []struct{ name, expr string }{
		{"tick", cfg.TickSpec},
		{"goal_sweep", cfg.GoalSweepSpec},
	} {
		sched, err := cronlib.ParseStandard(spec.expr)
		if err != nil {
			return CheckResult{Name: "Schedule", Status: "FAIL", Message: fmt.Sprintf("invalid %s spec %q: %v", spec.name, spec.expr, err)}
		}
		details = append(details, fmt.Sprintf("%s next at %s", spec.name, sched.Next(now).Format(time.RFC3339)))
	}
	return CheckResult{
		Name:    "Schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("%d stores per tick, %ds run timeout", cfg.MaxConcurrentStores, cfg.RunTimeoutSeconds),
		Detail:  strings.Join(details, "; "),
	}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "OpenTelemetry disabled"}
	}
	switch cfg.OTel.Exporter {
	case "stdout", "none":
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("%s exporter needs no network", cfg.OTel.Exporter)}
	}

	endpoint := cfg.OTel.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	host := endpoint
	if h, _, err := net.SplitHostPort(endpoint); err == nil {
		host = h
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("endpoint=%s, latency=%dms", endpoint, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Telemetry",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("endpoint=%s, addresses=%v", endpoint, addrs),
	}
}
