package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

DAEMON MODE (default):
  %[1]s                          Run the scheduler until interrupted
  %[1]s -once                    Run one scheduling tick and goal sweep, then exit

OPERATOR COMMANDS:
  %[1]s trigger <store> <agent>  Create and execute a run now
                                Flags: -type manual|event, -data '{"k":"v"}', -events
  %[1]s runs <store>             List runs
                                Flags: -limit N, -day YYYY-MM-DD, -outcome success|failure, -agent slug
  %[1]s cancel <store> <run-id>  Mark a pending or running run cancelled
  %[1]s pending <store>          List actions awaiting approval
  %[1]s approve <store> <id>     Approve and apply a queued action (-by name)
  %[1]s reject <store> <id>      Reject a queued action (-by name, -reason text)
  %[1]s bind <store> <agent>     Create or update a store binding
                                Flags: -enable, -disable, -permission auto|approve|blocked,
                                -due-now, -set key=value
  %[1]s goal <store> <agent>     Create a goal
                                Flags: -type name, -target kind/id, -deadline YYYY-MM-DD
  %[1]s goal <store>             Close a goal
                                Flags: -complete|-cancel|-fail goal-id, -reason text
  %[1]s doctor                   Check config, catalog, database, and telemetry

Command flags precede positional arguments.

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AGENTCORE_HOME                    Data directory (default: ~/.agentcore)
  AGENTCORE_LOG_LEVEL               debug, info, warn, error
  AGENTCORE_DB_PATH                 SQLite database path
  AGENTCORE_TICK_SPEC               Scheduler tick (cron syntax or @every)
  AGENTCORE_MAX_CONCURRENT_STORES   Stores processed in parallel per tick
  AGENTCORE_RUN_TIMEOUT_SECONDS     Per-run deadline
`)
}

func main() {
	once := flag.Bool("once", false, "run a single scheduling tick and goal sweep, then exit")
	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "trigger":
			os.Exit(runTriggerCommand(ctx, args[1:], os.Stdout))
		case "runs":
			os.Exit(runRunsCommand(ctx, args[1:], os.Stdout))
		case "pending":
			os.Exit(runPendingCommand(ctx, args[1:], os.Stdout))
		case "approve":
			os.Exit(runApproveCommand(ctx, args[1:], os.Stdout))
		case "reject":
			os.Exit(runRejectCommand(ctx, args[1:], os.Stdout))
		case "cancel":
			os.Exit(runCancelCommand(ctx, args[1:], os.Stdout))
		case "bind":
			os.Exit(runBindCommand(ctx, args[1:], os.Stdout))
		case "goal":
			os.Exit(runGoalCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *once, *quiet)
}

func runDaemon(ctx context.Context, once, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so logger init failures are still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	if cfg.NeedsInit {
		if err := writeStarterFiles(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml and agents.yaml written with starter agents", "home", cfg.HomeDir)
		if cfg, err = config.Load(); err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, reasonCode(err, "E_STARTUP"), err)
	}
	defer a.Close()

	recovered, err := a.store.RecoverInterruptedRuns(ctx, time.Now())
	if err != nil {
		fatalStartup(logger, "E_RUN_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "runs_recovered", recovered)

	if once {
		res := a.sched.Tick(ctx)
		a.sched.Wait()
		swept := a.sched.SweepOverdueGoals(ctx)
		logger.Info("single tick complete",
			"stores", res.Stores, "created", res.Created, "lost", res.Lost, "goals_failed", swept)
		return
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger, cfg.CatalogPath)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			switch filepath.Clean(ev.Path) {
			case filepath.Clean(cfg.CatalogPath):
				if err := a.reloadCatalog(ctx); err != nil {
					logger.Error("agent catalog reload rejected; retaining previous catalog", "error", err)
				}
			case filepath.Clean(config.ConfigPath(cfg.HomeDir)):
				next, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload rejected", "error", err)
					continue
				}
				if next.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config.yaml changed; restart to apply scheduling settings",
						"running", cfg.Fingerprint(), "on_disk", next.Fingerprint())
				}
			}
		}
	}()

	go a.reportLifecycle(ctx)

	if err := a.sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	logger.Info("startup phase", "phase", "ready", "agents", a.catalog.Len())

	<-ctx.Done()
	logger.Info("shutdown requested")
	a.sched.Stop()
	status := a.runner.Status()
	logger.Info("shutdown complete", "active_runs", status.ActiveRuns, "last_error", status.LastError)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Entry{
		ActionKind: "runtime.startup",
		Decision:   "fatal",
		Reason:     reasonCode + ": " + message,
		Actor:      "runtime",
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// starterCatalog seeds agents.yaml on first start.
const starterCatalog = `agents:
  - slug: inventory-watch
    name: Inventory watch
    type: background
    default_enabled: true
    default_config:
      run_frequency: hourly
      low_stock_threshold: 5
  - slug: price-optimizer
    name: Price optimizer
    type: background
    default_enabled: false
    default_config:
      run_frequency: daily
      max_discount: 0.2
    config_schema:
      type: object
      properties:
        max_discount:
          type: number
          minimum: 0
          maximum: 0.9
  - slug: margin-goals
    name: Margin goals
    type: goal_oriented
    default_enabled: false
    default_config:
      run_frequency: weekly
`

// writeStarterFiles writes config.yaml with defaults and, if absent, a
// starter agents.yaml. Used when the daemon starts without a config.yaml.
func writeStarterFiles(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		LogLevel:            "info",
		DBPath:              "agentcore.db",
		CatalogPath:         "agents.yaml",
		TickSpec:            config.DefaultTickSpec,
		GoalSweepSpec:       config.DefaultGoalSweepSpec,
		MaxConcurrentStores: config.DefaultMaxConcurrentStores,
		RunTimeoutSeconds:   config.DefaultRunTimeoutSeconds,
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	catalogPath := filepath.Join(homeDir, "agents.yaml")
	if _, err := os.Stat(catalogPath); err == nil {
		return nil
	}
	if err := os.WriteFile(catalogPath, []byte(starterCatalog), 0o644); err != nil {
		return fmt.Errorf("write agents.yaml: %w", err)
	}
	return nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: agentcore daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: agentcore daemon [--help]")
	fmt.Fprintln(w, "       agentcore -once")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the agent scheduler until interrupted.")
}
