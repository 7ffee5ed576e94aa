package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/cron"
	"github.com/basket/agentcore/internal/entity"
	otelPkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/runner"
)

// app holds the wired runtime shared by the daemon and the operator commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	store    *persistence.Store
	catalog  *catalog.Registry
	entities *entity.Registry
	runner   *runner.Runner
	sched    *cron.Scheduler
	otel     *otelPkg.Provider
}

// entityResolvers maps entity kinds to the resolvers that dereference action
// targets before the mutator applies them. With none registered, targets
// reach the mutator unresolved.
var entityResolvers = map[string]entity.Resolver{}

// startupError carries the reason code reported by fatalStartup.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func failStartup(code string, err error) error {
	return &startupError{code: code, err: err}
}

// openApp opens the store, loads the catalog, and builds the runner and
// scheduler. It does not start any background work.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus.New(), catalog: catalog.NewRegistry()}

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, failStartup("E_OTEL_INIT", err)
	}
	a.otel = provider
	metrics := provider.Metrics

	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		a.Close()
		return nil, failStartup("E_STORE_OPEN", err)
	}
	a.store = store
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	if err := a.reloadCatalog(ctx); err != nil {
		a.Close()
		return nil, failStartup("E_CATALOG_LOAD", err)
	}

	a.entities = entity.NewRegistry()
	for kind, res := range entityResolvers {
		if err := a.entities.Register(kind, res); err != nil {
			a.Close()
			return nil, failStartup("E_ENTITY_REGISTER", err)
		}
	}
	if a.entities.Len() > 0 {
		logger.Info("entity resolvers registered", "kinds", a.entities.Kinds())
	}

	a.runner, err = runner.New(runner.Config{
		Store:      store,
		Catalog:    a.catalog,
		Entities:   a.entities,
		Brain:      runner.IdleBrain{},
		Mutator:    runner.LogMutator{Logger: logger.With("component", "mutator")},
		Bus:        a.bus,
		Logger:     logger.With("component", "runner"),
		Metrics:    metrics,
		Tracer:     provider.Tracer,
		RunTimeout: cfg.RunTimeout(),
	})
	if err != nil {
		a.Close()
		return nil, failStartup("E_RUNNER_INIT", err)
	}
	a.sched, err = cron.NewScheduler(cron.Config{
		Store:               store,
		Catalog:             a.catalog,
		Executor:            a.runner,
		Logger:              logger.With("component", "scheduler"),
		Metrics:             metrics,
		Tracer:              provider.Tracer,
		TickSpec:            cfg.TickSpec,
		GoalSweepSpec:       cfg.GoalSweepSpec,
		MaxConcurrentStores: cfg.MaxConcurrentStores,
	})
	if err != nil {
		a.Close()
		return nil, failStartup("E_SCHEDULER_INIT", err)
	}
	return a, nil
}

// reloadCatalog loads the catalog file, syncs it into the store, and swaps
// the in-memory registry. On any error the previous catalog stays active.
func (a *app) reloadCatalog(ctx context.Context) error {
	agents, err := catalog.LoadFile(a.cfg.CatalogPath)
	if err != nil {
		return err
	}
	next := catalog.NewRegistry()
	if err := next.Replace(agents); err != nil {
		return err
	}
	if err := a.store.SyncAgents(ctx, next.List()); err != nil {
		return fmt.Errorf("sync agent catalog: %w", err)
	}
	if err := a.catalog.Replace(agents); err != nil {
		return err
	}
	a.logger.Info("agent catalog loaded", "path", a.cfg.CatalogPath, "agents", a.catalog.Len())
	return nil
}

// reportLifecycle logs the bus events operators act on: failed runs and
// actions, actions queued for approval, and closed goals. It returns when ctx
// is done.
func (a *app) reportLifecycle(ctx context.Context) {
	sub := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(sub)
	logger := a.logger.With("component", "lifecycle")
	for {
		select {
		case <-ctx.Done():
			if n := sub.Dropped(); n > 0 {
				logger.Warn("lifecycle events dropped", "count", n)
			}
			return
		case ev := <-sub.Ch():
			switch p := ev.Payload.(type) {
			case bus.RunEvent:
				if ev.Topic == bus.TopicRunFailed {
					logger.Warn("run failed", "store_id", p.StoreID, "agent_id", p.AgentID, "run_id", p.RunID, "error", p.Error)
				}
			case bus.ActionEvent:
				switch {
				case ev.Topic == bus.TopicActionFailed:
					logger.Warn("action failed", "store_id", p.StoreID, "run_id", p.RunID, "action_id", p.ActionID, "kind", p.Kind, "error", p.Error)
				case ev.Topic == bus.TopicActionGated && p.Decision == string(policy.DecisionQueue):
					logger.Info("action awaiting approval", "store_id", p.StoreID, "run_id", p.RunID, "action_id", p.ActionID, "kind", p.Kind, "target", p.Target)
				}
			case bus.GoalEvent:
				if ev.Topic == bus.TopicGoalClosed {
					logger.Info("goal closed", "store_id", p.StoreID, "agent_id", p.AgentID, "goal_id", p.GoalID, "status", p.Status, "reason", p.Reason)
				}
			}
		}
	}
}

func (a *app) Close() {
	if a.store != nil {
		audit.SetDB(nil)
		_ = a.store.Close()
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(context.Background())
	}
}

// reasonCode extracts the startup reason code from err, if any.
func reasonCode(err error, fallback string) string {
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return fallback
}
