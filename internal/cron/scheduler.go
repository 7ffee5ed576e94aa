// Package cron drives the RunScheduler: on each tick it finds due bindings,
// claims them atomically, and hands the created runs to an Executor on
// separate goroutines so claiming never waits on run execution.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agentcore/internal/binding"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
	"github.com/basket/agentcore/internal/shared"
)

// ErrBindingDisabled is returned when a manual trigger targets a disabled binding.
var ErrBindingDisabled = errors.New("binding is disabled")

// overdueBatch bounds how many goals one sweep closes.
const overdueBatch = 200

// Executor runs a claimed run to a terminal state.
type Executor interface {
	Execute(ctx context.Context, r *run.Run) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *persistence.Store
	Catalog  *catalog.Registry
	Executor Executor // nil leaves created runs pending
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer

	TickSpec            string // defaults to "@every 1m"
	GoalSweepSpec       string // empty disables the sweep job
	MaxConcurrentStores int    // defaults to 4
	MaxConcurrentRuns   int    // defaults to 16
	Now                 func() time.Time
}

// TickResult summarizes one scheduling pass.
type TickResult struct {
	Stores  int
	Created int
	Lost    int
	Skipped int
}

// Scheduler periodically claims due bindings and creates runs for them.
type Scheduler struct {
	store    *persistence.Store
	catalog  *catalog.Registry
	executor Executor
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	limit    int

	tickSpec  string
	sweepSpec string

	cron   *cronlib.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Dispatched runs. Runs of one store execute one at a time.
	slots      chan struct{}
	inflight   sync.WaitGroup
	storeMu    sync.Mutex
	storeLocks map[string]*sync.Mutex
}

// NewScheduler validates the cron specs and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Catalog == nil {
		return nil, errors.New("cron: store and catalog are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NoopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limit := cfg.MaxConcurrentStores
	if limit <= 0 {
		limit = 4
	}
	runLimit := cfg.MaxConcurrentRuns
	if runLimit <= 0 {
		runLimit = 16
	}
	tickSpec := cfg.TickSpec
	if tickSpec == "" {
		tickSpec = "@every 1m"
	}
	s := &Scheduler{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		executor:  cfg.Executor,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		now:       now,
		limit:     limit,
		tickSpec:  tickSpec,
		sweepSpec: cfg.GoalSweepSpec,

		slots:      make(chan struct{}, runLimit),
		storeLocks: make(map[string]*sync.Mutex),
	}
	s.cron = cronlib.New(
		cronlib.WithLocation(time.UTC),
		cronlib.WithLogger(cronLogger{logger}),
		cronlib.WithChain(
			cronlib.Recover(cronLogger{logger}),
			cronlib.SkipIfStillRunning(cronLogger{logger}),
		),
	)
	if _, err := cronlib.ParseStandard(tickSpec); err != nil {
		return nil, fmt.Errorf("cron: tick spec %q: %w", tickSpec, err)
	}
	if s.sweepSpec != "" {
		if _, err := cronlib.ParseStandard(s.sweepSpec); err != nil {
			return nil, fmt.Errorf("cron: goal sweep spec %q: %w", s.sweepSpec, err)
		}
	}
	return s, nil
}

// Start registers the tick and sweep jobs and runs one tick immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if _, err := s.cron.AddFunc(s.tickSpec, func() { s.Tick(ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("cron: add tick job: %w", err)
	}
	if s.sweepSpec != "" {
		if _, err := s.cron.AddFunc(s.sweepSpec, func() { s.SweepOverdueGoals(ctx) }); err != nil {
			s.cancel()
			return fmt.Errorf("cron: add goal sweep job: %w", err)
		}
	}

	// Fire immediately on startup, then on each scheduled tick.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
	s.cron.Start()
	s.logger.Info("scheduler started", "tick", s.tickSpec, "goal_sweep", s.sweepSpec, "max_concurrent_stores", s.limit)
	return nil
}

// Stop cancels in-flight work and waits for running jobs and dispatched runs
// to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.inflight.Wait()
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every run dispatched so far has returned from the
// executor.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Tick runs one scheduling pass. Stores are claimed concurrently up to the
// configured limit; bindings within one store are claimed in order. Tick
// returns once claiming is done and does not wait for the dispatched runs.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	now := s.now().UTC()
	ctx, span := otel.StartSpan(ctx, s.tracer, "scheduler.tick")
	defer span.End()
	s.metrics.SchedulerTicks.Add(ctx, 1)

	stores, err := s.store.StoresWithDueBindings(ctx, now)
	if err != nil {
		otel.RecordError(span, err)
		s.logger.Error("scheduler: query due stores", "error", err)
		return TickResult{}
	}

	var created, lost, skipped atomic.Int64
	// A plain group: dispatched runs inherit ctx and must outlive the tick.
	var g errgroup.Group
	g.SetLimit(s.limit)
	for _, storeID := range stores {
		storeID := storeID
		g.Go(func() error {
			c, l, sk := s.tickStore(ctx, storeID, now)
			created.Add(int64(c))
			lost.Add(int64(l))
			skipped.Add(int64(sk))
			return nil
		})
	}
	_ = g.Wait()

	res := TickResult{
		Stores:  len(stores),
		Created: int(created.Load()),
		Lost:    int(lost.Load()),
		Skipped: int(skipped.Load()),
	}
	if res.Stores > 0 {
		s.logger.Info("scheduler: tick complete",
			"stores", res.Stores, "created", res.Created, "lost", res.Lost, "skipped", res.Skipped)
	}
	return res
}

func (s *Scheduler) tickStore(ctx context.Context, storeID string, now time.Time) (created, lost, skipped int) {
	ctx = shared.WithStoreID(ctx, storeID)
	due, err := s.store.DueBindings(ctx, storeID, now)
	if err != nil {
		s.logger.Error("scheduler: query due bindings", append(shared.LogAttrs(ctx), "error", err)...)
		return 0, 0, 0
	}
	for _, b := range due {
		if ctx.Err() != nil {
			return created, lost, skipped
		}
		agent, err := s.catalog.ByID(b.AgentID)
		if err != nil {
			s.logger.Warn("scheduler: binding references unknown agent",
				append(shared.LogAttrs(ctx), "binding_id", b.ID, "agent_id", b.AgentID)...)
			skipped++
			continue
		}
		switch err := s.fire(ctx, agent, b, now); {
		case err == nil:
			created++
		case errors.Is(err, persistence.ErrClaimLost):
			lost++
		default:
			s.logger.Error("scheduler: fire binding",
				append(shared.LogAttrs(ctx), "binding_id", b.ID, "agent", agent.Slug, "error", err)...)
		}
	}
	return created, lost, skipped
}

// fire claims b and, on success, dispatches the created run.
func (s *Scheduler) fire(ctx context.Context, agent catalog.Agent, b binding.Binding, now time.Time) error {
	ctx = shared.WithAgentSlug(ctx, agent.Slug)
	next := b.NextRunTime(agent, "", now)
	r := run.New(b.StoreID, b.ID, agent.ID, run.TriggerScheduled, map[string]any{
		"scheduled_for": now.Format(time.RFC3339),
	}, now)

	attrs := metric.WithAttributes(
		otel.AttrStoreID.String(b.StoreID),
		otel.AttrAgentSlug.String(agent.Slug),
	)
	if err := s.store.ClaimBinding(ctx, b, next, r); err != nil {
		if errors.Is(err, persistence.ErrClaimLost) {
			s.metrics.ClaimsLost.Add(ctx, 1, attrs)
			s.logger.Debug("scheduler: claim lost", append(shared.LogAttrs(ctx), "binding_id", b.ID)...)
		}
		return err
	}
	s.metrics.RunsCreated.Add(ctx, 1, metric.WithAttributes(
		otel.AttrStoreID.String(b.StoreID),
		otel.AttrAgentSlug.String(agent.Slug),
		otel.AttrTrigger.String(string(run.TriggerScheduled)),
	))
	s.logger.Info("scheduler: run created",
		append(shared.LogAttrs(shared.WithRunID(ctx, r.ID)), "binding_id", b.ID, "next_run_at", next)...)
	s.dispatch(ctx, r)
	return nil
}

// dispatch executes r on its own goroutine. It waits for earlier runs of the
// same store, then for a free run slot. A run abandoned because ctx ended
// stays pending and is failed by startup recovery.
func (s *Scheduler) dispatch(ctx context.Context, r *run.Run) {
	if s.executor == nil {
		return
	}
	lock := s.storeLock(r.StoreID)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		lock.Lock()
		defer lock.Unlock()
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.logger.Warn("scheduler: run not started before shutdown",
				shared.LogAttrs(shared.WithRunID(ctx, r.ID))...)
			return
		}
		defer func() { <-s.slots }()
		s.execute(ctx, r)
	}()
}

func (s *Scheduler) storeLock(storeID string) *sync.Mutex {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	mu, ok := s.storeLocks[storeID]
	if !ok {
		mu = &sync.Mutex{}
		s.storeLocks[storeID] = mu
	}
	return mu
}

func (s *Scheduler) execute(ctx context.Context, r *run.Run) {
	if s.executor == nil {
		return
	}
	if err := s.executor.Execute(ctx, r); err != nil {
		s.logger.Error("scheduler: execute run",
			append(shared.LogAttrs(shared.WithRunID(ctx, r.ID)), "error", err)...)
	}
}

// TriggerNow creates and executes a run outside the schedule and returns once
// the run is terminal. The binding is created on demand; its next_run_at is
// left untouched.
func (s *Scheduler) TriggerNow(ctx context.Context, storeID, slug string, trigger run.TriggerType, data map[string]any) (*run.Run, error) {
	if trigger == run.TriggerScheduled || !trigger.Valid() {
		return nil, fmt.Errorf("cron: invalid manual trigger type %q", trigger)
	}
	agent, err := s.catalog.Get(slug)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithAgentSlug(shared.WithStoreID(ctx, storeID), agent.Slug)
	ctx, span := otel.StartSpan(ctx, s.tracer, "scheduler.trigger",
		otel.AttrStoreID.String(storeID),
		otel.AttrAgentSlug.String(agent.Slug),
		otel.AttrTrigger.String(string(trigger)),
	)
	defer span.End()

	b, err := s.store.GetOrCreateBinding(ctx, storeID, agent)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	if !b.Permission.AllowsRun() {
		return nil, fmt.Errorf("trigger %s for store %s: %w", agent.Slug, storeID, policy.ErrBlocked)
	}
	if !b.Enabled {
		return nil, fmt.Errorf("trigger %s for store %s: %w", agent.Slug, storeID, ErrBindingDisabled)
	}

	r := run.New(storeID, b.ID, agent.ID, trigger, data, s.now())
	if err := s.store.CreateRun(ctx, r); err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrRunID.String(r.ID))
	s.metrics.RunsCreated.Add(ctx, 1, metric.WithAttributes(
		otel.AttrStoreID.String(storeID),
		otel.AttrAgentSlug.String(agent.Slug),
		otel.AttrTrigger.String(string(trigger)),
	))
	s.logger.Info("scheduler: run triggered", append(shared.LogAttrs(shared.WithRunID(ctx, r.ID)), "trigger", trigger)...)
	s.execute(ctx, r)
	return r, nil
}

// SweepOverdueGoals fails active goals whose deadline has passed. Goals
// closed concurrently are skipped. It returns how many goals it closed.
func (s *Scheduler) SweepOverdueGoals(ctx context.Context) int {
	now := s.now().UTC()
	goals, err := s.store.OverdueGoals(ctx, now, overdueBatch)
	if err != nil {
		s.logger.Error("scheduler: query overdue goals", "error", err)
		return 0
	}
	closed := 0
	for _, g := range goals {
		from := g.Status
		if err := g.Fail("deadline exceeded", now); err != nil {
			continue
		}
		if err := s.store.SaveGoal(ctx, g, from); err != nil {
			if !errors.Is(err, persistence.ErrConflict) {
				s.logger.Error("scheduler: fail overdue goal", "goal_id", g.ID, "error", err)
			}
			continue
		}
		closed++
		s.metrics.GoalsOverdue.Add(ctx, 1, metric.WithAttributes(
			otel.AttrStoreID.String(g.StoreID),
			attribute.String("goal_type", g.GoalType),
		))
	}
	if closed > 0 {
		s.logger.Info("scheduler: overdue goals failed", "count", closed)
	}
	return closed
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
