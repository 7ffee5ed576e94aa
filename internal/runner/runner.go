// Package runner executes agent runs: it asks a Brain for a plan, passes each
// proposed action through the permission gate, and drives the run to a
// terminal state.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentcore/internal/binding"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/goal"
	"github.com/basket/agentcore/internal/learning"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
	"github.com/basket/agentcore/internal/shared"
)

// DefaultRunTimeout bounds a run when Config.RunTimeout is zero.
const DefaultRunTimeout = 10 * time.Minute

// recentSuccessLimit caps the successful outcomes handed to a Brain.
const recentSuccessLimit = 10

// Proposal is one mutation a Brain wants applied.
type Proposal struct {
	Kind    string
	Target  entity.Ref
	Payload map[string]any
}

// GoalUpdate reports progress against one of the input's active goals and
// optionally closes it.
type GoalUpdate struct {
	GoalID   string
	Progress map[string]any
	// Close is completed, cancelled or failed. Empty keeps the goal active.
	Close  goal.Status
	Reason string
}

// GoalProposal opens a goal for the run's store and agent.
type GoalProposal struct {
	GoalType   string
	Target     entity.Ref
	Parameters map[string]any
	DeadlineAt *time.Time
}

// Plan is what a Brain decided for one run.
type Plan struct {
	Actions []Proposal
	Summary map[string]any
	// Score overrides the executed/decided ratio recorded as the run's
	// learning score. Must be within [0, 1].
	Score         *float64
	Goals         []GoalUpdate
	NewGoals      []GoalProposal
	UsageRecordID string
}

// Input is everything a Brain sees for one run.
type Input struct {
	Run          run.Run
	Agent        catalog.Agent
	Binding      binding.Binding
	Config       catalog.Config
	AverageScore float64
	HasScore     bool
	// RecentSuccesses are the newest successful run outcomes of the last
	// 30 days for this store and agent.
	RecentSuccesses []learning.Learning
	ActiveGoals     []*goal.Goal
}

// Brain decides what a run should do.
type Brain interface {
	Decide(ctx context.Context, in Input) (Plan, error)
}

// BrainFunc adapts a function to Brain.
type BrainFunc func(ctx context.Context, in Input) (Plan, error)

func (f BrainFunc) Decide(ctx context.Context, in Input) (Plan, error) { return f(ctx, in) }

// Mutator applies an approved action to the domain. target is the resolved
// entity when an entity registry is configured, otherwise nil.
type Mutator interface {
	Apply(ctx context.Context, a run.Action, target any) error
}

// MutatorFunc adapts a function to Mutator.
type MutatorFunc func(ctx context.Context, a run.Action, target any) error

func (f MutatorFunc) Apply(ctx context.Context, a run.Action, target any) error {
	return f(ctx, a, target)
}

type Config struct {
	Store    *persistence.Store
	Catalog  *catalog.Registry
	Brain    Brain
	Mutator  Mutator
	Entities *entity.Registry // optional; resolves action targets before Apply once a kind is registered
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer

	RunTimeout time.Duration
	Now        func() time.Time
}

type Status struct {
	ActiveRuns int32  `json:"active_runs"`
	LastError  string `json:"last_error,omitempty"`
}

// Runner executes runs handed to it by the scheduler or a manual trigger.
type Runner struct {
	store    *persistence.Store
	catalog  *catalog.Registry
	brain    Brain
	mutator  Mutator
	entities *entity.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	timeout  time.Duration
	now      func() time.Time

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc

	activeRuns atomic.Int32
	lastError  atomic.Pointer[string]
}

func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil || cfg.Catalog == nil {
		return nil, errors.New("runner: store and catalog are required")
	}
	if cfg.Brain == nil || cfg.Mutator == nil {
		return nil, errors.New("runner: brain and mutator are required")
	}
	rn := &Runner{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		brain:    cfg.Brain,
		mutator:  cfg.Mutator,
		entities: cfg.Entities,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		timeout:  cfg.RunTimeout,
		now:      cfg.Now,
		cancels:  map[string]context.CancelFunc{},
	}
	if rn.logger == nil {
		rn.logger = slog.Default()
	}
	if rn.metrics == nil {
		rn.metrics = otel.NoopMetrics()
	}
	if rn.tracer == nil {
		rn.tracer = otel.NoopTracer()
	}
	if rn.timeout <= 0 {
		rn.timeout = DefaultRunTimeout
	}
	if rn.now == nil {
		rn.now = time.Now
	}
	return rn, nil
}

// Execute drives a pending run to a terminal state. It returns an error when
// the run failed or could not be persisted; a run cancelled while in flight
// returns nil.
func (rn *Runner) Execute(ctx context.Context, r *run.Run) error {
	ctx = shared.WithRunID(shared.WithStoreID(ctx, r.StoreID), r.ID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}

	agent, err := rn.catalog.ByID(r.AgentID)
	if err != nil {
		return rn.failBeforeStart(ctx, r, "agent is no longer in the catalog")
	}
	ctx = shared.WithAgentSlug(ctx, agent.Slug)
	b, err := rn.store.GetBinding(ctx, r.BindingID)
	if err != nil {
		rn.setLastError(err)
		return fmt.Errorf("load binding for run %s: %w", r.ID, err)
	}
	if !b.CanRun() {
		return rn.failBeforeStart(ctx, r, "binding is disabled or blocked")
	}

	ctx, span := otel.StartSpan(ctx, rn.tracer, "agent.run",
		otel.AttrStoreID.String(r.StoreID),
		otel.AttrAgentSlug.String(agent.Slug),
		otel.AttrRunID.String(r.ID),
		otel.AttrTrigger.String(string(r.TriggerType)),
		otel.AttrPermission.String(string(b.Permission)),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, rn.timeout)
	rn.activeRuns.Add(1)
	defer rn.activeRuns.Add(-1)
	rn.metrics.ActiveRuns.Add(ctx, 1)
	defer rn.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	rn.cancelMu.Lock()
	rn.cancels[r.ID] = cancel
	rn.cancelMu.Unlock()
	defer func() {
		cancel()
		rn.cancelMu.Lock()
		delete(rn.cancels, r.ID)
		rn.cancelMu.Unlock()
	}()

	from := r.Status
	if err := r.Start(rn.now()); err != nil {
		return err
	}
	if err := rn.store.SaveRun(ctx, r, from); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			rn.logger.Info("run changed before start; skipping", shared.LogAttrs(ctx)...)
			return nil
		}
		rn.setLastError(err)
		return err
	}
	rn.publishRun(bus.TopicRunStarted, r)
	rn.logger.Info("run started", append(shared.LogAttrs(ctx), "trigger", r.TriggerType, "permission_level", b.Permission)...)

	plan, procErr := rn.process(runCtx, r, agent, b)
	err = rn.finalize(ctx, runCtx, r, agent, b, plan, procErr)
	otel.RecordError(span, err)
	span.SetAttributes(otel.AttrRunStatus.String(string(r.Status)))
	return err
}

// process asks the brain for a plan and gates every proposed action.
func (rn *Runner) process(ctx context.Context, r *run.Run, agent catalog.Agent, b binding.Binding) (Plan, error) {
	in := Input{Run: *r, Agent: agent, Binding: b, Config: b.MergedConfig(agent)}
	avg, ok, err := rn.store.AverageScore(ctx, r.StoreID, agent.ID, learning.TypeRunOutcome)
	if err != nil {
		return Plan{}, err
	}
	in.AverageScore, in.HasScore = avg, ok
	recent := learning.For(r.StoreID, agent.ID, learning.TypeRunOutcome).
		Successful().
		Recent(0, rn.now()).
		WithLimit(recentSuccessLimit)
	if in.RecentSuccesses, err = rn.store.ListLearnings(ctx, recent); err != nil {
		return Plan{}, err
	}
	if in.ActiveGoals, err = rn.store.ActiveGoals(ctx, r.StoreID, agent.ID); err != nil {
		return Plan{}, err
	}

	dctx, span := otel.StartClientSpan(ctx, rn.tracer, "brain.decide", otel.AttrAgentSlug.String(agent.Slug))
	plan, err := rn.brain.Decide(dctx, in)
	otel.RecordError(span, err)
	span.End()
	if err != nil {
		return plan, err
	}
	if err := ctx.Err(); err != nil {
		return plan, err
	}

	// The permission level may have changed while the brain was deciding. A
	// run never gains permission it did not start with.
	current, err := rn.store.GetBinding(ctx, b.ID)
	if err != nil {
		return plan, err
	}
	level := policy.MostRestrictive(b.Permission, current.Permission)
	for _, p := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		if err := rn.propose(ctx, r, level, p); err != nil {
			return plan, err
		}
	}
	rn.applyGoals(ctx, r, plan.Goals)
	rn.openGoals(ctx, r, plan.NewGoals)
	return plan, nil
}

// openGoals persists the goals a plan commits to. Invalid proposals are
// logged and skipped.
func (rn *Runner) openGoals(ctx context.Context, r *run.Run, proposals []GoalProposal) {
	for _, p := range proposals {
		if p.GoalType == "" {
			rn.logger.Warn("goal proposal skipped: goal type is required", shared.LogAttrs(ctx)...)
			continue
		}
		g := goal.New(r.StoreID, r.AgentID, p.GoalType, p.Target, maps.Clone(p.Parameters), p.DeadlineAt, rn.now())
		if err := rn.store.CreateGoal(ctx, g); err != nil {
			rn.logger.Warn("goal create failed", append(shared.LogAttrs(ctx), "goal_type", p.GoalType, "error", err)...)
			continue
		}
		rn.logger.Info("goal opened", append(shared.LogAttrs(ctx),
			"goal_id", g.ID, "goal_type", g.GoalType, "target", g.Target.String())...)
	}
}

func (rn *Runner) applyGoals(ctx context.Context, r *run.Run, updates []GoalUpdate) {
	for _, u := range updates {
		attrs := append(shared.LogAttrs(ctx), "goal_id", u.GoalID)
		g, err := rn.store.GetGoal(ctx, u.GoalID)
		if err != nil {
			rn.logger.Warn("goal update skipped", append(attrs, "error", err)...)
			continue
		}
		if g.StoreID != r.StoreID || g.AgentID != r.AgentID {
			rn.logger.Warn("goal update skipped: goal belongs to another binding", attrs...)
			continue
		}
		from := g.Status
		now := rn.now()
		if len(u.Progress) > 0 {
			if err := g.UpdateProgress(u.Progress, now); err != nil {
				rn.logger.Warn("goal update skipped", append(attrs, "error", err)...)
				continue
			}
		}
		if u.Close != "" {
			if err := g.Close(u.Close, u.Reason, now); err != nil {
				rn.logger.Warn("goal close skipped", append(attrs, "error", err)...)
				continue
			}
		}
		if err := rn.store.SaveGoal(ctx, g, from); err != nil {
			rn.logger.Warn("goal save failed", append(attrs, "error", err)...)
		}
	}
}

// finalize writes the terminal state. A run cancelled through Cancel is
// already persisted and is never overwritten.
func (rn *Runner) finalize(ctx, runCtx context.Context, r *run.Run, agent catalog.Agent, b binding.Binding, plan Plan, procErr error) error {
	wctx := context.WithoutCancel(ctx)
	counts, err := rn.store.ActionCounts(wctx, r.ID)
	if err != nil {
		rn.setLastError(err)
	}

	from := r.Status
	now := rn.now()
	switch {
	case procErr == nil && runCtx.Err() == nil:
		summary := maps.Clone(plan.Summary)
		if summary == nil {
			summary = map[string]any{}
		}
		summary["actions"] = countsSummary(counts)
		r.UsageRecordID = plan.UsageRecordID
		err = r.Complete(summary, now)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = r.Fail("run timeout exceeded", now)
	case runCtx.Err() != nil && ctx.Err() == nil:
		rn.logger.Info("run cancelled", shared.LogAttrs(ctx)...)
		return nil
	case runCtx.Err() != nil:
		err = r.Fail("interrupted by shutdown", now)
	default:
		err = r.Fail(shared.Redact(procErr.Error()), now)
	}
	if err != nil {
		return err
	}
	if err := rn.store.SaveRun(wctx, r, from); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			rn.logger.Info("run finalized elsewhere; keeping stored state", shared.LogAttrs(ctx)...)
			return nil
		}
		rn.setLastError(err)
		return err
	}

	topic := bus.TopicRunCompleted
	if r.Status == run.StatusFailed {
		topic = bus.TopicRunFailed
	}
	rn.publishRun(topic, r)
	rn.recordFinished(wctx, r, agent)
	rn.recordLearning(wctx, r, agent, b, plan, counts)
	if err := rn.store.MarkBindingRun(wctx, b.ID, now); err != nil {
		rn.logger.Warn("mark binding run failed", append(shared.LogAttrs(ctx), "error", err)...)
	}

	if r.Status == run.StatusFailed {
		err := fmt.Errorf("run %s failed: %s", r.ID, r.ErrorMessage)
		rn.setLastError(err)
		rn.logger.Warn("run failed", append(shared.LogAttrs(ctx), "error", r.ErrorMessage)...)
		return err
	}
	rn.logger.Info("run completed", append(shared.LogAttrs(ctx),
		"executed", counts.Executed, "queued", counts.Pending, "failed", counts.Failed)...)
	return nil
}

// failBeforeStart closes a pending run that cannot be started.
func (rn *Runner) failBeforeStart(ctx context.Context, r *run.Run, reason string) error {
	from := r.Status
	if err := r.Fail(reason, rn.now()); err != nil {
		return err
	}
	if err := rn.store.SaveRun(context.WithoutCancel(ctx), r, from); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			return nil
		}
		return err
	}
	rn.publishRun(bus.TopicRunFailed, r)
	rn.metrics.RunsFinished.Add(ctx, 1, metric.WithAttributes(
		otel.AttrStoreID.String(r.StoreID),
		otel.AttrRunStatus.String(string(r.Status)),
	))
	err := fmt.Errorf("run %s: %s", r.ID, reason)
	rn.setLastError(err)
	return err
}

func (rn *Runner) recordFinished(ctx context.Context, r *run.Run, agent catalog.Agent) {
	attrs := metric.WithAttributes(
		otel.AttrStoreID.String(r.StoreID),
		otel.AttrAgentSlug.String(agent.Slug),
		otel.AttrRunStatus.String(string(r.Status)),
	)
	rn.metrics.RunsFinished.Add(ctx, 1, attrs)
	if secs, ok := r.DurationSeconds(); ok {
		rn.metrics.RunDuration.Record(ctx, float64(secs), attrs)
	}
}

// recordLearning appends the run_outcome row. Completed runs score the
// brain's value if given, else executed over decided actions; failed runs
// score zero.
func (rn *Runner) recordLearning(ctx context.Context, r *run.Run, agent catalog.Agent, b binding.Binding, plan Plan, counts run.ActionCounts) {
	var score *float64
	switch {
	case r.Status == run.StatusFailed:
		score = learning.Score(0)
	case plan.Score != nil:
		score = plan.Score
	case counts.Executed+counts.Failed > 0:
		score = learning.Score(float64(counts.Executed) / float64(counts.Executed+counts.Failed))
	}
	outcome := map[string]any{
		"status":  string(r.Status),
		"actions": countsSummary(counts),
	}
	if r.ErrorMessage != "" {
		outcome["error"] = r.ErrorMessage
	}
	l, err := learning.New(r.StoreID, agent.ID, learning.TypeRunOutcome, map[string]any{
		"trigger_type":     string(r.TriggerType),
		"permission_level": string(b.Permission),
		"config":           shared.RedactConfig(b.MergedConfig(agent)),
	}, outcome, score, rn.now())
	if err != nil {
		rn.logger.Warn("learning dropped", append(shared.LogAttrs(ctx), "error", err)...)
		return
	}
	l.RunID = r.ID
	if err := rn.store.RecordLearning(ctx, l); err != nil {
		rn.logger.Warn("record learning failed", append(shared.LogAttrs(ctx), "error", err)...)
		return
	}
	rn.metrics.LearningRecorded.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentSlug.String(agent.Slug)))
}

// Cancel marks a non-terminal run of storeID cancelled and stops it if it is
// executing here. It reports false when the run had already finished. A run
// executing in another process keeps going until its final write, which
// then leaves the cancelled state in place.
func (rn *Runner) Cancel(ctx context.Context, storeID, runID string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		r, err := rn.store.GetRun(ctx, runID)
		if err != nil {
			return false, err
		}
		if r.StoreID != storeID {
			return false, fmt.Errorf("run %s: %w", runID, persistence.ErrNotFound)
		}
		if r.Status.Terminal() {
			return false, nil
		}
		from := r.Status
		if err := r.Cancel(rn.now()); err != nil {
			return false, err
		}
		err = rn.store.SaveRun(ctx, r, from)
		if errors.Is(err, persistence.ErrConflict) {
			continue
		}
		if err != nil {
			rn.setLastError(err)
			return false, err
		}

		rn.cancelMu.RLock()
		cancel, ok := rn.cancels[runID]
		rn.cancelMu.RUnlock()
		if ok {
			cancel()
		}
		rn.publishRun(bus.TopicRunCancelled, r)
		rn.metrics.RunsFinished.Add(ctx, 1, metric.WithAttributes(
			otel.AttrStoreID.String(r.StoreID),
			otel.AttrRunStatus.String(string(r.Status)),
		))
		rn.logger.Info("run cancel requested", "run_id", runID, "store_id", r.StoreID, "in_flight", ok)
		return true, nil
	}
	return false, fmt.Errorf("cancel run %s: %w", runID, persistence.ErrConflict)
}

func (rn *Runner) Status() Status {
	status := Status{ActiveRuns: rn.activeRuns.Load()}
	if ptr := rn.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

func (rn *Runner) publishRun(topic string, r *run.Run) {
	if rn.bus == nil {
		return
	}
	rn.bus.Publish(topic, bus.RunEvent{
		RunID:       r.ID,
		StoreID:     r.StoreID,
		AgentID:     r.AgentID,
		TriggerType: string(r.TriggerType),
		Status:      string(r.Status),
		Error:       r.ErrorMessage,
	})
}

func (rn *Runner) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	rn.lastError.Store(&msg)
}

func countsSummary(c run.ActionCounts) map[string]any {
	return map[string]any{
		"proposed": c.Total(),
		"executed": c.Executed,
		"queued":   c.Pending,
		"approved": c.Approved,
		"rejected": c.Rejected,
		"failed":   c.Failed,
	}
}
