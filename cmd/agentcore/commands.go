package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/doctor"
	"github.com/basket/agentcore/internal/entity"
	"github.com/basket/agentcore/internal/goal"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
	"github.com/basket/agentcore/internal/telemetry"
)

// openCommandApp wires the runtime for a one-shot command. Logs go to the log
// file only so command output stays clean.
func openCommandApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, nil, err
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		_ = audit.Close()
		return nil, nil, err
	}
	a, err := openApp(ctx, cfg, logger.With("component", "cli"))
	if err != nil {
		_ = closer.Close()
		_ = audit.Close()
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		_ = closer.Close()
		_ = audit.Close()
	}, nil
}

func newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: agentcore %s %s\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

func commandError(name string, err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
	return 1
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func runTriggerCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("trigger", "[-type manual|event] [-data JSON] <store> <agent>")
	triggerType := fs.String("type", string(run.TriggerManual), "trigger type: manual or event")
	rawData := fs.String("data", "", "trigger data as a JSON object")
	showEvents := fs.Bool("events", false, "print lifecycle events to stderr as JSON lines")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	data, err := parseTriggerData(*rawData)
	if err != nil {
		return commandError("trigger", err)
	}

	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("trigger", err)
	}
	defer cleanup()

	var events *bus.Subscription
	if *showEvents {
		events = a.bus.SubscribeStore(fs.Arg(0), "")
		defer a.bus.Unsubscribe(events)
	}
	r, err := a.sched.TriggerNow(ctx, fs.Arg(0), fs.Arg(1), run.TriggerType(*triggerType), data)
	if events != nil {
		drainEvents(os.Stderr, events)
	}
	if err != nil {
		return commandError("trigger", err)
	}
	final, err := a.store.GetRun(ctx, r.ID)
	if err != nil {
		return commandError("trigger", err)
	}
	if err := writeJSON(out, final); err != nil {
		return commandError("trigger", err)
	}
	if final.Status == run.StatusFailed {
		return 1
	}
	return 0
}

// drainEvents writes every buffered event as one JSON line. Publication is
// synchronous, so everything the run emitted is already buffered.
func drainEvents(w io.Writer, sub *bus.Subscription) {
	enc := json.NewEncoder(w)
	for {
		select {
		case ev := <-sub.Ch():
			_ = enc.Encode(map[string]any{"topic": ev.Topic, "event": ev.Payload})
		default:
			if n := sub.Dropped(); n > 0 {
				fmt.Fprintf(w, "%d events dropped\n", n)
			}
			return
		}
	}
}

func parseTriggerData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("parse -data: %w", err)
	}
	return data, nil
}

func runRunsCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("runs", "[-limit N] [-day YYYY-MM-DD | -outcome success|failure | -agent slug] <store>")
	limit := fs.Int("limit", 20, "maximum runs to list")
	day := fs.String("day", "", "list runs created on this UTC day")
	outcome := fs.String("outcome", "", "success or failure")
	agentSlug := fs.String("agent", "", "list runs of this agent's binding")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 || countSet(*day, *outcome, *agentSlug) > 1 {
		fs.Usage()
		return 2
	}
	storeID := fs.Arg(0)

	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("runs", err)
	}
	defer cleanup()

	var runs []*run.Run
	if *agentSlug != "" {
		runs, err = listAgentRuns(ctx, a, storeID, *agentSlug, *limit)
	} else {
		runs, err = listRuns(ctx, a.store, storeID, *limit, *day, *outcome)
	}
	if err != nil {
		return commandError("runs", err)
	}
	if err := printRuns(out, runs); err != nil {
		return commandError("runs", err)
	}
	return 0
}

func listRuns(ctx context.Context, store *persistence.Store, storeID string, limit int, day, outcome string) ([]*run.Run, error) {
	switch {
	case day != "":
		d, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return nil, fmt.Errorf("parse -day: %w", err)
		}
		return store.ListRunsOnDay(ctx, storeID, d)
	case outcome != "":
		switch strings.ToLower(outcome) {
		case "success", "succeeded", "ok":
			return store.ListRunsByOutcome(ctx, storeID, true, limit)
		case "failure", "failed":
			return store.ListRunsByOutcome(ctx, storeID, false, limit)
		default:
			return nil, fmt.Errorf("unknown -outcome %q", outcome)
		}
	default:
		return store.ListRecentRuns(ctx, storeID, limit)
	}
}

// listAgentRuns lists the runs of one store's binding to slug. A store that
// never bound the agent has no runs.
func listAgentRuns(ctx context.Context, a *app, storeID, slug string, limit int) ([]*run.Run, error) {
	agent, err := a.catalog.Get(slug)
	if err != nil {
		return nil, err
	}
	b, err := a.store.FindBinding(ctx, storeID, agent.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		return []*run.Run{}, nil
	}
	if err != nil {
		return nil, err
	}
	return a.store.ListRunsForBinding(ctx, b.ID, limit)
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}

func printRuns(out io.Writer, runs []*run.Run) error {
	if !isTerminal(out) {
		return writeJSON(out, runs)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tAGENT\tTRIGGER\tSTATUS\tCREATED\tDURATION\tERROR")
	for _, r := range runs {
		duration := "-"
		if secs, ok := r.DurationSeconds(); ok {
			duration = strconv.FormatInt(secs, 10) + "s"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.AgentID, r.TriggerType, r.Status, r.CreatedAt.Format(time.RFC3339), duration, r.ErrorMessage)
	}
	return tw.Flush()
}

func runPendingCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("pending", "<store>")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("pending", err)
	}
	defer cleanup()

	actions, err := a.store.ListActionsAwaitingApproval(ctx, fs.Arg(0))
	if err != nil {
		return commandError("pending", err)
	}
	if err := writeJSON(out, actions); err != nil {
		return commandError("pending", err)
	}
	return 0
}

func runApproveCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("approve", "[-by name] <store> <action-id>")
	by := fs.String("by", currentUser(), "approver recorded on the action")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("approve", err)
	}
	defer cleanup()

	action, err := a.runner.ApproveAction(ctx, fs.Arg(0), fs.Arg(1), *by)
	if action != nil {
		_ = writeJSON(out, action)
	}
	if err != nil {
		return commandError("approve", err)
	}
	return 0
}

func runRejectCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("reject", "[-by name] [-reason text] <store> <action-id>")
	by := fs.String("by", currentUser(), "reviewer recorded on the action")
	reason := fs.String("reason", "rejected by operator", "reason recorded on the action")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("reject", err)
	}
	defer cleanup()

	action, err := a.runner.RejectAction(ctx, fs.Arg(0), fs.Arg(1), *by, *reason)
	if err != nil {
		return commandError("reject", err)
	}
	if err := writeJSON(out, action); err != nil {
		return commandError("reject", err)
	}
	return 0
}

func runCancelCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("cancel", "<store> <run-id>")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: agentcore cancel <store> <run-id>")
		fmt.Fprintln(os.Stderr, "Marks a pending or running run cancelled. A run executing in the daemon is not")
		fmt.Fprintln(os.Stderr, "interrupted; it keeps going until its final write, which leaves the run cancelled.")
	}
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		fs.Usage()
		return 2
	}
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("cancel", err)
	}
	defer cleanup()

	cancelled, err := a.runner.Cancel(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return commandError("cancel", err)
	}
	r, err := a.store.GetRun(ctx, fs.Arg(1))
	if err != nil {
		return commandError("cancel", err)
	}
	if err := writeJSON(out, r); err != nil {
		return commandError("cancel", err)
	}
	if !cancelled {
		fmt.Fprintf(os.Stderr, "cancel: run %s already %s\n", r.ID, r.Status)
		return 1
	}
	return 0
}

// kvFlags collects repeated -set key=value flags.
type kvFlags map[string]string

func (k kvFlags) String() string {
	parts := make([]string, 0, len(k))
	for key, v := range k {
		parts = append(parts, key+"="+v)
	}
	return strings.Join(parts, ",")
}

func (k kvFlags) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	k[key] = value
	return nil
}

// overrides converts -set values to config entries. Values that parse as
// JSON scalars (numbers, booleans, null) keep that type.
func (k kvFlags) overrides() catalog.Config {
	out := make(catalog.Config, len(k))
	for key, raw := range k {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			switch v.(type) {
			case float64, bool, nil:
				out[key] = v
				continue
			}
		}
		out[key] = raw
	}
	return out
}

func runBindCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("bind", "[-enable|-disable] [-permission level] [-due-now] [-set key=value]... <store> <agent>")
	enable := fs.Bool("enable", false, "enable the binding")
	disable := fs.Bool("disable", false, "disable the binding")
	permission := fs.String("permission", "", "auto, approve, or blocked")
	dueNow := fs.Bool("due-now", false, "clear next_run_at so the next tick runs the agent")
	sets := kvFlags{}
	fs.Var(sets, "set", "config override key=value (repeatable)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 2 || (*enable && *disable) {
		fs.Usage()
		return 2
	}

	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("bind", err)
	}
	defer cleanup()

	agent, err := a.catalog.Get(fs.Arg(1))
	if err != nil {
		return commandError("bind", err)
	}
	b, err := a.store.GetOrCreateBinding(ctx, fs.Arg(0), agent)
	if err != nil {
		return commandError("bind", err)
	}
	if *enable || *disable {
		if err := a.store.SetBindingEnabled(ctx, b.ID, *enable); err != nil {
			return commandError("bind", err)
		}
	}
	if *permission != "" {
		level, err := policy.ParsePermissionLevel(*permission)
		if err != nil {
			return commandError("bind", err)
		}
		if err := a.store.SetBindingPermission(ctx, b.ID, level); err != nil {
			return commandError("bind", err)
		}
	}
	if *dueNow {
		if err := a.store.ResetNextRun(ctx, b.ID, nil); err != nil {
			return commandError("bind", err)
		}
	}
	if len(sets) > 0 {
		merged := catalog.MergeConfig(b.Config, sets.overrides())
		if err := a.store.SetBindingConfig(ctx, b.ID, agent, merged); err != nil {
			return commandError("bind", err)
		}
	}

	b, err = a.store.GetBinding(ctx, b.ID)
	if err != nil {
		return commandError("bind", err)
	}
	if err := writeJSON(out, b); err != nil {
		return commandError("bind", err)
	}
	return 0
}

func runGoalCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("goal", "-type name [-target kind/id] [-deadline YYYY-MM-DD] <store> <agent>\n"+
		"       agentcore goal -complete|-cancel|-fail goal-id [-reason text] <store>")
	goalType := fs.String("type", "", "goal type")
	target := fs.String("target", "", "target entity as kind/id")
	deadline := fs.String("deadline", "", "UTC deadline day")
	complete := fs.String("complete", "", "complete this goal")
	cancel := fs.String("cancel", "", "cancel this goal")
	fail := fs.String("fail", "", "fail this goal")
	reason := fs.String("reason", "closed by operator", "failure reason recorded with -fail")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	switch countSet(*complete, *cancel, *fail) {
	case 0:
	case 1:
		if fs.NArg() != 1 || *goalType != "" {
			fs.Usage()
			return 2
		}
		to, id := goal.StatusCompleted, *complete
		switch {
		case *cancel != "":
			to, id = goal.StatusCancelled, *cancel
		case *fail != "":
			to, id = goal.StatusFailed, *fail
		}
		return closeGoal(ctx, out, fs.Arg(0), id, to, *reason)
	default:
		fs.Usage()
		return 2
	}
	if fs.NArg() != 2 || *goalType == "" {
		fs.Usage()
		return 2
	}
	ref, err := parseRef(*target)
	if err != nil {
		return commandError("goal", err)
	}
	var due *time.Time
	if *deadline != "" {
		d, err := time.Parse(time.DateOnly, *deadline)
		if err != nil {
			return commandError("goal", fmt.Errorf("parse -deadline: %w", err))
		}
		due = &d
	}

	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("goal", err)
	}
	defer cleanup()

	agent, err := a.catalog.Get(fs.Arg(1))
	if err != nil {
		return commandError("goal", err)
	}
	g := goal.New(fs.Arg(0), agent.ID, *goalType, ref, nil, due, time.Now())
	if err := a.store.CreateGoal(ctx, g); err != nil {
		return commandError("goal", err)
	}
	if err := writeJSON(out, g); err != nil {
		return commandError("goal", err)
	}
	return 0
}

// closeGoal moves a goal of storeID to a terminal status. A goal closed
// concurrently by a run or the overdue sweep keeps its stored state.
func closeGoal(ctx context.Context, out io.Writer, storeID, goalID string, to goal.Status, reason string) int {
	a, cleanup, err := openCommandApp(ctx)
	if err != nil {
		return commandError("goal", err)
	}
	defer cleanup()

	g, err := a.store.GetGoal(ctx, goalID)
	if err != nil {
		return commandError("goal", err)
	}
	if g.StoreID != storeID {
		return commandError("goal", fmt.Errorf("goal %s: %w", goalID, persistence.ErrNotFound))
	}
	from := g.Status
	if err := g.Close(to, reason, time.Now()); err != nil {
		return commandError("goal", err)
	}
	if err := a.store.SaveGoal(ctx, g, from); err != nil {
		return commandError("goal", err)
	}
	if err := writeJSON(out, g); err != nil {
		return commandError("goal", err)
	}
	return 0
}

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := newFlagSet("doctor", "")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fs.Usage()
		return 2
	}
	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr, Version)
	if !isTerminal(out) {
		if err := writeJSON(out, d); err != nil {
			return commandError("doctor", err)
		}
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE")
		for _, r := range d.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Status, r.Message)
		}
		if err := tw.Flush(); err != nil {
			return commandError("doctor", err)
		}
	}
	if !d.Healthy() {
		return 1
	}
	return 0
}

func parseRef(raw string) (entity.Ref, error) {
	if strings.TrimSpace(raw) == "" {
		return entity.Ref{}, nil
	}
	kind, id, ok := strings.Cut(raw, "/")
	if !ok || kind == "" || id == "" {
		return entity.Ref{}, errors.New("target must be kind/id")
	}
	return entity.Ref{Kind: kind, ID: id}, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
