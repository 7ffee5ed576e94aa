package runner

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/policy"
	"github.com/basket/agentcore/internal/run"
	"github.com/basket/agentcore/internal/shared"
)

// ErrNotAwaitingApproval is returned when an approval decision targets an
// action that is not queued for one.
var ErrNotAwaitingApproval = errors.New("action is not awaiting approval")

// propose records p as an action of r and acts on the gate decision for level.
func (rn *Runner) propose(ctx context.Context, r *run.Run, level policy.PermissionLevel, p Proposal) error {
	now := rn.now()
	a := run.NewAction(r, p.Kind, p.Target, p.Payload, now)
	a.Decision = policy.Gate(level)
	if err := rn.store.InsertAction(ctx, a); err != nil {
		return err
	}

	reason := "permission level " + string(level)
	rn.audit(ctx, a, level, a.Decision, reason, "")
	rn.metrics.ActionsGated.Add(ctx, 1, metric.WithAttributes(
		otel.AttrActionKind.String(a.Kind),
		otel.AttrDecision.String(string(a.Decision)),
		otel.AttrPermission.String(string(level)),
	))
	rn.publishAction(bus.TopicActionGated, a)

	switch a.Decision {
	case policy.DecisionApply:
		if err := rn.decide(ctx, a, func() error { return a.Approve(run.AutoApprover, now) }); err != nil {
			return err
		}
		rn.apply(ctx, a)
	case policy.DecisionReject:
		return rn.decide(ctx, a, func() error { return a.Reject("policy:"+string(level), reason, now) })
	}
	// Queued actions stay pending until ApproveAction or RejectAction.
	return nil
}

// decide applies transition to a and persists it against the pending state.
func (rn *Runner) decide(ctx context.Context, a *run.Action, transition func() error) error {
	from := a.Status
	if err := transition(); err != nil {
		return err
	}
	return rn.store.SaveAction(ctx, a, from)
}

// apply hands an approved action to the mutator and records the result.
func (rn *Runner) apply(ctx context.Context, a *run.Action) {
	var target any
	var err error
	if rn.entities != nil && rn.entities.Len() > 0 && !a.Target.IsZero() {
		target, err = rn.entities.Resolve(ctx, a.Target)
	}
	if err == nil {
		actx, span := otel.StartClientSpan(ctx, rn.tracer, "mutator.apply",
			otel.AttrActionKind.String(a.Kind),
			otel.AttrStoreID.String(a.StoreID),
		)
		err = rn.mutator.Apply(actx, *a, target)
		otel.RecordError(span, err)
		span.End()
	}

	from := a.Status
	now := rn.now()
	topic := bus.TopicActionApplied
	if err != nil {
		topic = bus.TopicActionFailed
		_ = a.MarkFailed(shared.Redact(err.Error()), now)
		rn.logger.Warn("action failed", append(shared.LogAttrs(ctx), "action_id", a.ID, "kind", a.Kind, "error", a.Error)...)
	} else {
		_ = a.MarkExecuted(now)
	}
	if err := rn.store.SaveAction(context.WithoutCancel(ctx), a, from); err != nil {
		rn.setLastError(err)
		rn.logger.Error("save action result", append(shared.LogAttrs(ctx), "action_id", a.ID, "error", err)...)
		return
	}
	rn.publishAction(topic, a)
}

// ApproveAction applies a queued action on behalf of approver. The binding's
// current permission level is checked again; an approval cannot override a
// binding that has since been blocked.
func (rn *Runner) ApproveAction(ctx context.Context, storeID, actionID, approver string) (*run.Action, error) {
	a, err := rn.awaitingApproval(ctx, storeID, actionID)
	if err != nil {
		return nil, err
	}
	b, err := rn.store.FindBinding(ctx, a.StoreID, a.AgentID)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithRunID(shared.WithStoreID(ctx, a.StoreID), a.RunID)
	now := rn.now()

	if policy.GateApproval(b.Permission) == policy.DecisionReject {
		reason := "binding is blocked"
		if err := rn.decide(ctx, a, func() error { return a.Reject("policy:"+string(b.Permission), reason, now) }); err != nil {
			return nil, rn.conflictAsNotAwaiting(err)
		}
		rn.audit(ctx, a, b.Permission, policy.DecisionReject, reason, approver)
		rn.publishAction(bus.TopicActionFailed, a)
		return a, fmt.Errorf("approve action %s: %w", a.ID, policy.ErrBlocked)
	}

	if err := rn.decide(ctx, a, func() error { return a.Approve(approver, now) }); err != nil {
		return nil, rn.conflictAsNotAwaiting(err)
	}
	rn.audit(ctx, a, b.Permission, policy.DecisionApply, "approved", approver)
	rn.apply(ctx, a)
	return a, nil
}

// RejectAction closes a queued action without applying it.
func (rn *Runner) RejectAction(ctx context.Context, storeID, actionID, by, reason string) (*run.Action, error) {
	a, err := rn.awaitingApproval(ctx, storeID, actionID)
	if err != nil {
		return nil, err
	}
	b, err := rn.store.FindBinding(ctx, a.StoreID, a.AgentID)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithRunID(shared.WithStoreID(ctx, a.StoreID), a.RunID)
	if err := rn.decide(ctx, a, func() error { return a.Reject(by, reason, rn.now()) }); err != nil {
		return nil, rn.conflictAsNotAwaiting(err)
	}
	rn.audit(ctx, a, b.Permission, policy.DecisionReject, reason, by)
	return a, nil
}

func (rn *Runner) awaitingApproval(ctx context.Context, storeID, actionID string) (*run.Action, error) {
	a, err := rn.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if a.StoreID != storeID {
		return nil, fmt.Errorf("action %s: %w", actionID, persistence.ErrNotFound)
	}
	if a.Status != run.ActionPending || a.Decision != policy.DecisionQueue {
		return nil, fmt.Errorf("action %s is %s: %w", a.ID, a.Status, ErrNotAwaitingApproval)
	}
	return a, nil
}

func (rn *Runner) conflictAsNotAwaiting(err error) error {
	if errors.Is(err, persistence.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrNotAwaitingApproval, err)
	}
	return err
}

func (rn *Runner) audit(ctx context.Context, a *run.Action, level policy.PermissionLevel, decision policy.Decision, reason, actor string) {
	audit.Record(ctx, audit.Entry{
		StoreID:    a.StoreID,
		AgentID:    a.AgentID,
		RunID:      a.RunID,
		ActionID:   a.ID,
		ActionKind: a.Kind,
		Permission: string(level),
		Decision:   string(decision),
		Reason:     reason,
		Actor:      actor,
	})
}

func (rn *Runner) publishAction(topic string, a *run.Action) {
	if rn.bus == nil {
		return
	}
	rn.bus.Publish(topic, bus.ActionEvent{
		ActionID: a.ID,
		RunID:    a.RunID,
		StoreID:  a.StoreID,
		Kind:     a.Kind,
		Target:   a.Target.String(),
		Decision: string(a.Decision),
		Status:   string(a.Status),
		Error:    a.Error,
	})
}
