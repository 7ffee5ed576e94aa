package runner

import (
	"context"
	"log/slog"

	"github.com/basket/agentcore/internal/run"
	"github.com/basket/agentcore/internal/shared"
)

// IdleBrain proposes nothing. Runs complete with an empty plan; used until a
// decision backend is wired in.
type IdleBrain struct{}

func (IdleBrain) Decide(_ context.Context, in Input) (Plan, error) {
	return Plan{Summary: map[string]any{
		"brain":         "idle",
		"active_goals":  len(in.ActiveGoals),
		"history_score": scoreOrNil(in),
	}}, nil
}

func scoreOrNil(in Input) any {
	if !in.HasScore {
		return nil
	}
	return in.AverageScore
}

// LogMutator records approved actions in the log instead of changing domain
// state.
type LogMutator struct {
	Logger *slog.Logger
}

func (m LogMutator) Apply(ctx context.Context, a run.Action, _ any) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("action applied",
		append(shared.LogAttrs(ctx),
			"action_id", a.ID,
			"kind", a.Kind,
			"target", a.Target.String(),
			"decided_by", a.DecidedBy,
		)...)
	return nil
}
