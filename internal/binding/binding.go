// Package binding models the per-tenant state of one (store, agent) pair:
// enablement, config overrides, permission level, and run schedule.
package binding

import (
	"strings"
	"time"

	"github.com/basket/agentcore/internal/catalog"
	"github.com/basket/agentcore/internal/policy"
)

// FrequencyKey is the merged-config key consulted by ScheduleNextRun.
const FrequencyKey = "run_frequency"

// Frequency names a scheduling interval.
type Frequency string

const (
	Hourly           Frequency = "hourly"
	EverySixHours    Frequency = "every_six_hours"
	EveryTwelveHours Frequency = "every_twelve_hours"
	Daily            Frequency = "daily"
	Weekly           Frequency = "weekly"
	Monthly          Frequency = "monthly"
)

// DefaultFrequency applies when neither the caller nor config names one.
const DefaultFrequency = Daily

// Next returns the time one interval after from. Unknown frequencies advance
// by one day. Monthly is a calendar month.
func (f Frequency) Next(from time.Time) time.Time {
	switch Frequency(strings.ToLower(strings.TrimSpace(string(f)))) {
	case Hourly:
		return from.Add(time.Hour)
	case EverySixHours:
		return from.Add(6 * time.Hour)
	case EveryTwelveHours:
		return from.Add(12 * time.Hour)
	case Weekly:
		return from.AddDate(0, 0, 7)
	case Monthly:
		return from.AddDate(0, 1, 0)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// Binding is the StoreAgentBinding row. Unique on (StoreID, AgentID).
type Binding struct {
	ID         string                 `json:"id"`
	StoreID    string                 `json:"store_id"`
	AgentID    string                 `json:"agent_id"`
	Enabled    bool                   `json:"is_enabled"`
	Config     catalog.Config         `json:"config"`
	Permission policy.PermissionLevel `json:"permission_level"`
	LastRunAt  *time.Time             `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time             `json:"next_run_at,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// New builds the binding created on first association of agent with a store.
func New(storeID string, agent catalog.Agent) Binding {
	return Binding{
		StoreID:    storeID,
		AgentID:    agent.ID,
		Enabled:    agent.DefaultEnabled,
		Config:     catalog.Config{},
		Permission: policy.DefaultPermission,
	}
}

// MergedConfig overlays this binding's overrides on the agent defaults.
func (b Binding) MergedConfig(agent catalog.Agent) catalog.Config {
	return agent.MergedConfig(b.Config)
}

// CanRun is true iff the binding is enabled and not blocked.
func (b Binding) CanRun() bool {
	return b.Enabled && b.Permission.AllowsRun()
}

// IsDueForRun reports whether the scheduler should create a run at now.
func (b Binding) IsDueForRun(now time.Time) bool {
	if !b.CanRun() {
		return false
	}
	if b.NextRunAt == nil {
		return true
	}
	return !b.NextRunAt.After(now)
}

// ResolveFrequency picks the explicit frequency if given, else the merged
// config's run_frequency, else daily.
func (b Binding) ResolveFrequency(agent catalog.Agent, explicit string) Frequency {
	if f := strings.TrimSpace(explicit); f != "" {
		return Frequency(f)
	}
	if f, ok := b.MergedConfig(agent).String(FrequencyKey); ok {
		return Frequency(f)
	}
	return DefaultFrequency
}

// NextRunTime computes the next due time from now without mutating b.
func (b Binding) NextRunTime(agent catalog.Agent, frequency string, now time.Time) time.Time {
	return b.ResolveFrequency(agent, frequency).Next(now.UTC())
}

// ScheduleNextRun overwrites NextRunAt with now plus the resolved frequency.
// The prior value is ignored.
func (b *Binding) ScheduleNextRun(agent catalog.Agent, frequency string, now time.Time) time.Time {
	next := b.NextRunTime(agent, frequency, now)
	b.NextRunAt = &next
	return next
}

// MarkAsRun records that a run happened at now.
func (b *Binding) MarkAsRun(now time.Time) {
	t := now.UTC()
	b.LastRunAt = &t
}
