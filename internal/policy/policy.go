// Package policy gates agent actions by the permission level of the
// store/agent binding that produced them. Everything here is a pure predicate;
// recording decisions is the caller's job.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBlocked is returned when a binding's permission level forbids running.
var ErrBlocked = errors.New("agent is blocked for this store")

// PermissionLevel governs whether an agent's actions apply automatically,
// require approval, or never run.
type PermissionLevel string

const (
	PermissionBlocked PermissionLevel = "blocked"
	PermissionApprove PermissionLevel = "approve"
	PermissionAuto    PermissionLevel = "auto"
)

// DefaultPermission is assigned to newly created bindings.
const DefaultPermission = PermissionApprove

// ParsePermissionLevel parses a level name, case-insensitively.
func ParsePermissionLevel(raw string) (PermissionLevel, error) {
	p := PermissionLevel(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission level %q", raw)
	}
	return p, nil
}

func (p PermissionLevel) Valid() bool {
	switch p {
	case PermissionBlocked, PermissionApprove, PermissionAuto:
		return true
	}
	return false
}

// rank orders levels by permissiveness: Blocked < Approve < Auto.
// Unknown levels rank below Blocked.
func (p PermissionLevel) rank() int {
	switch p {
	case PermissionBlocked:
		return 0
	case PermissionApprove:
		return 1
	case PermissionAuto:
		return 2
	}
	return -1
}

// Less reports whether p is more restrictive than other.
func (p PermissionLevel) Less(other PermissionLevel) bool {
	return p.rank() < other.rank()
}

// MostRestrictive returns the more restrictive of two levels.
func MostRestrictive(a, b PermissionLevel) PermissionLevel {
	if b.Less(a) {
		return b
	}
	return a
}

// AllowsRun is false only for Blocked (and unknown) levels.
func (p PermissionLevel) AllowsRun() bool {
	return p.rank() > PermissionBlocked.rank()
}

// RequiresApproval reports whether every action must be confirmed by a human
// before the mutation layer applies it.
func (p PermissionLevel) RequiresApproval() bool {
	return p == PermissionApprove
}

// IsAutoExecute reports whether actions are applied without confirmation.
func (p PermissionLevel) IsAutoExecute() bool {
	return p == PermissionAuto
}

// Decision is the gate outcome for one proposed action.
type Decision string

const (
	DecisionApply  Decision = "apply"
	DecisionQueue  Decision = "queue"
	DecisionReject Decision = "reject"
)

// Gate decides what happens to an action proposed under level. Unknown
// levels fail closed.
func Gate(level PermissionLevel) Decision {
	switch {
	case level.IsAutoExecute():
		return DecisionApply
	case level.RequiresApproval():
		return DecisionQueue
	default:
		return DecisionReject
	}
}

// GateApproval decides whether a human approval of a queued action may be
// applied under the binding's current level. Approval cannot override Blocked.
func GateApproval(level PermissionLevel) Decision {
	if !level.AllowsRun() {
		return DecisionReject
	}
	return DecisionApply
}
