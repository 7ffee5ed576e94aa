package policy_test

import (
	"testing"

	"github.com/basket/agentcore/internal/policy"
)

func TestParsePermissionLevel(t *testing.T) {
	for raw, want := range map[string]policy.PermissionLevel{
		"auto":      policy.PermissionAuto,
		" Approve ": policy.PermissionApprove,
		"BLOCKED":   policy.PermissionBlocked,
	} {
		got, err := policy.ParsePermissionLevel(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %q want %q", raw, got, want)
		}
	}
	if _, err := policy.ParsePermissionLevel("sometimes"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}

func TestPermissionLevel_Ordering(t *testing.T) {
	if !policy.PermissionBlocked.Less(policy.PermissionApprove) {
		t.Fatalf("blocked must be more restrictive than approve")
	}
	if !policy.PermissionApprove.Less(policy.PermissionAuto) {
		t.Fatalf("approve must be more restrictive than auto")
	}
	if policy.PermissionAuto.Less(policy.PermissionAuto) {
		t.Fatalf("a level is not less than itself")
	}
	if got := policy.MostRestrictive(policy.PermissionAuto, policy.PermissionApprove); got != policy.PermissionApprove {
		t.Fatalf("MostRestrictive(auto, approve) = %q", got)
	}
	if got := policy.MostRestrictive(policy.PermissionBlocked, policy.PermissionAuto); got != policy.PermissionBlocked {
		t.Fatalf("MostRestrictive(blocked, auto) = %q", got)
	}
}

func TestGate(t *testing.T) {
	cases := []struct {
		level policy.PermissionLevel
		want  policy.Decision
	}{
		{policy.PermissionAuto, policy.DecisionApply},
		{policy.PermissionApprove, policy.DecisionQueue},
		{policy.PermissionBlocked, policy.DecisionReject},
		{policy.PermissionLevel("bogus"), policy.DecisionReject},
	}
	for _, tc := range cases {
		if got := policy.Gate(tc.level); got != tc.want {
			t.Fatalf("Gate(%q) = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestPredicates(t *testing.T) {
	if !policy.PermissionApprove.RequiresApproval() || policy.PermissionApprove.IsAutoExecute() {
		t.Fatalf("approve predicates wrong")
	}
	if !policy.PermissionAuto.IsAutoExecute() || policy.PermissionAuto.RequiresApproval() {
		t.Fatalf("auto predicates wrong")
	}
	if policy.PermissionBlocked.AllowsRun() || policy.PermissionLevel("").AllowsRun() {
		t.Fatalf("blocked and unknown levels must not run")
	}
}

func TestGateApproval_BlockedWins(t *testing.T) {
	if policy.GateApproval(policy.PermissionBlocked) != policy.DecisionReject {
		t.Fatalf("approval must not override blocked")
	}
	if policy.GateApproval(policy.PermissionApprove) != policy.DecisionApply {
		t.Fatalf("approved action under approve level should apply")
	}
}
