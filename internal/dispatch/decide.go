package dispatch

import (
	"github.com/nightshift-sh/nightshift/internal/probe"
)

// Action is what the dispatcher does for an issue this run.
type Action string

const (
	// ActionNone means the issue is waiting on a human.
	ActionNone Action = "none"
	// ActionPlan posts a new or revised implementation plan.
	ActionPlan Action = "plan"
	// ActionImplement builds the approved plan and opens a draft PR.
	ActionImplement Action = "implement"
	// ActionUpdatePR addresses pending review feedback on the PR.
	ActionUpdatePR Action = "update_pr"
	// ActionCleanup removes the workspace of a merged PR.
	ActionCleanup Action = "cleanup"
)

// Decision pairs an action with the probe state and a human-readable reason.
// Deciding is separated from executing so a dry run can show exactly what a
// real run would do.
type Decision struct {
	Action Action
	State  probe.State
	Reason string
}

// Decide maps a probe result to the single action to take. Pure: all I/O
// happened during snapshot assembly.
func Decide(r probe.Result) Decision {
	state := r.State()
	switch state {
	case probe.StatePRMerged:
		return Decision{ActionCleanup, state, "linked PR is merged"}
	case probe.StatePRNeedsUpdate:
		return Decision{ActionUpdatePR, state, "PR has unaddressed review comments"}
	case probe.StatePRClean:
		return Decision{ActionNone, state, "PR is awaiting review"}
	case probe.StateApproved:
		return Decision{ActionImplement, state, "plan is approved"}
	case probe.StatePlanNeedsRevision:
		return Decision{ActionPlan, state, "plan received feedback"}
	case probe.StatePlanPosted:
		return Decision{ActionNone, state, "plan is awaiting approval"}
	default:
		return Decision{ActionPlan, state, "no plan posted yet"}
	}
}
