// Package probe derives an issue's lifecycle state from a snapshot of its
// tracker data. Derivation is a pure function: state is recomputed from
// scratch on every run and never persisted, so a crashed run loses nothing.
package probe

import (
	"strings"
	"time"
)

// PlanMarker is the hidden token embedded in automation-authored plan
// comments. HTML comments are invisible in GitHub's rendered view.
const PlanMarker = "<!-- nightshift:plan -->"

// DefaultApprovalToken is the reply a human posts to authorize implementation.
const DefaultApprovalToken = "lgtm"

// Comment is one issue comment in the snapshot.
type Comment struct {
	ID        int64
	Body      string
	User      string
	CreatedAt time.Time
}

// PRInfo is the linked pull request's state in the snapshot.
type PRInfo struct {
	Number         int
	Merged         bool
	ReviewComments int
	// MaxReviewCommentID is the highest line-comment ID on the PR, or 0
	// when review comments were not fetched.
	MaxReviewCommentID int64
}

// Snapshot is everything the prober looks at: the issue's ordered comment
// list, its linked PR (nil if none), and the locally recorded review
// watermark (0 if none recorded).
type Snapshot struct {
	Comments        []Comment
	PR              *PRInfo
	ReviewWatermark int64
}

// State is a derived lifecycle state.
type State string

const (
	StateNoPlan            State = "no_plan"
	StatePlanPosted        State = "plan_posted"
	StatePlanNeedsRevision State = "plan_needs_revision"
	StateApproved          State = "approved"
	StatePRClean           State = "pr_clean"
	StatePRNeedsUpdate     State = "pr_needs_update"
	StatePRMerged          State = "pr_merged"
)

// Result holds the answers to the prober's questions for one issue.
type Result struct {
	HasPlan                    bool
	LatestPlanAt               time.Time
	HasApproval                bool
	ApprovalCommentID          int64
	HasUnaddressedPlanFeedback bool
	HasLinkedPR                bool
	PRNumber                   int
	PRIsMerged                 bool
	PRHasNewReviewComments     bool
}

// IsPlanComment reports whether a comment body carries the plan marker.
func IsPlanComment(body string) bool {
	return strings.Contains(body, PlanMarker)
}

// IsApproval reports whether a comment body is exactly the approval token,
// after trimming whitespace, case-insensitive.
func IsApproval(body, token string) bool {
	return strings.EqualFold(strings.TrimSpace(body), token)
}

// Derive computes the full probe result from a snapshot. It performs no I/O;
// calling it twice on the same snapshot yields identical results.
func Derive(s Snapshot, approvalToken string) Result {
	if approvalToken == "" {
		approvalToken = DefaultApprovalToken
	}

	var r Result

	for _, c := range s.Comments {
		if IsPlanComment(c.Body) {
			r.HasPlan = true
			if c.CreatedAt.After(r.LatestPlanAt) {
				r.LatestPlanAt = c.CreatedAt
			}
			continue
		}
		if IsApproval(c.Body, approvalToken) {
			r.HasApproval = true
			if c.ID > r.ApprovalCommentID {
				r.ApprovalCommentID = c.ID
			}
		}
	}

	// Feedback is any non-plan, non-approval comment created strictly after
	// the latest plan. Comments that predate the current plan were already
	// addressed by the revision that produced it.
	if r.HasPlan {
		for _, c := range s.Comments {
			if IsPlanComment(c.Body) || IsApproval(c.Body, approvalToken) {
				continue
			}
			if c.CreatedAt.After(r.LatestPlanAt) {
				r.HasUnaddressedPlanFeedback = true
				break
			}
		}
	}

	if s.PR != nil {
		r.HasLinkedPR = true
		r.PRNumber = s.PR.Number
		r.PRIsMerged = s.PR.Merged
		r.PRHasNewReviewComments = hasNewReviewComments(s.PR, s.ReviewWatermark)
	}

	return r
}

// hasNewReviewComments applies the watermark rule: when both the PR's highest
// review-comment ID and a local watermark are known, only comments above the
// watermark count as new. Without a watermark it falls back to the nonzero
// total-count rule, so a fresh run (no workspace yet) still picks up feedback.
func hasNewReviewComments(pr *PRInfo, watermark int64) bool {
	if pr.MaxReviewCommentID > 0 && watermark > 0 {
		return pr.MaxReviewCommentID > watermark
	}
	return pr.ReviewComments > 0
}

// State collapses a probe result into a single lifecycle state, applying the
// dispatch priority: linked PR first, then approval, then plan status.
// Approval takes priority over plan revision so an approved issue is never
// stuck waiting on feedback posted before the approval.
func (r Result) State() State {
	switch {
	case r.HasLinkedPR && r.PRIsMerged:
		return StatePRMerged
	case r.HasLinkedPR && r.PRHasNewReviewComments:
		return StatePRNeedsUpdate
	case r.HasLinkedPR:
		return StatePRClean
	case r.HasApproval:
		return StateApproved
	case r.HasPlan && r.HasUnaddressedPlanFeedback:
		return StatePlanNeedsRevision
	case r.HasPlan:
		return StatePlanPosted
	default:
		return StateNoPlan
	}
}
