// Package dispatch drives one scheduler pass over a repository: probe each
// open issue, decide the single action it needs, and run the matching stage
// under a per-issue lock. A failing issue aborts only itself; the pass
// continues with the rest.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/journal"
	"github.com/nightshift-sh/nightshift/internal/lock"
	"github.com/nightshift-sh/nightshift/internal/probe"
)

// DefaultMaxIssues bounds how many issues one pass picks up.
const DefaultMaxIssues = 5

// GitHub is the tracker surface the dispatcher reads and reacts on.
type GitHub interface {
	ListOpenIssues(ctx context.Context, owner, repo string, max int, excludeLabels []string) ([]github.Issue, error)
	FetchIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	FetchIssueComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
	FindIssuePR(ctx context.Context, owner, repo string, issueNumber int) (*github.PR, error)
	FetchReviewComments(ctx context.Context, owner, repo string, prNumber int) ([]github.ReviewComment, error)
	AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error
}

// Locks guards each issue against concurrent runs.
type Locks interface {
	Acquire(repo string, issue int) error
	Release(repo string, issue int) error
}

// Workspaces is the workspace surface the dispatcher needs: enumeration for
// the cleanup pass, the review watermark for probing, and removal.
type Workspaces interface {
	List() ([]int, error)
	Decommission(ctx context.Context, issue int) error
	ReadWatermark(issue int) int64
}

// Journal appends run and decision records.
type Journal interface {
	StartRun(repo string) (string, error)
	FinishRun(runID string) error
	RecordDecision(d journal.Decision) error
}

// Runner executes scheduler passes. The stage funcs are injected so a dry
// run (and tests) can swap them out.
type Runner struct {
	GitHub     GitHub
	Locks      Locks
	Workspaces Workspaces
	// Journal may be nil; dispatch decisions never depend on it.
	Journal Journal

	Owner string
	Repo  string
	// MaxIssues bounds one pass; DefaultMaxIssues when zero.
	MaxIssues     int
	ExcludeLabels []string
	ApprovalToken string
	// OnlyIssue restricts the pass to a single issue when positive.
	OnlyIssue int
	// DryRun logs decisions without executing them.
	DryRun bool

	PlanFn      func(ctx context.Context, issue github.Issue, comments []github.Comment) error
	ImplementFn func(ctx context.Context, issue github.Issue, plan string) (github.PR, error)
	UpdatePRFn  func(ctx context.Context, issue github.Issue, pr github.PR, comments []github.ReviewComment) error
}

// Run performs one full pass: sweep workspaces whose PRs merged, then probe
// and dispatch each open issue.
func (r *Runner) Run(ctx context.Context) error {
	repoKey := r.Owner + "/" + r.Repo

	var runID string
	if r.Journal != nil {
		id, err := r.Journal.StartRun(repoKey)
		if err != nil {
			slog.Warn("journal unavailable, continuing without it", "error", err)
		} else {
			runID = id
			defer func() {
				if err := r.Journal.FinishRun(runID); err != nil {
					slog.Warn("closing journal run failed", "error", err)
				}
			}()
		}
	}

	r.sweepMerged(ctx, runID)

	var issues []github.Issue
	if r.OnlyIssue > 0 {
		issue, err := r.GitHub.FetchIssue(ctx, r.Owner, r.Repo, r.OnlyIssue)
		if err != nil {
			return fmt.Errorf("fetching issue %d: %w", r.OnlyIssue, err)
		}
		issues = []github.Issue{issue}
	} else {
		max := r.MaxIssues
		if max <= 0 {
			max = DefaultMaxIssues
		}
		var err error
		issues, err = r.GitHub.ListOpenIssues(ctx, r.Owner, r.Repo, max, r.ExcludeLabels)
		if err != nil {
			return fmt.Errorf("listing open issues: %w", err)
		}
	}
	slog.Info("starting pass", "repo", repoKey, "issues", len(issues), "dry_run", r.DryRun)

	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.processIssue(ctx, runID, issue); err != nil {
			slog.Error("issue failed, continuing pass", "issue", issue.Number, "error", err)
		}
	}
	return nil
}

// sweepMerged decommissions workspaces whose linked PR has merged since the
// last run. Failures here never block the pass.
func (r *Runner) sweepMerged(ctx context.Context, runID string) {
	active, err := r.Workspaces.List()
	if err != nil {
		slog.Warn("listing workspaces failed", "error", err)
		return
	}
	for _, issue := range active {
		pr, err := r.GitHub.FindIssuePR(ctx, r.Owner, r.Repo, issue)
		if err != nil {
			slog.Warn("checking PR for workspace failed", "issue", issue, "error", err)
			continue
		}
		if pr == nil || !pr.Merged {
			continue
		}
		if r.DryRun {
			slog.Info("would decommission workspace (PR merged)", "issue", issue, "pr", pr.Number)
			continue
		}
		if err := r.Workspaces.Decommission(ctx, issue); err != nil {
			slog.Warn("decommissioning workspace failed", "issue", issue, "error", err)
			continue
		}
		slog.Info("decommissioned workspace", "issue", issue, "pr", pr.Number)
		r.record(runID, journal.Decision{
			Repo: r.Owner + "/" + r.Repo, Issue: issue,
			State:  string(probe.StatePRMerged),
			Action: string(ActionCleanup), Outcome: "ok",
		})
	}
}

func (r *Runner) processIssue(ctx context.Context, runID string, issue github.Issue) error {
	repoKey := r.Owner + "/" + r.Repo

	if err := r.Locks.Acquire(repoKey, issue.Number); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			slog.Info("issue locked by another run, skipping", "issue", issue.Number)
			return nil
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer func() {
		if err := r.Locks.Release(repoKey, issue.Number); err != nil {
			slog.Warn("releasing lock failed", "issue", issue.Number, "error", err)
		}
	}()

	comments, err := r.GitHub.FetchIssueComments(ctx, r.Owner, r.Repo, issue.Number)
	if err != nil {
		return fmt.Errorf("fetching comments: %w", err)
	}
	pr, err := r.GitHub.FindIssuePR(ctx, r.Owner, r.Repo, issue.Number)
	if err != nil {
		return fmt.Errorf("finding linked PR: %w", err)
	}

	var reviewComments []github.ReviewComment
	snap := probe.Snapshot{ReviewWatermark: r.Workspaces.ReadWatermark(issue.Number)}
	for _, c := range comments {
		snap.Comments = append(snap.Comments, probe.Comment{
			ID: c.ID, Body: c.Body, User: c.User, CreatedAt: c.CreatedAt,
		})
	}
	if pr != nil {
		info := probe.PRInfo{Number: pr.Number, Merged: pr.Merged, ReviewComments: pr.ReviewComments}
		if !pr.Merged {
			reviewComments, err = r.GitHub.FetchReviewComments(ctx, r.Owner, r.Repo, pr.Number)
			if err != nil {
				return fmt.Errorf("fetching review comments: %w", err)
			}
			for _, rc := range reviewComments {
				if rc.ID > info.MaxReviewCommentID {
					info.MaxReviewCommentID = rc.ID
				}
			}
		}
		snap.PR = &info
	}

	res := probe.Derive(snap, r.ApprovalToken)
	d := Decide(res)
	slog.Info("decided", "issue", issue.Number, "state", d.State, "action", d.Action, "reason", d.Reason)

	if r.DryRun {
		r.record(runID, journal.Decision{
			Repo: repoKey, Issue: issue.Number,
			State: string(d.State), Action: string(d.Action), Reason: d.Reason,
			Outcome: "dry_run",
		})
		return nil
	}

	execErr := r.execute(ctx, d, res, issue, comments, pr, reviewComments)

	outcome := "ok"
	detail := ""
	if execErr != nil {
		outcome = "error"
		detail = execErr.Error()
	}
	r.record(runID, journal.Decision{
		Repo: repoKey, Issue: issue.Number,
		State: string(d.State), Action: string(d.Action), Reason: d.Reason,
		Outcome: outcome, Detail: detail,
	})
	return execErr
}

func (r *Runner) execute(ctx context.Context, d Decision, res probe.Result, issue github.Issue, comments []github.Comment, pr *github.PR, reviewComments []github.ReviewComment) error {
	switch d.Action {
	case ActionPlan:
		return r.PlanFn(ctx, issue, comments)

	case ActionImplement:
		// Acknowledge the approval so the human sees it was picked up even
		// if implementation takes an hour.
		if res.ApprovalCommentID > 0 {
			if err := r.GitHub.AddCommentReaction(ctx, r.Owner, r.Repo, res.ApprovalCommentID, "eyes"); err != nil {
				slog.Warn("adding approval reaction failed", "issue", issue.Number, "error", err)
			}
		}
		plan := latestPlan(comments)
		if plan == "" {
			return errors.New("approved issue has no plan comment")
		}
		newPR, err := r.ImplementFn(ctx, issue, plan)
		if err != nil {
			return err
		}
		slog.Info("implementation complete", "issue", issue.Number, "pr", newPR.Number, "url", newPR.HTMLURL)
		return nil

	case ActionUpdatePR:
		pending := reviewComments
		if watermark := r.Workspaces.ReadWatermark(issue.Number); watermark > 0 {
			pending = nil
			for _, rc := range reviewComments {
				if rc.ID > watermark {
					pending = append(pending, rc)
				}
			}
		}
		return r.UpdatePRFn(ctx, issue, *pr, pending)

	case ActionCleanup:
		return r.Workspaces.Decommission(ctx, issue.Number)

	default:
		return nil
	}
}

func (r *Runner) record(runID string, d journal.Decision) {
	if r.Journal == nil || runID == "" {
		return
	}
	d.RunID = runID
	if err := r.Journal.RecordDecision(d); err != nil {
		slog.Warn("recording decision failed", "issue", d.Issue, "error", err)
	}
}

// latestPlan returns the newest plan comment's body with the marker line
// stripped, or "" when none exists.
func latestPlan(comments []github.Comment) string {
	var body string
	for _, c := range comments {
		if probe.IsPlanComment(c.Body) {
			body = c.Body
		}
	}
	if body == "" {
		return ""
	}
	body = strings.Replace(body, probe.PlanMarker, "", 1)
	return strings.TrimSpace(body)
}
