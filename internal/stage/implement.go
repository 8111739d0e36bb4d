package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightshift-sh/nightshift/internal/agent"
	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/gitops"
	"github.com/nightshift-sh/nightshift/internal/shell"
)

// Workspace provisions branch-scoped worktrees for issues.
type Workspace interface {
	Provision(ctx context.Context, issue int) (string, error)
	Decommission(ctx context.Context, issue int) error
	WriteProgressNote(issue int, now time.Time) error
	Branch(issue int) string
}

// PRCreator opens a draft pull request.
type PRCreator interface {
	CreateDraftPR(ctx context.Context, owner, repo, head, base, title, body string) (github.PR, error)
}

// ImplementConfig holds the dependencies for the implementation stage.
type ImplementConfig struct {
	Invoker    Invoker
	Workspaces Workspace
	PRs        PRCreator
	Owner      string
	Repo       string
	// BaseBranch is the PR target, normally the repository default branch.
	BaseBranch  string
	OverrideDir string
}

// Implement provisions the issue's workspace, runs the agent against the
// approved plan, and opens a draft PR from whatever the agent committed. An
// agent crash after partial work still yields a PR: uncommitted changes are
// swept into a fallback commit, and the run fails only when the branch has
// nothing new at all.
func Implement(ctx context.Context, cfg ImplementConfig, issue github.Issue, plan string) (github.PR, error) {
	tree, err := cfg.Workspaces.Provision(ctx, issue.Number)
	if err != nil {
		return github.PR{}, fmt.Errorf("provisioning workspace: %w", err)
	}

	if err := cfg.Workspaces.WriteProgressNote(issue.Number, time.Now()); err != nil {
		return github.PR{}, fmt.Errorf("writing progress note: %w", err)
	}

	branch := cfg.Workspaces.Branch(issue.Number)
	prompt, err := agent.RenderImplement(agent.ImplementData{
		IssueNumber:  issue.Number,
		Title:        issue.Title,
		Body:         issue.Body,
		Plan:         plan,
		Branch:       branch,
		ProgressPath: "progress.md",
	}, cfg.OverrideDir)
	if err != nil {
		return github.PR{}, fmt.Errorf("rendering implement prompt: %w", err)
	}

	res := cfg.Invoker.Invoke(ctx, agent.CapImplement, prompt, tree)
	if !res.OK {
		slog.Warn("agent invocation failed, checking for partial work",
			"issue", issue.Number, "error", res.Err)
	}

	r := &shell.Runner{Dir: tree}
	if err := sweepUncommitted(ctx, r, fmt.Sprintf("wip: partial work on #%d", issue.Number)); err != nil {
		return github.PR{}, err
	}

	base := "origin/" + cfg.BaseBranch
	ahead, err := gitops.CommitsAhead(ctx, r, base)
	if err != nil {
		return github.PR{}, fmt.Errorf("counting commits: %w", err)
	}
	if ahead == 0 {
		// Nothing to show for the run. Remove the workspace so the next
		// attempt starts clean.
		if derr := cfg.Workspaces.Decommission(ctx, issue.Number); derr != nil {
			slog.Warn("decommissioning empty workspace failed", "issue", issue.Number, "error", derr)
		}
		if res.Err != nil {
			return github.PR{}, fmt.Errorf("agent produced no commits: %w", res.Err)
		}
		return github.PR{}, errors.New("agent produced no commits")
	}

	log, err := gitops.CommitLog(ctx, r, base)
	if err != nil {
		return github.PR{}, fmt.Errorf("reading commit log: %w", err)
	}

	if err := gitops.Push(ctx, r, branch); err != nil {
		return github.PR{}, fmt.Errorf("pushing branch: %w", err)
	}

	body := fmt.Sprintf("Fixes #%d\n\n## Commits\n\n```\n%s\n```", issue.Number, log)
	pr, err := cfg.PRs.CreateDraftPR(ctx, cfg.Owner, cfg.Repo, branch, cfg.BaseBranch, issue.Title, body)
	if err != nil {
		return github.PR{}, fmt.Errorf("creating draft PR: %w", err)
	}

	slog.Info("opened draft PR", "issue", issue.Number, "pr", pr.Number, "commits", ahead)
	return pr, nil
}

// sweepUncommitted commits any dirty state the agent left behind.
func sweepUncommitted(ctx context.Context, r *shell.Runner, message string) error {
	dirty, err := gitops.HasUncommittedChanges(ctx, r)
	if err != nil {
		return fmt.Errorf("checking worktree state: %w", err)
	}
	if !dirty {
		return nil
	}
	if err := gitops.Commit(ctx, r, message); err != nil {
		return fmt.Errorf("committing leftover changes: %w", err)
	}
	return nil
}
