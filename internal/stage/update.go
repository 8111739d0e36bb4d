package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nightshift-sh/nightshift/internal/agent"
	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/gitops"
	"github.com/nightshift-sh/nightshift/internal/shell"
)

// ReviewWorkspace reattaches an issue's worktree and records which review
// comments have been addressed.
type ReviewWorkspace interface {
	Provision(ctx context.Context, issue int) (string, error)
	Branch(issue int) string
	WriteWatermark(issue int, id int64) error
}

// UpdatePRConfig holds the dependencies for the review-response stage.
type UpdatePRConfig struct {
	Invoker     Invoker
	Workspaces  ReviewWorkspace
	OverrideDir string
}

// UpdatePR reattaches the issue's workspace, runs the agent against the
// pending review comments, and pushes the result to the PR branch. The
// original issue is rendered into the prompt alongside the feedback. On
// success the watermark advances past every comment passed in, so the next
// probe sees the feedback as addressed.
func UpdatePR(ctx context.Context, cfg UpdatePRConfig, issue github.Issue, pr github.PR, comments []github.ReviewComment) error {
	if len(comments) == 0 {
		return errors.New("no review comments to address")
	}

	issueNumber := issue.Number
	tree, err := cfg.Workspaces.Provision(ctx, issueNumber)
	if err != nil {
		return fmt.Errorf("provisioning workspace: %w", err)
	}

	data := agent.UpdatePRData{
		IssueNumber: issueNumber,
		Title:       issue.Title,
		Body:        issue.Body,
		PRNumber:    pr.Number,
	}
	var maxID int64
	for _, c := range comments {
		data.Comments = append(data.Comments, agent.FeedbackComment{
			Path:   c.Path,
			Line:   c.Line,
			Author: c.User,
			Body:   c.Body,
		})
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	prompt, err := agent.RenderUpdatePR(data, cfg.OverrideDir)
	if err != nil {
		return fmt.Errorf("rendering update prompt: %w", err)
	}

	res := cfg.Invoker.Invoke(ctx, agent.CapUpdate, prompt, tree)
	if !res.OK {
		slog.Warn("agent invocation failed, checking for partial work",
			"issue", issueNumber, "pr", pr.Number, "error", res.Err)
	}

	branch := cfg.Workspaces.Branch(issueNumber)
	r := &shell.Runner{Dir: tree}
	if err := sweepUncommitted(ctx, r, fmt.Sprintf("wip: partial review response on #%d", pr.Number)); err != nil {
		return err
	}

	ahead, err := gitops.CommitsAhead(ctx, r, "origin/"+branch)
	if err != nil {
		return fmt.Errorf("counting commits: %w", err)
	}
	if ahead == 0 {
		if res.Err != nil {
			return fmt.Errorf("agent produced no commits: %w", res.Err)
		}
		return errors.New("agent produced no commits")
	}

	if err := gitops.Push(ctx, r, branch); err != nil {
		return fmt.Errorf("pushing branch: %w", err)
	}

	if err := cfg.Workspaces.WriteWatermark(issueNumber, maxID); err != nil {
		return fmt.Errorf("recording review watermark: %w", err)
	}

	slog.Info("pushed review response", "issue", issueNumber, "pr", pr.Number,
		"comments", len(comments), "commits", ahead)
	return nil
}
