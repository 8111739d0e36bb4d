package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightshift-sh/nightshift/internal/agent"
	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/probe"
)

// CommentPoster posts a comment on an issue.
type CommentPoster interface {
	PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (github.Comment, error)
}

// PlanConfig holds the dependencies for the planning stage.
type PlanConfig struct {
	Invoker  Invoker
	Comments CommentPoster
	// Owner and Repo identify the GitHub repository.
	Owner string
	Repo  string
	// ClonePath is where the read-only planning agent runs; it inspects the
	// default branch, no worktree is provisioned for planning.
	ClonePath string
	// ApprovalToken names the reply that approves the plan, shown in the
	// comment footer.
	ApprovalToken string
	// OverrideDir optionally overrides the embedded prompt templates.
	OverrideDir string
}

// Plan asks the agent for an implementation plan and posts it as an issue
// comment carrying the plan marker. The issue's existing comments are
// included in the prompt so a revised plan addresses earlier feedback.
func Plan(ctx context.Context, cfg PlanConfig, issue github.Issue, comments []github.Comment) error {
	data := agent.PlanData{
		IssueNumber: issue.Number,
		Title:       issue.Title,
		Body:        issue.Body,
	}
	for _, c := range comments {
		data.Comments = append(data.Comments, agent.IssueComment{
			Author:    c.User,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
			Body:      c.Body,
		})
	}

	prompt, err := agent.RenderPlan(data, cfg.OverrideDir)
	if err != nil {
		return fmt.Errorf("rendering plan prompt: %w", err)
	}

	res := cfg.Invoker.Invoke(ctx, agent.CapPlan, prompt, cfg.ClonePath)
	if !res.OK {
		return fmt.Errorf("invoking agent: %w", res.Err)
	}

	plan := agent.NormalizePlan(res.Output)
	if plan == "" {
		return errors.New("agent produced an empty plan")
	}

	body := probe.PlanMarker + "\n" + plan + planFooter(cfg.ApprovalToken)
	if _, err := cfg.Comments.PostIssueComment(ctx, cfg.Owner, cfg.Repo, issue.Number, body); err != nil {
		return fmt.Errorf("posting plan comment: %w", err)
	}

	slog.Info("posted plan", "issue", issue.Number, "plan", truncate(plan, 120))
	return nil
}

func planFooter(token string) string {
	if token == "" {
		token = probe.DefaultApprovalToken
	}
	return fmt.Sprintf("\n\n---\n_Reply `%s` to approve this plan. Any other comment is treated as feedback and a revised plan will follow._", token)
}
