// Package workspace maps issues to isolated, branch-scoped working copies.
// Each issue gets a directory under the workspace root holding metadata and
// a git worktree at tree/; the branch name is deterministic so runs reattach
// and accumulate commits instead of restarting work.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nightshift-sh/nightshift/internal/gitops"
	"github.com/nightshift-sh/nightshift/internal/shell"
)

// DefaultNamespace prefixes automation branches.
const DefaultNamespace = "nightshift"

const (
	treeDir       = "tree"
	progressFile  = "progress.md"
	watermarkFile = "last_review.json"
)

// Provisioner creates and removes issue workspaces backed by git worktrees
// of a local clone.
type Provisioner struct {
	// Root is the workspace root; one subdirectory per active issue.
	Root string
	// ClonePath is the local clone the worktrees hang off.
	ClonePath string
	// RepoShort is the repository short name, used in directory names.
	RepoShort string
	// Namespace is the branch prefix; DefaultNamespace when empty.
	Namespace string
	// CopyPatterns are glob patterns copied from the clone into each fresh
	// worktree (untracked files agents need, e.g. .env).
	CopyPatterns []string
	// AuthorName and AuthorEmail set the git identity for commits made in
	// the worktree. Left empty, commits use the clone's existing config.
	AuthorName  string
	AuthorEmail string
}

// Branch returns the deterministic branch name for an issue.
func (p *Provisioner) Branch(issue int) string {
	ns := p.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return fmt.Sprintf("%s/%d", ns, issue)
}

// Dir returns the workspace directory for an issue.
func (p *Provisioner) Dir(issue int) string {
	return filepath.Join(p.Root, fmt.Sprintf("%s-%d", p.RepoShort, issue))
}

// TreePath returns the worktree directory for an issue.
func (p *Provisioner) TreePath(issue int) string {
	return filepath.Join(p.Dir(issue), treeDir)
}

// Provision creates (or recreates) the workspace for an issue and returns
// the worktree path. An existing worktree directory is removed first — git
// refuses to add a worktree over an existing path — then the workspace
// reattaches to the issue's branch: remote branch first, then local, then a
// new branch from the remote default. Any git failure is fatal for this
// invocation and leaves no workspace behind.
func (p *Provisioner) Provision(ctx context.Context, issue int) (string, error) {
	wsDir := p.Dir(issue)
	treePath := p.TreePath(issue)
	branch := p.Branch(issue)
	clone := &shell.Runner{Dir: p.ClonePath}

	if _, err := os.Stat(treePath); err == nil {
		_ = gitops.RemoveWorktree(ctx, clone, treePath)
		if err := os.RemoveAll(treePath); err != nil {
			return "", fmt.Errorf("removing stale worktree: %w", err)
		}
		_ = gitops.PruneWorktrees(ctx, clone)
	}

	if err := os.MkdirAll(wsDir, 0755); err != nil {
		return "", fmt.Errorf("creating workspace directory: %w", err)
	}

	if err := gitops.Fetch(ctx, clone); err != nil {
		p.cleanupFailed(issue)
		return "", fmt.Errorf("provisioning workspace: %w", err)
	}

	existsRemote := gitops.BranchExistsOnRemote(ctx, clone, branch)
	existsLocally := gitops.BranchExistsLocally(ctx, clone, branch)

	var err error
	switch {
	case existsRemote && !existsLocally:
		err = gitops.AddWorktreeNewBranch(ctx, clone, treePath, branch, "origin/"+branch)
	case existsLocally:
		err = gitops.AddWorktree(ctx, clone, treePath, branch)
	default:
		base := gitops.DefaultBranch(ctx, clone)
		err = gitops.AddWorktreeNewBranch(ctx, clone, treePath, branch, "origin/"+base)
	}
	if err != nil {
		p.cleanupFailed(issue)
		return "", fmt.Errorf("provisioning workspace: %w", err)
	}

	tree := &shell.Runner{Dir: treePath}

	// The remote branch takes priority when both exist: someone may have
	// pushed since the last run. A diverged local branch keeps its
	// unpushed commits and the next push surfaces the conflict.
	if existsRemote && existsLocally {
		if err := gitops.FastForward(ctx, tree, "origin/"+branch); err != nil {
			slog.Warn("branch diverged from remote, keeping local commits",
				"issue", issue, "branch", branch, "error", err)
		}
	}

	if p.AuthorName != "" && p.AuthorEmail != "" {
		if err := gitops.ConfigureIdentity(ctx, tree, p.AuthorName, p.AuthorEmail); err != nil {
			p.cleanupFailed(issue)
			return "", fmt.Errorf("provisioning workspace: %w", err)
		}
	}

	if len(p.CopyPatterns) > 0 {
		if err := CopyGlobPatterns(p.ClonePath, treePath, p.CopyPatterns, func(string) {}); err != nil {
			p.cleanupFailed(issue)
			return "", fmt.Errorf("provisioning workspace: %w", err)
		}
	}

	return treePath, nil
}

// cleanupFailed removes the workspace directory after a failed provision,
// keeping only the watermark file if one exists.
func (p *Provisioner) cleanupFailed(issue int) {
	clone := &shell.Runner{Dir: p.ClonePath}
	_ = gitops.RemoveWorktree(context.Background(), clone, p.TreePath(issue))
	_ = os.RemoveAll(p.TreePath(issue))
	_ = gitops.PruneWorktrees(context.Background(), clone)
}

// Decommission force-removes an issue's workspace. The branch is left
// intact, locally and remotely, so future runs can still reattach.
func (p *Provisioner) Decommission(ctx context.Context, issue int) error {
	clone := &shell.Runner{Dir: p.ClonePath}
	treePath := p.TreePath(issue)

	if _, err := os.Stat(treePath); err == nil {
		_ = gitops.RemoveWorktree(ctx, clone, treePath)
	}
	if err := os.RemoveAll(p.Dir(issue)); err != nil {
		return fmt.Errorf("removing workspace directory: %w", err)
	}
	_ = gitops.PruneWorktrees(ctx, clone)
	return nil
}

// List returns the issue numbers that currently have a workspace directory.
func (p *Provisioner) List() ([]int, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workspace root: %w", err)
	}

	prefix := p.RepoShort + "-"
	var issues []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil {
			continue
		}
		issues = append(issues, n)
	}
	return issues, nil
}

// WriteProgressNote writes (or rewrites) the progress note inside the
// worktree. The note records the run timestamp and an empty completed-tasks
// section the agent appends to across runs, so long implementations resume
// instead of restarting.
func (p *Provisioner) WriteProgressNote(issue int, now time.Time) error {
	path := filepath.Join(p.TreePath(issue), progressFile)

	// Preserve an existing note — the agent owns its contents after the
	// first run.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	note := fmt.Sprintf(`# Progress — issue #%d

Run started: %s

## Completed tasks

`, issue, now.UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(note), 0644)
}

// watermark is the JSON structure stored in last_review.json.
type watermark struct {
	LastReviewCommentID int64     `json:"lastReviewCommentId"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ReadWatermark returns the highest review-comment ID already addressed for
// an issue, or 0 when none has been recorded.
func (p *Provisioner) ReadWatermark(issue int) int64 {
	data, err := os.ReadFile(filepath.Join(p.Dir(issue), watermarkFile))
	if err != nil {
		return 0
	}
	var w watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return 0
	}
	return w.LastReviewCommentID
}

// WriteWatermark records the highest review-comment ID addressed so far.
// The file lives in the workspace directory, outside the worktree, so it is
// never swept into a commit.
func (p *Provisioner) WriteWatermark(issue int, id int64) error {
	if err := os.MkdirAll(p.Dir(issue), 0755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}
	data, err := json.MarshalIndent(watermark{
		LastReviewCommentID: id,
		UpdatedAt:           time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling watermark: %w", err)
	}
	return os.WriteFile(filepath.Join(p.Dir(issue), watermarkFile), data, 0644)
}
