package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nightshift-sh/nightshift/internal/shell"
)

// Fetch updates all remote refs from origin, pruning deleted branches.
func Fetch(ctx context.Context, r *shell.Runner) error {
	_, err := r.Run(ctx, "git", "fetch", "origin", "--prune")
	if err != nil {
		return fmt.Errorf("fetching origin: %w", err)
	}
	return nil
}

// BranchExistsLocally checks whether a branch exists in the local repo.
func BranchExistsLocally(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// BranchExistsOnRemote checks whether origin/<branch> is known locally.
// Callers should Fetch first for an up-to-date answer.
func BranchExistsOnRemote(ctx context.Context, r *shell.Runner, branch string) bool {
	_, err := r.Run(ctx, "git", "rev-parse", "--verify", "refs/remotes/origin/"+branch)
	return err == nil
}

// DefaultBranch resolves the remote default branch (the target of
// origin/HEAD), falling back to "main" when origin/HEAD is unset.
func DefaultBranch(ctx context.Context, r *shell.Runner) string {
	out, err := r.Run(ctx, "git", "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main"
	}
	ref := strings.TrimSpace(out)
	return strings.TrimPrefix(ref, "refs/remotes/origin/")
}

// AddWorktree attaches a worktree at path to an existing branch.
func AddWorktree(ctx context.Context, r *shell.Runner, path, branch string) error {
	_, err := r.Run(ctx, "git", "worktree", "add", path, branch)
	if err != nil {
		return fmt.Errorf("adding worktree for %s: %w", branch, err)
	}
	return nil
}

// AddWorktreeNewBranch creates branch from startRef and attaches a worktree
// at path to it.
func AddWorktreeNewBranch(ctx context.Context, r *shell.Runner, path, branch, startRef string) error {
	_, err := r.Run(ctx, "git", "worktree", "add", "-b", branch, path, startRef)
	if err != nil {
		return fmt.Errorf("creating worktree branch %s from %s: %w", branch, startRef, err)
	}
	return nil
}

// RemoveWorktree removes a git worktree. The underlying branch is left
// intact so future runs can reattach to it.
func RemoveWorktree(ctx context.Context, r *shell.Runner, worktreePath string) error {
	_, err := r.Run(ctx, "git", "worktree", "remove", "--force", worktreePath)
	if err != nil {
		return fmt.Errorf("removing worktree %s: %w", worktreePath, err)
	}
	return nil
}

// PruneWorktrees drops worktree registrations whose directories are gone.
func PruneWorktrees(ctx context.Context, r *shell.Runner) error {
	_, err := r.Run(ctx, "git", "worktree", "prune")
	if err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}
	return nil
}

// HasUncommittedChanges reports whether the working tree is dirty, including
// untracked files.
func HasUncommittedChanges(ctx context.Context, r *shell.Runner) (bool, error) {
	out, err := r.Run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking working tree: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages all changes and creates a commit.
func Commit(ctx context.Context, r *shell.Runner, message string) error {
	if _, err := r.Run(ctx, "git", "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := r.Run(ctx, "git", "commit", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// CommitsAhead counts commits on HEAD that are not reachable from base.
func CommitsAhead(ctx context.Context, r *shell.Runner, base string) (int, error) {
	out, err := r.Run(ctx, "git", "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("counting commits ahead of %s: %w", base, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list output %q: %w", out, err)
	}
	return n, nil
}

// CommitLog returns a one-line-per-commit summary of HEAD relative to base.
func CommitLog(ctx context.Context, r *shell.Runner, base string) (string, error) {
	out, err := r.Run(ctx, "git", "log", "--oneline", base+"..HEAD")
	if err != nil {
		return "", fmt.Errorf("listing commits ahead of %s: %w", base, err)
	}
	return strings.TrimSpace(out), nil
}

// FastForward advances HEAD to ref when ref is strictly ahead. It fails
// when the histories have diverged, leaving the working tree untouched.
func FastForward(ctx context.Context, r *shell.Runner, ref string) error {
	_, err := r.Run(ctx, "git", "merge", "--ff-only", ref)
	if err != nil {
		return fmt.Errorf("fast-forwarding to %s: %w", ref, err)
	}
	return nil
}

// Push pushes branch to origin, setting the upstream so the branch tracks
// the remote on subsequent runs.
func Push(ctx context.Context, r *shell.Runner, branch string) error {
	_, err := r.Run(ctx, "git", "push", "-u", "origin", branch)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// ConfigureIdentity sets the repo-local git author identity so commits made
// inside a worktree carry the automation's name.
func ConfigureIdentity(ctx context.Context, r *shell.Runner, name, email string) error {
	if _, err := r.Run(ctx, "git", "config", "user.name", name); err != nil {
		return fmt.Errorf("setting user.name: %w", err)
	}
	if _, err := r.Run(ctx, "git", "config", "user.email", email); err != nil {
		return fmt.Errorf("setting user.email: %w", err)
	}
	return nil
}
