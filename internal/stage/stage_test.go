package stage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nightshift-sh/nightshift/internal/agent"
	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/shell"
)

// fakeInvoker runs the given function in place of the agent CLI and
// records the invocation.
type fakeInvoker struct {
	cap    agent.Capability
	prompt string
	dir    string
	run    func(dir string)
	result agent.Result
}

func (f *fakeInvoker) Invoke(_ context.Context, cap agent.Capability, prompt, dir string) agent.Result {
	f.cap = cap
	f.prompt = prompt
	f.dir = dir
	if f.run != nil {
		f.run(dir)
	}
	return f.result
}

type fakePoster struct {
	number int
	body   string
	err    error
}

func (f *fakePoster) PostIssueComment(_ context.Context, _, _ string, number int, body string) (github.Comment, error) {
	f.number = number
	f.body = body
	return github.Comment{ID: 1, Body: body}, f.err
}

// fakeWorkspace serves a pre-built git worktree.
type fakeWorkspace struct {
	tree           string
	branch         string
	decommissioned bool
	noteWritten    bool
	watermark      int64
}

func (f *fakeWorkspace) Provision(context.Context, int) (string, error) { return f.tree, nil }
func (f *fakeWorkspace) Decommission(context.Context, int) error {
	f.decommissioned = true
	return nil
}
func (f *fakeWorkspace) WriteProgressNote(int, time.Time) error {
	f.noteWritten = true
	return nil
}
func (f *fakeWorkspace) Branch(int) string { return f.branch }
func (f *fakeWorkspace) WriteWatermark(_ int, id int64) error {
	f.watermark = id
	return nil
}

type fakePRCreator struct {
	head, base, title, body string
	err                     error
}

func (f *fakePRCreator) CreateDraftPR(_ context.Context, _, _, head, base, title, body string) (github.PR, error) {
	f.head, f.base, f.title, f.body = head, base, title, body
	if f.err != nil {
		return github.PR{}, f.err
	}
	return github.PR{Number: 99, HTMLURL: "https://example.com/pr/99"}, nil
}

// setupWorktree builds a working copy on the given branch with a bare
// origin, so push and commit counting behave like production.
func setupWorktree(t *testing.T, branch string) string {
	t.Helper()

	dir := t.TempDir()
	r := &shell.Runner{Dir: dir}
	mustRun(t, r, "git", "init", "-b", "main")
	mustRun(t, r, "git", "config", "user.name", "test")
	mustRun(t, r, "git", "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, r, "git", "add", "-A")
	mustRun(t, r, "git", "commit", "-m", "initial commit")

	bare := t.TempDir()
	mustRun(t, &shell.Runner{Dir: bare}, "git", "init", "--bare", "-b", "main")
	mustRun(t, r, "git", "remote", "add", "origin", bare)
	mustRun(t, r, "git", "push", "-u", "origin", "main")
	mustRun(t, r, "git", "checkout", "-b", branch)
	mustRun(t, r, "git", "push", "-u", "origin", branch)

	return dir
}

func mustRun(t *testing.T, r *shell.Runner, name string, args ...string) {
	t.Helper()
	if _, err := r.Run(context.Background(), name, args...); err != nil {
		t.Fatalf("running %s %s: %v", name, strings.Join(args, " "), err)
	}
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	r := &shell.Runner{Dir: dir}
	mustRun(t, r, "git", "add", "-A")
	mustRun(t, r, "git", "commit", "-m", message)
}

// --- Plan ---

func TestPlan_PostsMarkedComment(t *testing.T) {
	inv := &fakeInvoker{result: agent.Result{
		Output: "Here you go.\n\n# Implementation Plan\n\nChange the thing.",
		OK:     true,
	}}
	poster := &fakePoster{}
	cfg := PlanConfig{
		Invoker:       inv,
		Comments:      poster,
		Owner:         "acme",
		Repo:          "rockets",
		ClonePath:     "/srv/rockets",
		ApprovalToken: "lgtm",
	}
	issue := github.Issue{Number: 42, Title: "Fix launch sequence", Body: "It fires early."}

	err := Plan(context.Background(), cfg, issue, []github.Comment{
		{User: "alice", Body: "related to #40", CreatedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if inv.cap != agent.CapPlan {
		t.Errorf("expected plan capability, got %s", inv.cap)
	}
	if inv.dir != "/srv/rockets" {
		t.Errorf("planning should run in the clone, got %q", inv.dir)
	}
	if !strings.Contains(inv.prompt, "Fix launch sequence") || !strings.Contains(inv.prompt, "related to #40") {
		t.Error("prompt should carry issue details and comments")
	}

	if poster.number != 42 {
		t.Errorf("comment posted on wrong issue: %d", poster.number)
	}
	if !strings.Contains(poster.body, "<!-- nightshift:plan -->") {
		t.Error("comment should carry the plan marker")
	}
	if strings.Contains(poster.body, "Here you go.") {
		t.Error("preamble should be stripped from the posted plan")
	}
	if !strings.Contains(poster.body, "Change the thing.") {
		t.Error("plan body should survive normalization")
	}
	if !strings.Contains(poster.body, "`lgtm`") {
		t.Error("footer should name the approval token")
	}
}

func TestPlan_EmptyOutputFails(t *testing.T) {
	inv := &fakeInvoker{result: agent.Result{Output: "  \n ", OK: true}}
	poster := &fakePoster{}
	cfg := PlanConfig{Invoker: inv, Comments: poster}

	err := Plan(context.Background(), cfg, github.Issue{Number: 1}, nil)
	if err == nil {
		t.Fatal("expected error for empty plan")
	}
	if poster.body != "" {
		t.Error("nothing should be posted on failure")
	}
}

func TestPlan_AgentFailureFails(t *testing.T) {
	inv := &fakeInvoker{result: agent.Result{OK: false, Err: errors.New("killed")}}
	cfg := PlanConfig{Invoker: inv, Comments: &fakePoster{}}

	if err := Plan(context.Background(), cfg, github.Issue{Number: 1}, nil); err == nil {
		t.Fatal("expected error when agent fails")
	}
}

// --- Implement ---

func TestImplement_CommitsBecomeDraftPR(t *testing.T) {
	tree := setupWorktree(t, "nightshift/7")
	ws := &fakeWorkspace{tree: tree, branch: "nightshift/7"}
	inv := &fakeInvoker{
		result: agent.Result{OK: true, Output: "done"},
		run: func(dir string) {
			commitFile(t, dir, "feature.go", "package feature\n", "add feature")
		},
	}
	prs := &fakePRCreator{}
	cfg := ImplementConfig{
		Invoker:    inv,
		Workspaces: ws,
		PRs:        prs,
		Owner:      "acme",
		Repo:       "rockets",
		BaseBranch: "main",
	}
	issue := github.Issue{Number: 7, Title: "Add feature"}

	pr, err := Implement(context.Background(), cfg, issue, "# Plan\nAdd it.")
	if err != nil {
		t.Fatalf("Implement failed: %v", err)
	}
	if pr.Number != 99 {
		t.Errorf("unexpected PR number %d", pr.Number)
	}
	if inv.cap != agent.CapImplement {
		t.Errorf("expected implement capability, got %s", inv.cap)
	}
	if !ws.noteWritten {
		t.Error("progress note should be written before the agent runs")
	}
	if prs.head != "nightshift/7" || prs.base != "main" {
		t.Errorf("unexpected PR branches: %s -> %s", prs.head, prs.base)
	}
	if prs.title != "Add feature" {
		t.Errorf("PR title should be the issue title, got %q", prs.title)
	}
	if !strings.Contains(prs.body, "Fixes #7") {
		t.Error("PR body should link the issue")
	}
	if !strings.Contains(prs.body, "add feature") {
		t.Error("PR body should include the commit log")
	}
	if ws.decommissioned {
		t.Error("workspace should survive a successful run")
	}
}

func TestImplement_SweepsUncommittedChanges(t *testing.T) {
	tree := setupWorktree(t, "nightshift/7")
	ws := &fakeWorkspace{tree: tree, branch: "nightshift/7"}
	inv := &fakeInvoker{
		result: agent.Result{OK: false, Err: errors.New("timeout")},
		run: func(dir string) {
			if err := os.WriteFile(filepath.Join(dir, "half.go"), []byte("package half\n"), 0644); err != nil {
				t.Fatal(err)
			}
		},
	}
	prs := &fakePRCreator{}
	cfg := ImplementConfig{
		Invoker: inv, Workspaces: ws, PRs: prs,
		Owner: "acme", Repo: "rockets", BaseBranch: "main",
	}

	pr, err := Implement(context.Background(), cfg, github.Issue{Number: 7, Title: "t"}, "plan")
	if err != nil {
		t.Fatalf("partial work should still produce a PR: %v", err)
	}
	if pr.Number != 99 {
		t.Errorf("unexpected PR number %d", pr.Number)
	}
	if !strings.Contains(prs.body, "wip: partial work on #7") {
		t.Error("commit log should show the fallback commit")
	}
}

func TestImplement_NoCommitsDecommissionsAndFails(t *testing.T) {
	tree := setupWorktree(t, "nightshift/7")
	ws := &fakeWorkspace{tree: tree, branch: "nightshift/7"}
	inv := &fakeInvoker{result: agent.Result{OK: true, Output: "I did nothing"}}
	cfg := ImplementConfig{
		Invoker: inv, Workspaces: ws, PRs: &fakePRCreator{},
		Owner: "acme", Repo: "rockets", BaseBranch: "main",
	}

	_, err := Implement(context.Background(), cfg, github.Issue{Number: 7, Title: "t"}, "plan")
	if err == nil {
		t.Fatal("expected error when no commits were made")
	}
	if !ws.decommissioned {
		t.Error("empty workspace should be decommissioned")
	}
}

// --- UpdatePR ---

func TestUpdatePR_PushesAndAdvancesWatermark(t *testing.T) {
	tree := setupWorktree(t, "nightshift/7")
	ws := &fakeWorkspace{tree: tree, branch: "nightshift/7"}
	inv := &fakeInvoker{
		result: agent.Result{OK: true},
		run: func(dir string) {
			commitFile(t, dir, "fix.go", "package fix\n", "address review feedback")
		},
	}
	cfg := UpdatePRConfig{Invoker: inv, Workspaces: ws}
	comments := []github.ReviewComment{
		{ID: 301, Path: "a.go", Line: 3, User: "bob", Body: "rename this"},
		{ID: 305, User: "bob", Body: "and add a test"},
	}

	issue := github.Issue{Number: 7, Title: "Fix retry backoff", Body: "Retries hammer the API."}
	err := UpdatePR(context.Background(), cfg, issue, github.PR{Number: 99}, comments)
	if err != nil {
		t.Fatalf("UpdatePR failed: %v", err)
	}
	if inv.cap != agent.CapUpdate {
		t.Errorf("expected update capability, got %s", inv.cap)
	}
	if !strings.Contains(inv.prompt, "rename this") || !strings.Contains(inv.prompt, "and add a test") {
		t.Error("prompt should carry the review comments")
	}
	if !strings.Contains(inv.prompt, "Fix retry backoff") || !strings.Contains(inv.prompt, "Retries hammer the API.") {
		t.Error("prompt should carry the original issue title and body")
	}
	if ws.watermark != 305 {
		t.Errorf("watermark should advance to the highest comment ID, got %d", ws.watermark)
	}
}

func TestUpdatePR_NoCommentsFails(t *testing.T) {
	cfg := UpdatePRConfig{Invoker: &fakeInvoker{}, Workspaces: &fakeWorkspace{}}
	if err := UpdatePR(context.Background(), cfg, github.Issue{Number: 7}, github.PR{Number: 99}, nil); err == nil {
		t.Fatal("expected error with no comments")
	}
}

func TestUpdatePR_NoCommitsKeepsWatermark(t *testing.T) {
	tree := setupWorktree(t, "nightshift/7")
	ws := &fakeWorkspace{tree: tree, branch: "nightshift/7"}
	inv := &fakeInvoker{result: agent.Result{OK: true, Output: "looks fine to me"}}
	cfg := UpdatePRConfig{Invoker: inv, Workspaces: ws}

	err := UpdatePR(context.Background(), cfg, github.Issue{Number: 7}, github.PR{Number: 99},
		[]github.ReviewComment{{ID: 301, Body: "please fix"}})
	if err == nil {
		t.Fatal("expected error when agent made no commits")
	}
	if ws.watermark != 0 {
		t.Error("watermark must not advance without a push")
	}
}
