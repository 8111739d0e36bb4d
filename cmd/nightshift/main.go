// nightshift drives an AI coding agent through a GitHub issue lifecycle:
// post a plan, wait for approval, implement on a branch, open a draft PR,
// and respond to review feedback. One invocation is one pass; schedule it
// from cron for overnight operation.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nightshift-sh/nightshift/internal/agent"
	"github.com/nightshift-sh/nightshift/internal/config"
	"github.com/nightshift-sh/nightshift/internal/dispatch"
	"github.com/nightshift-sh/nightshift/internal/github"
	"github.com/nightshift-sh/nightshift/internal/gitops"
	"github.com/nightshift-sh/nightshift/internal/journal"
	"github.com/nightshift-sh/nightshift/internal/lock"
	"github.com/nightshift-sh/nightshift/internal/shell"
	"github.com/nightshift-sh/nightshift/internal/stage"
	"github.com/nightshift-sh/nightshift/internal/workspace"
)

var version = "dev"

// Compile-time interface checks.
var (
	_ dispatch.GitHub       = (*github.Client)(nil)
	_ dispatch.Locks        = (*lock.Manager)(nil)
	_ dispatch.Workspaces   = (*workspace.Provisioner)(nil)
	_ dispatch.Journal      = (*journal.DB)(nil)
	_ stage.Invoker         = (*agent.Invoker)(nil)
	_ stage.CommentPoster   = (*github.Client)(nil)
	_ stage.PRCreator       = (*github.Client)(nil)
	_ stage.Workspace       = (*workspace.Provisioner)(nil)
	_ stage.ReviewWorkspace = (*workspace.Provisioner)(nil)
)

func usage() {
	fmt.Fprintf(os.Stderr, `nightshift — overnight GitHub issue automation

Usage:
  nightshift run [flags]    Run one pass over the configured repositories
  nightshift version        Print the version

Flags for run:
  --config PATH   Config file (default: nearest nightshift.yaml)
  --repo OWNER/NAME  Restrict the pass to one configured repository
  --issue N       Process only issue N
  --dry-run       Decide and log, but execute nothing
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "run":
		err = runPass(rest)
	case "--version", "version":
		fmt.Println("nightshift " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "nightshift %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runPass(args []string) error {
	var (
		configPath string
		repoFlag   string
		onlyIssue  int
		dryRun     bool
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--repo":
			if i+1 < len(args) {
				repoFlag = args[i+1]
				i++
			}
		case "--issue":
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid --issue value %q", args[i+1])
				}
				onlyIssue = n
				i++
			}
		case "--dry-run":
			dryRun = true
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if repoFlag != "" {
		if err := cfg.SelectRepo(repoFlag); err != nil {
			return err
		}
	}

	if err := setupLogging(cfg.LogPath); err != nil {
		return err
	}
	slog.Info("nightshift starting", "version", version, "repos", len(cfg.Repos), "dry_run", dryRun)

	locks, err := lock.NewManager(cfg.LockDir)
	if err != nil {
		return fmt.Errorf("initializing lock manager: %w", err)
	}
	defer func() {
		if err := locks.ReleaseAll(); err != nil {
			slog.Warn("releasing locks failed", "error", err)
		}
	}()

	var db dispatch.Journal
	if j, err := journal.Open(cfg.JournalPath); err != nil {
		slog.Warn("journal unavailable, continuing without it", "path", cfg.JournalPath, "error", err)
	} else {
		defer j.Close()
		db = j
	}

	gh, err := newGitHubClient(cfg)
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}

	var agentEnv []string
	if cfg.Agent.Proxy != "" {
		agentEnv = append(agentEnv, "HTTPS_PROXY="+cfg.Agent.Proxy)
	}
	invoker := &agent.Invoker{
		Bin:      cfg.Agent.Bin,
		Timeout:  time.Duration(cfg.Agent.TimeoutMinutes) * time.Minute,
		MaxTurns: cfg.Agent.MaxTurns,
		Env:      agentEnv,
	}

	// A failed repository never aborts the pass; the remaining ones still
	// run and the first failure becomes the exit status.
	var firstErr error
	for _, repo := range cfg.Repos {
		if ctx.Err() != nil {
			break
		}
		if err := runRepo(ctx, cfg, repo, gh, locks, db, invoker, onlyIssue, dryRun); err != nil {
			slog.Error("repository pass failed", "repo", repo.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// runRepo runs one full pass over a single repository.
func runRepo(ctx context.Context, cfg *config.Config, repo config.RepoConfig, gh *github.Client, locks *lock.Manager, db dispatch.Journal, invoker *agent.Invoker, onlyIssue int, dryRun bool) error {
	provisioner := &workspace.Provisioner{
		Root:         cfg.WorkspaceRoot,
		ClonePath:    repo.ClonePath,
		RepoShort:    repo.ShortName(),
		Namespace:    cfg.BranchNamespace,
		CopyPatterns: cfg.CopyToWorkspace,
		AuthorName:   cfg.Git.AuthorName,
		AuthorEmail:  cfg.Git.AuthorEmail,
	}

	baseBranch := gitops.DefaultBranch(ctx, &shell.Runner{Dir: repo.ClonePath})

	planCfg := stage.PlanConfig{
		Invoker:       invoker,
		Comments:      gh,
		Owner:         repo.Owner(),
		Repo:          repo.ShortName(),
		ClonePath:     repo.ClonePath,
		ApprovalToken: cfg.ApprovalToken,
		OverrideDir:   cfg.PromptsDir,
	}
	implementCfg := stage.ImplementConfig{
		Invoker:     invoker,
		Workspaces:  provisioner,
		PRs:         gh,
		Owner:       repo.Owner(),
		Repo:        repo.ShortName(),
		BaseBranch:  baseBranch,
		OverrideDir: cfg.PromptsDir,
	}
	updateCfg := stage.UpdatePRConfig{
		Invoker:     invoker,
		Workspaces:  provisioner,
		OverrideDir: cfg.PromptsDir,
	}

	runner := &dispatch.Runner{
		GitHub:        gh,
		Locks:         locks,
		Workspaces:    provisioner,
		Journal:       db,
		Owner:         repo.Owner(),
		Repo:          repo.ShortName(),
		MaxIssues:     cfg.MaxIssues,
		ExcludeLabels: cfg.ExcludeLabels,
		ApprovalToken: cfg.ApprovalToken,
		OnlyIssue:     onlyIssue,
		DryRun:        dryRun,
		PlanFn: func(ctx context.Context, issue github.Issue, comments []github.Comment) error {
			return stage.Plan(ctx, planCfg, issue, comments)
		},
		ImplementFn: func(ctx context.Context, issue github.Issue, plan string) (github.PR, error) {
			return stage.Implement(ctx, implementCfg, issue, plan)
		},
		UpdatePRFn: func(ctx context.Context, issue github.Issue, pr github.PR, comments []github.ReviewComment) error {
			return stage.UpdatePR(ctx, updateCfg, issue, pr, comments)
		},
	}

	return runner.Run(ctx)
}

func newGitHubClient(cfg *config.Config) (*github.Client, error) {
	var opts []github.Option
	if cfg.GitHub.BaseURL != "" {
		opts = append(opts, github.WithBaseURL(cfg.GitHub.BaseURL))
	}
	if cfg.GitHub.App.ClientID != "" {
		opts = append(opts, github.WithAppAuth(github.AppCredentials{
			ClientID:       cfg.GitHub.App.ClientID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
		}))
	}
	return github.New(cfg.GitHub.Token, opts...)
}

// setupLogging sends structured logs to stderr, and additionally appends
// them to a file when one is configured.
func setupLogging(logPath string) error {
	var w io.Writer = os.Stderr
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, nil)))
	return nil
}
