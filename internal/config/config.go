// Package config loads nightshift.yaml plus environment overrides. Secrets
// never live in the YAML file: the GitHub token and App key come from the
// environment, with an optional .env file next to the config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the config filename searched for by Discover.
const DefaultConfigName = "nightshift.yaml"

type Config struct {
	// Repo is the target repository as "owner/name". Shorthand for a
	// single-entry Repos list.
	Repo string `yaml:"repo"`
	// ClonePath is the local clone worktrees are created from. Pairs with
	// Repo.
	ClonePath string `yaml:"clone_path"`
	// Repos targets several repositories in one pass, each with its own
	// clone. When set, Repo and ClonePath are ignored.
	Repos []RepoConfig `yaml:"repos"`
	// WorkspaceRoot holds per-issue workspaces; ~/.nightshift/workspaces
	// when empty.
	WorkspaceRoot string `yaml:"workspace_root"`
	// LockDir holds per-issue lock files; ~/.nightshift/locks when empty.
	LockDir string `yaml:"lock_dir"`
	// JournalPath is the SQLite run journal; ~/.nightshift/journal.db when
	// empty.
	JournalPath string `yaml:"journal_path"`
	// LogPath appends structured logs to a file in addition to stderr.
	LogPath string `yaml:"log_path"`

	// MaxIssues bounds how many issues one pass picks up.
	MaxIssues int `yaml:"max_issues"`
	// ApprovalToken is the comment that approves a plan.
	ApprovalToken string `yaml:"approval_token"`
	// BranchNamespace prefixes automation branches.
	BranchNamespace string `yaml:"branch_namespace"`
	// ExcludeLabels skips issues carrying any of these labels.
	ExcludeLabels []string `yaml:"exclude_labels"`
	// CopyToWorkspace are glob patterns copied from the clone into fresh
	// worktrees (untracked files like .env).
	CopyToWorkspace []string `yaml:"copy_to_workspace"`
	// PromptsDir overrides the embedded prompt templates.
	PromptsDir string `yaml:"prompts_dir"`

	Agent  AgentConfig  `yaml:"agent"`
	GitHub GitHubConfig `yaml:"github"`
	Git    GitConfig    `yaml:"git"`
}

type AgentConfig struct {
	// Bin is the CLI binary; "claude" when empty.
	Bin string `yaml:"bin"`
	// TimeoutMinutes bounds one invocation; 45 when zero.
	TimeoutMinutes int `yaml:"timeout_minutes"`
	// MaxTurns limits agentic turns when positive.
	MaxTurns int `yaml:"max_turns"`
	// Proxy sets HTTPS_PROXY for the agent process only.
	Proxy string `yaml:"proxy"`
}

type GitHubConfig struct {
	// Token is a PAT; overridden by GITHUB_TOKEN. Ignored when App auth is
	// configured.
	Token string `yaml:"token"`
	// BaseURL points at GitHub Enterprise; empty means github.com.
	BaseURL string `yaml:"base_url"`
	App     AppConfig `yaml:"app"`
}

// AppConfig configures GitHub App installation auth.
type AppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type GitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// RepoConfig identifies one target repository and its local clone.
type RepoConfig struct {
	// Name is the repository as "owner/name".
	Name string `yaml:"name"`
	// ClonePath is the local clone worktrees are created from.
	ClonePath string `yaml:"clone_path"`
}

// Owner returns the repository owner half of Name.
func (r RepoConfig) Owner() string {
	owner, _, _ := strings.Cut(r.Name, "/")
	return owner
}

// ShortName returns the repository name half of Name.
func (r RepoConfig) ShortName() string {
	_, name, _ := strings.Cut(r.Name, "/")
	return name
}

// SelectRepo narrows the pass to one configured repository.
func (c *Config) SelectRepo(name string) error {
	for _, r := range c.Repos {
		if r.Name == name {
			c.Repos = []RepoConfig{r}
			return nil
		}
	}
	return fmt.Errorf("repository %q is not configured", name)
}

// Load reads and parses the config file at path, loads a sibling .env file
// if one exists, and applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// A .env next to the config holds secrets kept out of YAML. Real
	// environment variables win over .env entries.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Discover walks up from the current directory looking for nightshift.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return nil, fmt.Errorf("no %s found in current directory or parents", DefaultConfigName)
}

// Resolve tries the explicit path first, then falls back to Discover.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Discover()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHub.Token = v
	}
	if v := os.Getenv("NIGHTSHIFT_REPO"); v != "" {
		c.Repo = v
	}
	if v := os.Getenv("NIGHTSHIFT_CLONE_PATH"); v != "" {
		c.ClonePath = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" && c.Agent.Proxy == "" {
		c.Agent.Proxy = v
	}
}

func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".nightshift")

	if len(c.Repos) == 0 && c.Repo != "" {
		c.Repos = []RepoConfig{{Name: c.Repo, ClonePath: c.ClonePath}}
	}

	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(base, "workspaces")
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(base, "locks")
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(base, "journal.db")
	}
	if c.MaxIssues <= 0 {
		c.MaxIssues = 5
	}
	if c.ApprovalToken == "" {
		c.ApprovalToken = "lgtm"
	}
	if c.BranchNamespace == "" {
		c.BranchNamespace = "nightshift"
	}
	if c.Agent.TimeoutMinutes <= 0 {
		c.Agent.TimeoutMinutes = 45
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = "nightshift"
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = "nightshift@localhost"
	}
}

func (c *Config) validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("missing required field: repo (or repos)")
	}
	for _, r := range c.Repos {
		if !strings.Contains(r.Name, "/") {
			return fmt.Errorf("repo must be owner/name, got %q", r.Name)
		}
		if r.ClonePath == "" {
			return fmt.Errorf("repo %s: missing required field: clone_path", r.Name)
		}
	}
	if c.GitHub.Token == "" && c.GitHub.App.ClientID == "" {
		return fmt.Errorf("no GitHub credentials: set GITHUB_TOKEN or configure github.app")
	}
	if c.GitHub.App.ClientID != "" {
		if c.GitHub.App.InstallationID == 0 || c.GitHub.App.PrivateKeyPath == "" {
			return fmt.Errorf("github.app requires client_id, installation_id, and private_key_path")
		}
	}
	return nil
}
