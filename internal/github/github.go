package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/nightshift-sh/nightshift/internal/retry"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
)

// Issue represents a GitHub issue.
type Issue struct {
	Number  int
	Title   string
	Body    string
	HTMLURL string
	Labels  []string
}

// Comment represents an issue comment.
type Comment struct {
	ID        int64
	Body      string
	User      string
	CreatedAt time.Time
}

// PR represents a pull request.
type PR struct {
	Number         int
	HTMLURL        string
	Title          string
	State          string
	Merged         bool
	ReviewComments int
}

// ReviewComment represents a line-level review comment on a pull request.
type ReviewComment struct {
	ID   int64
	Path string
	Line int
	User string
	Body string
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation (token parameter is
// ignored). Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyPath := expandHome(app.PrivateKeyPath)
	keyData, err := readKeyFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused — our signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}

	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// ListOpenIssues returns up to max open issues for the repository, oldest
// first. Issues carrying any of the excluded labels are skipped. Pull
// requests (which GitHub's issues API also returns) are filtered out.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string, max int, excludeLabels []string) ([]Issue, error) {
	return retry.DoVal(ctx, func() ([]Issue, error) {
		excluded := make(map[string]bool, len(excludeLabels))
		for _, l := range excludeLabels {
			excluded[strings.ToLower(l)] = true
		}

		var all []Issue
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			Sort:        "created",
			Direction:   "asc",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing open issues: %w", err))
			}
			for _, is := range issues {
				if is.IsPullRequest() {
					continue
				}
				if hasExcludedLabel(is, excluded) {
					continue
				}
				all = append(all, issueFromGH(is))
				if max > 0 && len(all) >= max {
					return all, nil
				}
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchIssue fetches a single issue by number.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		is, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, classifyErr(fmt.Errorf("fetching issue: %w", err))
		}
		return issueFromGH(is), nil
	}, c.retryOpts()...)
}

// FetchIssueComments returns all comments on the given issue in creation order.
func (c *Client) FetchIssueComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		var all []Comment
		opts := &gh.IssueListCommentsOptions{
			Sort:        gh.Ptr("created"),
			Direction:   gh.Ptr("asc"),
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching issue comments: %w", err))
			}
			for _, cm := range comments {
				all = append(all, Comment{
					ID:        cm.GetID(),
					Body:      cm.GetBody(),
					User:      cm.GetUser().GetLogin(),
					CreatedAt: cm.GetCreatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// PostIssueComment posts a comment on the given issue.
func (c *Client) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		ic, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting issue comment: %w", err))
		}
		return Comment{
			ID:        ic.GetID(),
			Body:      ic.GetBody(),
			User:      ic.GetUser().GetLogin(),
			CreatedAt: ic.GetCreatedAt().Time,
		}, nil
	}, c.retryOpts()...)
}

// AddCommentReaction adds a reaction (e.g. "eyes", "+1") to an issue comment.
func (c *Client) AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, content)
		if err != nil {
			return classifyErr(fmt.Errorf("adding comment reaction: %w", err))
		}
		return nil
	}, c.retryOpts()...)
}

// FindIssuePR searches for a pull request whose text references the issue
// via a closing keyword ("fixes #N"). Returns nil when no PR matches; the
// first search result wins when several do.
func (c *Client) FindIssuePR(ctx context.Context, owner, repo string, issueNumber int) (*PR, error) {
	return retry.DoVal(ctx, func() (*PR, error) {
		query := fmt.Sprintf("%q repo:%s/%s type:pr", fmt.Sprintf("fixes #%d", issueNumber), owner, repo)
		result, _, err := c.gh.Search.Issues(ctx, query, &gh.SearchOptions{
			ListOptions: gh.ListOptions{PerPage: 10},
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("searching PRs for issue #%d: %w", issueNumber, err))
		}
		if len(result.Issues) == 0 {
			return nil, nil
		}
		pr, err := c.FetchPR(ctx, owner, repo, result.Issues[0].GetNumber())
		if err != nil {
			return nil, err
		}
		return &pr, nil
	}, c.retryOpts()...)
}

// FetchPR fetches a single pull request by number, including its merged
// flag and review-comment count.
func (c *Client) FetchPR(ctx context.Context, owner, repo string, prNumber int) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, prNumber)
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

// FetchReviewComments returns all line-level review comments on the given
// pull request.
func (c *Client) FetchReviewComments(ctx context.Context, owner, repo string, prNumber int) ([]ReviewComment, error) {
	return retry.DoVal(ctx, func() ([]ReviewComment, error) {
		var all []ReviewComment
		opts := &gh.PullRequestListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, prNumber, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("fetching review comments: %w", err))
			}
			for _, cm := range comments {
				all = append(all, ReviewComment{
					ID:   cm.GetID(),
					Path: cm.GetPath(),
					Line: cm.GetLine(),
					User: cm.GetUser().GetLogin(),
					Body: cm.GetBody(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// CreateDraftPR creates a new draft pull request and returns it.
func (c *Client) CreateDraftPR(ctx context.Context, owner, repo, head, base, title, body string) (PR, error) {
	return retry.DoVal(ctx, func() (PR, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
			Draft: gh.Ptr(true),
		})
		if err != nil {
			return PR{}, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return prFromGH(pr), nil
	}, c.retryOpts()...)
}

func issueFromGH(is *gh.Issue) Issue {
	i := Issue{
		Number:  is.GetNumber(),
		Title:   is.GetTitle(),
		Body:    is.GetBody(),
		HTMLURL: is.GetHTMLURL(),
	}
	for _, l := range is.Labels {
		i.Labels = append(i.Labels, l.GetName())
	}
	return i
}

func hasExcludedLabel(is *gh.Issue, excluded map[string]bool) bool {
	for _, l := range is.Labels {
		if excluded[strings.ToLower(l.GetName())] {
			return true
		}
	}
	return false
}

func prFromGH(pr *gh.PullRequest) PR {
	return PR{
		Number:         pr.GetNumber(),
		HTMLURL:        pr.GetHTMLURL(),
		Title:          pr.GetTitle(),
		State:          pr.GetState(),
		Merged:         pr.GetMerged(),
		ReviewComments: pr.GetReviewComments(),
	}
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
