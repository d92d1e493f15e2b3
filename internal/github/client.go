// Package github drives the source-control hosting API for the auto-fix
// saga: fix branches, pull requests, and repository enumeration for the
// scheduler.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/remedyd/internal/autofix"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/saga"
)

// Config configures the GitHub client.
type Config struct {
	// Token is the personal access token or app installation token.
	Token config.Secret `koanf:"token"`

	// Org is the organization whose repositories the scheduler scans.
	Org string `koanf:"org"`

	// RequestTimeout bounds individual API calls.
	// Default: 30 seconds
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Validate validates the client configuration.
func (c *Config) Validate() error {
	if !c.Token.IsSet() {
		return fmt.Errorf("github token is required")
	}
	return nil
}

// Client wraps the official GitHub client with the error classification the
// saga needs: transient API failures stay retryable, client errors become
// terminal.
type Client struct {
	gh     *gh.Client
	cfg    Config
	logger *logging.Logger
}

var _ autofix.SourceControl = (*Client)(nil)

// NewClient creates an authenticated GitHub client.
func NewClient(ctx context.Context, cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:     gh.NewClient(tc),
		cfg:    cfg,
		logger: logger.Named("github"),
	}, nil
}

// CreateBranch creates refs/heads/<branch> pointing at baseSHA. An already
// existing branch is success: a retried run re-arrives here after the
// original call went through.
func (c *Client) CreateBranch(ctx context.Context, owner, repo, branch, baseSHA string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ref := "refs/heads/" + branch
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, repo, &gh.Reference{
		Ref:    gh.String(ref),
		Object: &gh.GitObject{SHA: gh.String(baseSHA)},
	})
	if err != nil {
		if isAlreadyExists(err) {
			c.logger.Info(ctx, "branch already exists, treating as created",
				zap.String("repo", owner+"/"+repo),
				zap.String("branch", branch),
			)
			return nil
		}
		return classify(fmt.Errorf("create ref %s: %w", ref, err), resp)
	}
	return nil
}

// CreatePullRequest opens a PR and returns its canonical HTML URL.
func (c *Client) CreatePullRequest(ctx context.Context, pr autofix.PullRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	created, resp, err := c.gh.PullRequests.Create(ctx, pr.Owner, pr.Repo, &gh.NewPullRequest{
		Title: gh.String(pr.Title),
		Body:  gh.String(pr.Body),
		Head:  gh.String(pr.Head),
		Base:  gh.String(pr.Base),
	})
	if err != nil {
		return "", classify(fmt.Errorf("create pull request %q: %w", pr.Title, err), resp)
	}
	if created.GetHTMLURL() == "" {
		return "", saga.Terminal(fmt.Errorf("pull request %d has no html url", created.GetNumber()))
	}
	return created.GetHTMLURL(), nil
}

// ListRepositories enumerates the org's repositories and returns their
// clone URLs, paging through the full set.
func (c *Client) ListRepositories(ctx context.Context, org string) ([]string, error) {
	opts := &gh.RepositoryListByOrgOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var urls []string
	for {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		repos, resp, err := c.gh.Repositories.ListByOrg(ctx, org, opts)
		cancel()
		if err != nil {
			return nil, classify(fmt.Errorf("list repositories for %s: %w", org, err), resp)
		}
		for _, repo := range repos {
			if repo.GetArchived() {
				continue
			}
			urls = append(urls, repo.GetHTMLURL())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return urls, nil
}

// isAlreadyExists reports whether err is the 422 "Reference already exists"
// response.
func isAlreadyExists(err error) bool {
	var ghErr *gh.ErrorResponse
	if !errors.As(err, &ghErr) {
		return false
	}
	if ghErr.Response == nil || ghErr.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(ghErr.Message), "already exists")
}

// classify tags non-retryable API failures as terminal. Rate limiting and
// server errors stay retryable for the saga's backoff policy.
func classify(err error, resp *gh.Response) error {
	if resp == nil || resp.Response == nil {
		// Transport-level failure, worth retrying.
		return err
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return err
	case http.StatusForbidden:
		// Secondary rate limits come back 403 with rate headers set.
		if resp.Rate.Limit > 0 {
			return err
		}
		return saga.Terminal(err)
	default:
		return saga.Terminal(err)
	}
}
