// Package ghclient is the Hosting REST Client (SPEC_FULL.md §4.H): GitHub
// App JWT minting, installation-token exchange and caching, and the PR/issue
// REST operations job handlers need, for two independent App identities.
package ghclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/internal/circuitbreaker"
	"github.com/CREVIOS/agentloop/internal/retry"
	"github.com/CREVIOS/agentloop/pkg/models"
)

// identity is one GitHub App's credentials plus its per-repo installation
// id cache, mirroring the teacher's single-identity Client almost exactly.
type identity struct {
	appID           int64
	privateKey      []byte
	installationIDs sync.Map // repo full name -> installation id
}

// Client exposes the REST operations job handlers need, dispatching each
// call to whichever App identity (code or reviewer) the caller selects. Every
// REST call is wrapped by the same retry/circuit-breaker resilience stack
// internal/agent.Runner wraps its subprocess invocation with (SPEC_FULL.md
// §4.J: the stack wraps calls to both the Hosting REST Client and the Agent
// Runner).
type Client struct {
	code     *identity
	reviewer *identity
	apiBase  string
	apiVersion string

	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
}

// New loads both App private keys from disk and builds a Client. Selecting
// the wrong role for a job kind is a programmer error, not a runtime one —
// see models.RoleForKind.
func New(cfg *models.Config) (*Client, error) {
	codeKey, err := os.ReadFile(cfg.CodeAppPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read code app private key: %w", err)
	}
	reviewerKey, err := os.ReadFile(cfg.ReviewerAppPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read reviewer app private key: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.RetryMaxAttempts
	retryCfg.InitialDelay = time.Duration(cfg.RetryInitialDelayMS) * time.Millisecond
	retryCfg.MaxDelay = time.Duration(cfg.RetryMaxDelayMS) * time.Millisecond

	return &Client{
		code:       &identity{appID: cfg.CodeAppID, privateKey: codeKey},
		reviewer:   &identity{appID: cfg.ReviewerAppID, privateKey: reviewerKey},
		apiBase:    cfg.GitHubAPIBase,
		apiVersion: cfg.GitHubAPIVersion,
		retrier:    retry.New(retryCfg),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "ghclient",
			FailureThreshold: cfg.CircuitBreakerThreshold,
			Timeout:          time.Duration(cfg.CircuitBreakerCooldownSec) * time.Second,
		}),
	}, nil
}

// withResilience retries fn with backoff, through the circuit breaker, the
// same way internal/agent.Runner.invoke wraps its subprocess call. Used
// around every REST call below so a flaky hosting-provider response doesn't
// fail a job outright (§7 UpstreamError).
func (c *Client) withResilience(ctx context.Context, fn func() error) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(fn)
	})
}

func (c *Client) identityFor(role models.AgentRole) *identity {
	if role == models.RoleReviewer {
		return c.reviewer
	}
	return c.code
}

func (id *identity) createJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", id.appID),
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(id.privateKey)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

// installationClient returns a *github.Client authenticated as the
// installation covering owner/repo, under the given App identity, caching
// the installation id per repo full name so repeat jobs skip the lookup.
func (c *Client) installationClient(ctx context.Context, role models.AgentRole, owner, repo string) (*github.Client, error) {
	id := c.identityFor(role)
	fullName := owner + "/" + repo

	if cached, ok := id.installationIDs.Load(fullName); ok {
		return c.clientForInstallation(ctx, id, cached.(int64))
	}

	jwtToken, err := id.createJWT()
	if err != nil {
		return nil, err
	}
	appClient := c.rawClient(&jwtTransport{token: jwtToken})

	var installation *github.Installation
	err = c.withResilience(ctx, func() error {
		var gerr error
		installation, _, gerr = appClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("find installation for %s: %w", fullName, err)
	}
	id.installationIDs.Store(fullName, installation.GetID())
	return c.clientForInstallation(ctx, id, installation.GetID())
}

func (c *Client) clientForInstallation(ctx context.Context, id *identity, installationID int64) (*github.Client, error) {
	jwtToken, err := id.createJWT()
	if err != nil {
		return nil, err
	}
	appClient := c.rawClient(&jwtTransport{token: jwtToken})

	var token *github.InstallationToken
	err = c.withResilience(ctx, func() error {
		var gerr error
		token, _, gerr = appClient.Apps.CreateInstallationToken(ctx, installationID, nil)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("create installation token: %w", err)
	}
	return c.rawClient(&tokenTransport{token: token.GetToken()}), nil
}

// InstallationToken mints a fresh installation token for owner/repo under
// role, for callers (the agent runner, git pushes) that need the raw bearer
// token rather than a *github.Client wrapping it.
func (c *Client) InstallationToken(ctx context.Context, role models.AgentRole, owner, repo string) (string, error) {
	id := c.identityFor(role)
	fullName := owner + "/" + repo

	installationID, ok := id.installationIDs.Load(fullName)
	if !ok {
		jwtToken, err := id.createJWT()
		if err != nil {
			return "", err
		}
		appClient := c.rawClient(&jwtTransport{token: jwtToken})
		var installation *github.Installation
		err = c.withResilience(ctx, func() error {
			var gerr error
			installation, _, gerr = appClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
			return gerr
		})
		if err != nil {
			return "", fmt.Errorf("find installation for %s: %w", fullName, err)
		}
		installationID = installation.GetID()
		id.installationIDs.Store(fullName, installationID)
	}

	jwtToken, err := id.createJWT()
	if err != nil {
		return "", err
	}
	appClient := c.rawClient(&jwtTransport{token: jwtToken})
	var token *github.InstallationToken
	err = c.withResilience(ctx, func() error {
		var gerr error
		token, _, gerr = appClient.Apps.CreateInstallationToken(ctx, installationID.(int64), nil)
		return gerr
	})
	if err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}
	return token.GetToken(), nil
}

func (c *Client) rawClient(transport http.RoundTripper) *github.Client {
	client := github.NewClient(&http.Client{Transport: transport})
	if c.apiBase != "" && c.apiBase != "https://api.github.com" {
		if base, err := url.Parse(c.apiBase + "/"); err == nil {
			client.BaseURL = base
		}
	}
	return client
}

// GetIssue fetches issue metadata.
func (c *Client) GetIssue(ctx context.Context, role models.AgentRole, owner, repo string, number int) (*github.Issue, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var issue *github.Issue
	err = c.withResilience(ctx, func() error {
		var gerr error
		issue, _, gerr = client.Issues.Get(ctx, owner, repo, number)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return issue, nil
}

// GetPullRequest fetches pull request metadata.
func (c *Client) GetPullRequest(ctx context.Context, role models.AgentRole, owner, repo string, number int) (*github.PullRequest, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var pr *github.PullRequest
	err = c.withResilience(ctx, func() error {
		var gerr error
		pr, _, gerr = client.PullRequests.Get(ctx, owner, repo, number)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return pr, nil
}

// GetPullRequestDiff fetches the unified diff for a pull request.
func (c *Client) GetPullRequestDiff(ctx context.Context, role models.AgentRole, owner, repo string, number int) (string, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return "", err
	}
	var diff string
	err = c.withResilience(ctx, func() error {
		var gerr error
		diff, _, gerr = client.PullRequests.GetRaw(ctx, owner, repo, number, github.RawOptions{Type: github.Diff})
		return gerr
	})
	if err != nil {
		return "", fmt.Errorf("get PR #%d diff: %w", number, err)
	}
	return diff, nil
}

// ListPRFiles lists the files changed in a pull request.
func (c *Client) ListPRFiles(ctx context.Context, role models.AgentRole, owner, repo string, number int) ([]*github.CommitFile, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var files []*github.CommitFile
	err = c.withResilience(ctx, func() error {
		var gerr error
		files, _, gerr = client.PullRequests.ListFiles(ctx, owner, repo, number, &github.ListOptions{PerPage: 100})
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("list PR #%d files: %w", number, err)
	}
	return files, nil
}

// CreatePR opens a new pull request.
func (c *Client) CreatePR(ctx context.Context, role models.AgentRole, owner, repo, title, head, base, body string) (*github.PullRequest, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var pr *github.PullRequest
	err = c.withResilience(ctx, func() error {
		var gerr error
		pr, _, gerr = client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
			Body:  github.String(body),
		})
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return pr, nil
}

// CreateComment posts a comment on an issue or PR (the same endpoint serves
// both, per the hosting API).
func (c *Client) CreateComment(ctx context.Context, role models.AgentRole, owner, repo string, number int, body string) error {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return err
	}
	err = c.withResilience(ctx, func() error {
		_, _, gerr := client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
		return gerr
	})
	if err != nil {
		return fmt.Errorf("create comment on #%d: %w", number, err)
	}
	return nil
}

// AddReaction adds an emoji reaction to an issue comment.
func (c *Client) AddReaction(ctx context.Context, role models.AgentRole, owner, repo string, commentID int64, reaction string) error {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return err
	}
	err = c.withResilience(ctx, func() error {
		_, _, gerr := client.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, reaction)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

// ReviewEvent is the hosting API's review-submission verb.
type ReviewEvent string

const (
	ReviewApprove        ReviewEvent = "APPROVE"
	ReviewRequestChanges ReviewEvent = "REQUEST_CHANGES"
	ReviewComment        ReviewEvent = "COMMENT"
)

// SubmitReview submits a pull request review (approve/request-changes), the
// API counterpart to the human-readable comment the handler also posts.
func (c *Client) SubmitReview(ctx context.Context, role models.AgentRole, owner, repo string, number int, event ReviewEvent, body string) error {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return err
	}
	err = c.withResilience(ctx, func() error {
		_, _, gerr := client.PullRequests.CreateReview(ctx, owner, repo, number, &github.PullRequestReviewRequest{
			Body:  github.String(body),
			Event: github.String(string(event)),
		})
		return gerr
	})
	if err != nil {
		return fmt.Errorf("submit review on PR #%d: %w", number, err)
	}
	log.Info().Str("repo", owner+"/"+repo).Int("pr", number).Str("event", string(event)).Msg("submitted review")
	return nil
}

// GetCombinedStatus fetches the combined commit-status for a ref.
func (c *Client) GetCombinedStatus(ctx context.Context, role models.AgentRole, owner, repo, ref string) (*github.CombinedStatus, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var status *github.CombinedStatus
	err = c.withResilience(ctx, func() error {
		var gerr error
		status, _, gerr = client.Repositories.GetCombinedStatus(ctx, owner, repo, ref, nil)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("get combined status for %s: %w", ref, err)
	}
	return status, nil
}

// GetCheckRuns fetches the check runs reported for a ref.
func (c *Client) GetCheckRuns(ctx context.Context, role models.AgentRole, owner, repo, ref string) (*github.ListCheckRunsResults, error) {
	client, err := c.installationClient(ctx, role, owner, repo)
	if err != nil {
		return nil, err
	}
	var runs *github.ListCheckRunsResults
	err = c.withResilience(ctx, func() error {
		var gerr error
		runs, _, gerr = client.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, nil)
		return gerr
	})
	if err != nil {
		return nil, fmt.Errorf("list check runs for %s: %w", ref, err)
	}
	return runs, nil
}

// jwtTransport authenticates requests as the GitHub App itself, used only
// to look up installations and mint installation tokens.
type jwtTransport struct{ token string }

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return http.DefaultTransport.RoundTrip(req)
}

// tokenTransport authenticates requests as an installation.
type tokenTransport struct{ token string }

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return http.DefaultTransport.RoundTrip(req)
}
