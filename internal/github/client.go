// Package github provides functionality for interacting with the GitHub API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/google/go-github/v41/github"
	"golang.org/x/oauth2"
)

// defaultRetryAfter is used when GitHub signals a rate limit without saying
// when it ends.
const defaultRetryAfter = time.Minute

// Options configure a Client.
type Options struct {
	// Token is the personal access token.
	Token string

	// Domain is the GitHub host, github.com or a GitHub Enterprise domain.
	Domain string

	// BaseURL overrides the API URL derived from Domain.
	BaseURL string

	// PageSize is the number of issues per listed page, at most 100.
	PageSize int
}

// Client encapsulates the GitHub API client and implements gateway.Gateway.
type Client struct {
	client   *github.Client
	pageSize int
	now      func() time.Time
}

var _ gateway.Gateway = (*Client)(nil)

// APIURL returns the REST endpoint for a GitHub domain.
func APIURL(domain string) string {
	if domain == "" || domain == "github.com" {
		return "https://api.github.com/"
	}
	return fmt.Sprintf("https://%s/api/v3/", domain)
}

// NewClient creates a GitHub client authenticated with a static token.
// Nothing is requested until the first call.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("github token not found in configuration")
	}

	apiURL := opts.BaseURL
	if apiURL == "" {
		apiURL = APIURL(opts.Domain)
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	parsedURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid github api url: %w", err)
	}

	logging.Debug("github configuration",
		"api_url", apiURL,
		"token", logging.MaskSensitive(opts.Token))

	// Create the oauth2 client
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: opts.Token},
	)
	tc := oauth2.NewClient(ctx, ts)

	client := github.NewClient(tc)
	client.BaseURL = parsedURL
	// For GitHub Enterprise, set the upload URL to the same endpoint
	client.UploadURL = parsedURL

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	return &Client{
		client:   client,
		pageSize: pageSize,
		now:      time.Now,
	}, nil
}

// CheckAccess verifies the token and that the repository can be read.
func (c *Client) CheckAccess(ctx context.Context, repo models.Repository) error {
	user, _, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return c.mapError(err, "test github token")
	}
	logging.Info("github authentication successful", "username", user.GetLogin())

	if _, _, err := c.client.Repositories.Get(ctx, repo.Owner, repo.Name); err != nil {
		return c.mapError(err, "access repository "+repo.ID())
	}
	return nil
}

// ListIssues returns the issues and only the issues (no pull requests) of
// repo updated since cursor, oldest update first.
func (c *Client) ListIssues(repo models.Repository, cursor models.SyncCursor) gateway.Pages {
	return gateway.NewPages(func(ctx context.Context, token int) ([]models.RemoteIssue, int, error) {
		opts := &github.IssueListByRepoOptions{
			State:     "all",
			Sort:      "updated",
			Direction: "asc",
			Since:     cursor.UpdatedAt,
			ListOptions: github.ListOptions{
				Page:    token,
				PerPage: c.pageSize,
			},
		}

		issues, resp, err := c.client.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			logging.Error("failed to fetch github issues", "repository", repo.ID(), "page", token, "error", err)
			return nil, 0, c.mapError(err, "fetch GitHub issues")
		}

		result := make([]models.RemoteIssue, 0, len(issues))
		for _, issue := range issues {
			// Skip pull requests (they're also returned by the Issues API)
			if issue.PullRequestLinks != nil {
				continue
			}
			result = append(result, convertIssue(issue))
		}

		logging.Debug("fetched github issues", "repository", repo.ID(), "page", token, "count", len(result))
		return result, resp.NextPage, nil
	})
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, repo models.Repository, title, body string) (*models.RemoteIssue, error) {
	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	issue, _, err := c.client.Issues.Create(ctx, repo.Owner, repo.Name, req)
	if err != nil {
		logging.Error("error creating issue", "repository", repo.ID(), "error", err)
		return nil, c.mapError(err, "create issue in "+repo.ID())
	}

	created := convertIssue(issue)
	logging.Debug("created github issue", "repository", repo.ID(), "issue_number", created.Number)
	return &created, nil
}

// UpdateIssue edits the non-nil fields of an issue.
func (c *Client) UpdateIssue(ctx context.Context, repo models.Repository, number int, fields gateway.IssueFields) (*models.RemoteIssue, error) {
	req := &github.IssueRequest{
		Title: fields.Title,
		Body:  fields.Body,
	}
	if fields.State != nil {
		req.State = github.String(string(*fields.State))
	}

	issue, _, err := c.client.Issues.Edit(ctx, repo.Owner, repo.Name, number, req)
	if err != nil {
		logging.Error("error updating issue", "repository", repo.ID(), "issue_number", number, "error", err)
		return nil, c.mapError(err, fmt.Sprintf("update issue %s#%d", repo.ID(), number))
	}

	updated := convertIssue(issue)
	return &updated, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, repo models.Repository, number int) (*models.RemoteIssue, error) {
	closed := models.IssueClosed
	return c.UpdateIssue(ctx, repo, number, gateway.IssueFields{State: &closed})
}

func convertIssue(issue *github.Issue) models.RemoteIssue {
	labelNames := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labelNames = append(labelNames, label.GetName())
	}

	state := models.IssueOpen
	if issue.GetState() == "closed" {
		state = models.IssueClosed
	}

	return models.RemoteIssue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     state,
		Labels:    labelNames,
		UpdatedAt: issue.GetUpdatedAt().UTC(),
	}
}

// mapError translates go-github errors into the gateway error taxonomy.
func (c *Client) mapError(err error, action string) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := rateErr.Rate.Reset.Time.Sub(c.now())
		if wait <= 0 {
			wait = time.Second
		}
		return gateway.RateLimited(wait, fmt.Errorf("%s: %w", action, err))
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := abuseErr.GetRetryAfter()
		if wait <= 0 {
			wait = defaultRetryAfter
		}
		return gateway.RateLimited(wait, fmt.Errorf("%s: %w", action, err))
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return gateway.AuthFailure(fmt.Errorf("%s: %w", action, err))
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s: %w: %v", action, gateway.ErrIssueNotFound, err)
		}
		if respErr.Response.StatusCode >= http.StatusInternalServerError {
			return gateway.Unreachable(fmt.Errorf("%s: %w", action, err))
		}
		return fmt.Errorf("%s: %w", action, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return gateway.Unreachable(fmt.Errorf("%s: %w", action, err))
	}
	return fmt.Errorf("%s: %w", action, err)
}
