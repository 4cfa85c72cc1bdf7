// Package jira implements the issue gateway on top of the JIRA REST API. A
// repository maps onto a project key (owner) and an issue type (name).
package jira

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jira "github.com/andygrunwald/go-jira"
	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/pkg/models"
)

const (
	defaultRetryAfter = 30 * time.Second

	// JQL dates have minute precision and use the account's time zone, so
	// incremental searches look back a day and let the cursor filter.
	cursorSlack = 24 * time.Hour

	// doneCategory is the status category key of resolved issues.
	doneCategory = "done"
)

var searchFields = []string{"summary", "description", "status", "labels", "updated"}

// Options configure a Client.
type Options struct {
	URL      string
	Username string
	Token    string

	// PageSize is the number of issues per search page.
	PageSize int

	// HTTPClient is wrapped with basic auth; nil means http.DefaultTransport.
	HTTPClient *http.Client
}

// Client handles interactions with the JIRA API
type Client struct {
	client   *jira.Client
	pageSize int
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient creates a new JIRA client
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" || opts.Username == "" || opts.Token == "" {
		return nil, fmt.Errorf("JIRA_URL, JIRA_USERNAME and a token are required")
	}

	// Create JIRA authentication transport
	tp := jira.BasicAuthTransport{
		Username: opts.Username,
		Password: opts.Token,
	}
	if opts.HTTPClient != nil {
		tp.Transport = opts.HTTPClient.Transport
	}

	client, err := jira.NewClient(tp.Client(), opts.URL)
	if err != nil {
		return nil, fmt.Errorf("error creating JIRA client: %w", err)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	logging.Debug("jira configuration", "url", opts.URL, "username", opts.Username, "token", logging.MaskSensitive(opts.Token))
	return &Client{client: client, pageSize: pageSize}, nil
}

func issueKey(repo models.Repository, number int) string {
	return fmt.Sprintf("%s-%d", repo.Owner, number)
}

// issueNumber extracts the numeric suffix of an issue key like "PROJ-12".
func issueNumber(key string) (int, error) {
	i := strings.LastIndex(key, "-")
	if i < 0 {
		return 0, fmt.Errorf("unexpected issue key %q", key)
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return 0, fmt.Errorf("unexpected issue key %q: %w", key, err)
	}
	return n, nil
}

func searchJQL(repo models.Repository, cursor models.SyncCursor) string {
	jql := fmt.Sprintf("project = %q AND issuetype = %q", repo.Owner, repo.Name)
	if !cursor.IsZero() {
		since := cursor.UpdatedAt.Add(-cursorSlack).UTC()
		jql += fmt.Sprintf(" AND updated >= %q", since.Format("2006/01/02 15:04"))
	}
	return jql + " ORDER BY updated ASC, key ASC"
}

// ListIssues searches the issues of the project and issue type, oldest
// update first. The page token is the search offset.
func (c *Client) ListIssues(repo models.Repository, cursor models.SyncCursor) gateway.Pages {
	jql := searchJQL(repo, cursor)
	return gateway.NewPages(func(ctx context.Context, startAt int) ([]models.RemoteIssue, int, error) {
		issues, resp, err := c.client.Issue.SearchWithContext(ctx, jql, &jira.SearchOptions{
			StartAt:    startAt,
			MaxResults: c.pageSize,
			Fields:     searchFields,
		})
		if err != nil {
			logging.Error("failed to search jira issues", "repository", repo.ID(), "start_at", startAt, "error", err)
			return nil, 0, mapError(resp, err, "search JIRA issues")
		}

		result := make([]models.RemoteIssue, 0, len(issues))
		for i := range issues {
			issue, err := convertIssue(&issues[i])
			if err != nil {
				return nil, 0, err
			}
			if !cursor.IsZero() && issue.UpdatedAt.Before(cursor.UpdatedAt) {
				continue
			}
			result = append(result, issue)
		}

		next := startAt + len(issues)
		if len(issues) == 0 || next >= resp.Total {
			next = 0
		}
		return result, next, nil
	})
}

// CreateIssue creates a ticket in the project with the repository's issue type.
func (c *Client) CreateIssue(ctx context.Context, repo models.Repository, title, body string) (*models.RemoteIssue, error) {
	jiraIssue := &jira.Issue{
		Fields: &jira.IssueFields{
			Project: jira.Project{
				Key: repo.Owner,
			},
			Summary:     title,
			Description: body,
			Type: jira.IssueType{
				Name: repo.Name,
			},
		},
	}

	newIssue, resp, err := c.client.Issue.CreateWithContext(ctx, jiraIssue)
	if err != nil {
		return nil, mapError(resp, err, "create JIRA ticket")
	}
	logging.Debug("created jira ticket", "repository", repo.ID(), "key", newIssue.Key)
	return c.get(ctx, newIssue.Key)
}

// UpdateIssue edits summary and description, then moves the ticket to the
// requested state when it differs.
func (c *Client) UpdateIssue(ctx context.Context, repo models.Repository, number int, fields gateway.IssueFields) (*models.RemoteIssue, error) {
	key := issueKey(repo, number)

	edits := map[string]interface{}{}
	if fields.Title != nil {
		edits["summary"] = *fields.Title
	}
	if fields.Body != nil {
		edits["description"] = *fields.Body
	}
	if len(edits) > 0 {
		resp, err := c.client.Issue.UpdateIssueWithContext(ctx, key, map[string]interface{}{"fields": edits})
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, mapError(resp, err, "update JIRA ticket "+key)
		}
	}

	if fields.State != nil {
		current, err := c.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if current.State != *fields.State {
			if err := c.transition(ctx, key, *fields.State); err != nil {
				return nil, err
			}
		}
	}
	return c.get(ctx, key)
}

// CloseIssue moves the ticket into a done-category status.
func (c *Client) CloseIssue(ctx context.Context, repo models.Repository, number int) (*models.RemoteIssue, error) {
	closed := models.IssueClosed
	return c.UpdateIssue(ctx, repo, number, gateway.IssueFields{State: &closed})
}

// transition applies the first available transition leading to a status of
// the wanted category.
func (c *Client) transition(ctx context.Context, key string, state models.IssueState) error {
	transitions, resp, err := c.client.Issue.GetTransitionsWithContext(ctx, key)
	if err != nil {
		return mapError(resp, err, "list transitions of "+key)
	}

	for _, t := range transitions {
		toDone := t.To.StatusCategory.Key == doneCategory
		if toDone != (state == models.IssueClosed) {
			continue
		}
		resp, err := c.client.Issue.DoTransitionWithContext(ctx, key, t.ID)
		if resp != nil {
			resp.Body.Close()
		}
		if err != nil {
			return mapError(resp, err, "transition "+key)
		}
		logging.Debug("transitioned jira ticket", "key", key, "transition", t.Name)
		return nil
	}
	return fmt.Errorf("no transition of %s leads to a %s status", key, state)
}

func (c *Client) get(ctx context.Context, key string) (*models.RemoteIssue, error) {
	issue, resp, err := c.client.Issue.GetWithContext(ctx, key, &jira.GetQueryOptions{Fields: strings.Join(searchFields, ",")})
	if err != nil {
		return nil, mapError(resp, err, "get JIRA ticket "+key)
	}
	converted, err := convertIssue(issue)
	if err != nil {
		return nil, err
	}
	return &converted, nil
}

func convertIssue(issue *jira.Issue) (models.RemoteIssue, error) {
	number, err := issueNumber(issue.Key)
	if err != nil {
		return models.RemoteIssue{}, err
	}
	out := models.RemoteIssue{Number: number, State: models.IssueOpen}
	if f := issue.Fields; f != nil {
		out.Title = f.Summary
		out.Body = f.Description
		out.Labels = f.Labels
		out.UpdatedAt = time.Time(f.Updated).UTC()
		if f.Status != nil && f.Status.StatusCategory.Key == doneCategory {
			out.State = models.IssueClosed
		}
	}
	return out, nil
}

// mapError translates go-jira failures into the gateway error taxonomy.
func mapError(resp *jira.Response, err error, action string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if resp == nil || resp.Response == nil {
		return gateway.Unreachable(fmt.Errorf("%s: %w", action, err))
	}

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		wait := defaultRetryAfter
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return gateway.RateLimited(wait, fmt.Errorf("%s: %w", action, err))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return gateway.AuthFailure(fmt.Errorf("%s: %w", action, err))
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %v", action, gateway.ErrIssueNotFound, err)
	case code >= http.StatusInternalServerError:
		return gateway.Unreachable(fmt.Errorf("%s: %w", action, err))
	}
	return fmt.Errorf("%s: %w (status: %d)", action, err, resp.StatusCode)
}
