// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/pkg/models"
)

// Operation names passed to Fake.Fail.
const (
	OpList   = "list"
	OpCreate = "create"
	OpUpdate = "update"
	OpClose  = "close"
)

// Call records one mutation received by the fake.
type Call struct {
	Op         string
	Repository string
	Number     int
	Title      string
}

// Fake is a gateway backed by maps. The zero value is not usable; call New.
type Fake struct {
	// PageSize bounds the issues per listed page.
	PageSize int

	// Now stamps UpdatedAt on mutations.
	Now func() time.Time

	// Fail, when set, is consulted before every operation; a non-nil result
	// fails that operation.
	Fail func(op string) error

	mu     sync.Mutex
	issues map[string]map[int]models.RemoteIssue
	next   map[string]int
	calls  []Call
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		PageSize: 2,
		Now:      func() time.Time { return time.Now().UTC().Truncate(time.Second) },
		issues:   make(map[string]map[int]models.RemoteIssue),
		next:     make(map[string]int),
	}
}

var _ gateway.Gateway = (*Fake)(nil)

// Put stores an issue as if it had been created remotely by someone else.
func (f *Fake) Put(repoID string, issue models.RemoteIssue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.issues[repoID] == nil {
		f.issues[repoID] = make(map[int]models.RemoteIssue)
	}
	if issue.State == "" {
		issue.State = models.IssueOpen
	}
	f.issues[repoID][issue.Number] = issue
	if issue.Number >= f.next[repoID] {
		f.next[repoID] = issue.Number + 1
	}
}

// Issue returns a stored issue.
func (f *Fake) Issue(repoID string, number int) (models.RemoteIssue, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[repoID][number]
	return issue, ok
}

// Issues returns the stored issues of a repository ordered by number.
func (f *Fake) Issues(repoID string) []models.RemoteIssue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RemoteIssue, 0, len(f.issues[repoID]))
	for _, issue := range f.issues[repoID] {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Calls returns the mutations received so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CountCalls returns how many mutations of kind op were received.
func (f *Fake) CountCalls(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (f *Fake) fail(op string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op)
}

// ListIssues implements gateway.Gateway.
func (f *Fake) ListIssues(repo models.Repository, cursor models.SyncCursor) gateway.Pages {
	return gateway.NewPages(func(ctx context.Context, token int) ([]models.RemoteIssue, int, error) {
		if err := f.fail(OpList); err != nil {
			return nil, 0, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		var matching []models.RemoteIssue
		for _, issue := range f.issues[repo.ID()] {
			if !cursor.IsZero() && issue.UpdatedAt.Before(cursor.UpdatedAt) {
				continue
			}
			matching = append(matching, issue)
		}
		sort.Slice(matching, func(i, j int) bool {
			if !matching[i].UpdatedAt.Equal(matching[j].UpdatedAt) {
				return matching[i].UpdatedAt.Before(matching[j].UpdatedAt)
			}
			return matching[i].Number < matching[j].Number
		})

		size := f.PageSize
		if size <= 0 {
			size = len(matching) + 1
		}
		start := token * size
		if start >= len(matching) {
			return nil, 0, nil
		}
		end := start + size
		next := token + 1
		if end >= len(matching) {
			end = len(matching)
			next = 0
		}
		return matching[start:end], next, nil
	})
}

// CreateIssue implements gateway.Gateway.
func (f *Fake) CreateIssue(ctx context.Context, repo models.Repository, title, body string) (*models.RemoteIssue, error) {
	if err := f.fail(OpCreate); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := repo.ID()
	if f.issues[id] == nil {
		f.issues[id] = make(map[int]models.RemoteIssue)
	}
	if f.next[id] == 0 {
		f.next[id] = 1
	}
	issue := models.RemoteIssue{
		Number:    f.next[id],
		Title:     title,
		Body:      body,
		State:     models.IssueOpen,
		UpdatedAt: f.Now(),
	}
	f.next[id]++
	f.issues[id][issue.Number] = issue
	f.calls = append(f.calls, Call{Op: OpCreate, Repository: id, Number: issue.Number, Title: title})
	return &issue, nil
}

// UpdateIssue implements gateway.Gateway.
func (f *Fake) UpdateIssue(ctx context.Context, repo models.Repository, number int, fields gateway.IssueFields) (*models.RemoteIssue, error) {
	if err := f.fail(OpUpdate); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[repo.ID()][number]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%d", gateway.ErrIssueNotFound, repo.ID(), number)
	}
	if fields.Title != nil {
		issue.Title = *fields.Title
	}
	if fields.Body != nil {
		issue.Body = *fields.Body
	}
	if fields.State != nil {
		issue.State = *fields.State
	}
	issue.UpdatedAt = f.Now()
	f.issues[repo.ID()][number] = issue
	f.calls = append(f.calls, Call{Op: OpUpdate, Repository: repo.ID(), Number: number, Title: issue.Title})
	return &issue, nil
}

// CloseIssue implements gateway.Gateway.
func (f *Fake) CloseIssue(ctx context.Context, repo models.Repository, number int) (*models.RemoteIssue, error) {
	if err := f.fail(OpClose); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[repo.ID()][number]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%d", gateway.ErrIssueNotFound, repo.ID(), number)
	}
	issue.State = models.IssueClosed
	issue.UpdatedAt = f.Now()
	f.issues[repo.ID()][number] = issue
	f.calls = append(f.calls, Call{Op: OpClose, Repository: repo.ID(), Number: number, Title: issue.Title})
	return &issue, nil
}
