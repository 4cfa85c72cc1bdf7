package gateway

import (
	"context"
	"errors"

	"github.com/danielolaszy/taskflow/pkg/models"
)

// Done is returned by Pages.Next when the sequence is exhausted.
var Done = errors.New("no more pages")

// Pages is a lazy, finite, restartable sequence of issue pages.
type Pages interface {
	// Next fetches the following page. It returns Done after the last page.
	Next(ctx context.Context) ([]models.RemoteIssue, error)

	// Reset rewinds the sequence to the first page.
	Reset()
}

// PageFetcher fetches the page identified by token and returns the token of
// the following page, or zero when there is none. The first page has token 0.
type PageFetcher func(ctx context.Context, token int) (issues []models.RemoteIssue, next int, err error)

// NewPages wraps a PageFetcher into a Pages sequence.
func NewPages(fetch PageFetcher) Pages {
	return &pages{fetch: fetch}
}

type pages struct {
	fetch PageFetcher
	token int
	done  bool
}

func (p *pages) Next(ctx context.Context) ([]models.RemoteIssue, error) {
	if p.done {
		return nil, Done
	}
	issues, next, err := p.fetch(ctx, p.token)
	if err != nil {
		return nil, err
	}
	if next == 0 {
		p.done = true
	}
	p.token = next
	return issues, nil
}

func (p *pages) Reset() {
	p.token = 0
	p.done = false
}

// Drain reads every page of the sequence. A failure on any page fails the
// whole drain; a partial result is never returned.
func Drain(ctx context.Context, p Pages) ([]models.RemoteIssue, error) {
	p.Reset()
	var all []models.RemoteIssue
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := p.Next(ctx)
		if errors.Is(err, Done) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
}
