package reconcile

import (
	"context"

	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Result is the sync of one repository.
type Result struct {
	Repository string
	Record     *models.SyncRecord
	Err        error
}

// Summary collects the results of a multi-repository sync in the order the
// repositories were requested.
type Summary struct {
	DryRun  bool
	Results []Result
}

// Failed reports whether any repository failed.
func (s *Summary) Failed() bool {
	return len(s.Failures()) > 0
}

// Failures returns the results carrying an error.
func (s *Summary) Failures() []Result {
	var failed []Result
	for _, r := range s.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Runner syncs several repositories with a bounded number in flight.
type Runner struct {
	reconciler  *Reconciler
	registry    *registry.Registry
	concurrency int
}

// NewRunner creates a Runner. concurrency below one means one.
func NewRunner(rec *Reconciler, reg *registry.Registry, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{reconciler: rec, registry: reg, concurrency: concurrency}
}

// SyncAll syncs the named repositories, or every enabled one when ids is
// empty. A repository named twice is synced once. A failing repository
// never stops the others.
func (r *Runner) SyncAll(ctx context.Context, ids ...string) *Summary {
	ids = unique(ids)
	if len(ids) == 0 {
		for _, repo := range r.registry.List() {
			if repo.Enabled {
				ids = append(ids, repo.ID())
			} else {
				logging.Debug("skipping disabled repository", "repository", repo.ID())
			}
		}
	}

	summary := &Summary{DryRun: r.reconciler.DryRun(), Results: make([]Result, len(ids))}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			record, err := r.reconciler.Sync(ctx, id)
			summary.Results[i] = Result{Repository: id, Record: record, Err: err}
			return nil
		})
	}
	g.Wait()

	logging.Info("sync finished", "repositories", len(ids), "failed", len(summary.Failures()))
	return summary
}

// unique drops repeated ids, keeping the first occurrence.
func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
