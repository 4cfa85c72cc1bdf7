package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/gateway/gatewaytest"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncAll(t *testing.T) {
	h := newHarness(t)

	broken, err := h.registry.Register("octo", "broken", "")
	require.NoError(t, err)
	other, err := h.registry.Register("octo", "other", "")
	require.NoError(t, err)
	paused, err := h.registry.Register("octo", "paused", "")
	require.NoError(t, err)
	require.NoError(t, h.registry.Disable(paused.ID()))

	h.localTask(t, "App task")
	_, err = h.store.Create(store.NewTask{Title: "Other task", Repository: other.ID()}, nil)
	require.NoError(t, err)

	connector := ConnectorFunc(func(ctx context.Context, repo models.Repository) (gateway.Gateway, error) {
		if repo.ID() == broken.ID() {
			return nil, gateway.AuthFailure(errors.New("bad credentials"))
		}
		return h.fake, nil
	})
	rec := New(h.store, h.registry, connector, Options{Now: h.clock.now})

	t.Run("Every enabled repository", func(t *testing.T) {
		summary := NewRunner(rec, h.registry, 2).SyncAll(context.Background())

		require.Len(t, summary.Results, 3, "disabled repositories are left out")
		assert.Equal(t, []string{"octo/app", "octo/broken", "octo/other"},
			[]string{summary.Results[0].Repository, summary.Results[1].Repository, summary.Results[2].Repository})

		assert.True(t, summary.Failed())
		failures := summary.Failures()
		require.Len(t, failures, 1)
		assert.Equal(t, "octo/broken", failures[0].Repository)
		assert.Equal(t, "auth-failure", KindOf(failures[0].Err))

		for _, i := range []int{0, 2} {
			require.NoError(t, summary.Results[i].Err)
			assert.Equal(t, 1, summary.Results[i].Record.Count(models.OutcomeCreatedRemote))
		}
		assert.Len(t, h.fake.Issues("octo/app"), 1)
		assert.Len(t, h.fake.Issues("octo/other"), 1)
	})

	t.Run("Named repositories", func(t *testing.T) {
		summary := NewRunner(rec, h.registry, 0).SyncAll(context.Background(), paused.ID(), other.ID())

		require.Len(t, summary.Results, 2)
		assert.Equal(t, "disabled", KindOf(summary.Results[0].Err))
		require.NoError(t, summary.Results[1].Err)
		assert.True(t, summary.Results[1].Record.Empty())
		assert.Equal(t, 2, h.fake.CountCalls(gatewaytest.OpCreate))
	})
}

// latentGateway holds every listing until a second listing starts or a short
// wait runs out, so overlapping syncs of one repository both see the state
// from before either applied anything.
type latentGateway struct {
	gateway.Gateway

	mu       sync.Mutex
	listings int
	second   chan struct{}
}

func (g *latentGateway) ListIssues(repo models.Repository, cursor models.SyncCursor) gateway.Pages {
	g.mu.Lock()
	g.listings++
	if g.listings == 2 {
		close(g.second)
	}
	g.mu.Unlock()

	select {
	case <-g.second:
	case <-time.After(50 * time.Millisecond):
	}
	return g.Gateway.ListIssues(repo, cursor)
}

func TestSyncAllSameRepositoryTwice(t *testing.T) {
	h := newHarness(t)
	h.localTask(t, "Fix bug")

	gw := &latentGateway{Gateway: h.fake, second: make(chan struct{})}
	connector := ConnectorFunc(func(ctx context.Context, repo models.Repository) (gateway.Gateway, error) {
		return gw, nil
	})
	rec := New(h.store, h.registry, connector, Options{Now: h.clock.now})

	summary := NewRunner(rec, h.registry, 4).SyncAll(context.Background(), "octo/app", "octo/app")

	require.Len(t, summary.Results, 1)
	require.NoError(t, summary.Results[0].Err)
	assert.Equal(t, 1, summary.Results[0].Record.Count(models.OutcomeCreatedRemote))
	assert.Len(t, h.fake.Issues("octo/app"), 1)
}

func TestConcurrentSyncsOfOneRepositoryDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	h.localTask(t, "Fix bug")

	gw := &latentGateway{Gateway: h.fake, second: make(chan struct{})}
	connector := ConnectorFunc(func(ctx context.Context, repo models.Repository) (gateway.Gateway, error) {
		return gw, nil
	})
	rec := New(h.store, h.registry, connector, Options{Now: h.clock.now})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = rec.Sync(context.Background(), "octo/app")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.fake.CountCalls(gatewaytest.OpCreate))
	assert.Len(t, h.fake.Issues("octo/app"), 1)
}
