package registry

import (
	"testing"
	"time"

	"github.com/danielolaszy/taskflow/internal/storage"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Backend) {
	t.Helper()
	backend, err := storage.Open(storage.DriverSQLite, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	r := New(backend)
	require.NoError(t, r.Load())
	return r, backend
}

func TestRegister(t *testing.T) {
	r, _ := newTestRegistry(t)

	repo, err := r.Register("octo", "app", "env:APP_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "octo/app", repo.ID())
	assert.True(t, repo.Enabled)
	assert.Equal(t, models.ProviderGitHub, repo.ProviderName())

	t.Run("Duplicate updates the credential", func(t *testing.T) {
		again, err := r.Register("octo", "app", "literal-token")
		require.NoError(t, err)
		assert.Equal(t, "literal-token", again.CredentialRef)
		assert.Len(t, r.List(), 1)
	})

	t.Run("Ids are case sensitive", func(t *testing.T) {
		_, err := r.Register("Octo", "app", "")
		require.NoError(t, err)
		assert.Len(t, r.List(), 2)
	})

	t.Run("Options", func(t *testing.T) {
		jira, err := r.Register("PROJ", "Task", "", WithProvider(models.ProviderJira), WithDisplayName("Project"))
		require.NoError(t, err)
		assert.Equal(t, models.ProviderJira, jira.Provider)
		assert.Equal(t, "Project", jira.Label())
	})

	t.Run("Invalid ids", func(t *testing.T) {
		for _, parts := range [][2]string{{"", "app"}, {"octo", ""}, {"octo/x", "app"}, {"octo", "my app"}} {
			_, err := r.Register(parts[0], parts[1], "")
			assert.ErrorContains(t, err, "invalid repository format")
		}
	})
}

func TestDisableEnable(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register("octo", "app", "")
	require.NoError(t, err)

	require.NoError(t, r.Disable("octo/app"))
	repo, err := r.Get("octo/app")
	require.NoError(t, err)
	assert.False(t, repo.Enabled)

	require.NoError(t, r.Enable("octo/app"))
	repo, err = r.Get("octo/app")
	require.NoError(t, err)
	assert.True(t, repo.Enabled)

	assert.ErrorIs(t, r.Disable("octo/missing"), ErrNotFound)
}

func TestRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register("octo", "app", "")
	require.NoError(t, err)

	require.NoError(t, r.Remove("octo/app"))
	_, err = r.Get("octo/app")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.Remove("octo/app"), ErrDuplicateRemoved)
	assert.ErrorIs(t, r.Remove("octo/never"), ErrNotFound)

	revived, err := r.Register("octo", "app", "")
	require.NoError(t, err)
	assert.True(t, revived.Enabled)
	assert.True(t, revived.Cursor.IsZero())
	require.NoError(t, r.Remove("octo/app"))
}

func TestDefault(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Default()
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Register("octo", "app", "")
	require.NoError(t, err)
	_, err = r.Register("octo", "lib", "")
	require.NoError(t, err)

	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "octo/app", def.ID(), "first registered repository becomes the default")

	require.NoError(t, r.SetDefault("octo/lib"))
	def, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, "octo/lib", def.ID())

	assert.ErrorIs(t, r.SetDefault("octo/none"), ErrNotFound)

	require.NoError(t, r.Remove("octo/lib"))
	_, err = r.Default()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register("octo", "app", "")
	require.NoError(t, err)

	t1 := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	require.NoError(t, r.AdvanceCursor("octo/app", models.SyncCursor{UpdatedAt: t1}, t1))
	require.NoError(t, r.AdvanceCursor("octo/app", models.SyncCursor{UpdatedAt: t0}, t1.Add(time.Minute)))

	repo, err := r.Get("octo/app")
	require.NoError(t, err)
	assert.True(t, repo.Cursor.UpdatedAt.Equal(t1))
	assert.True(t, repo.LastSyncedAt.Equal(t1.Add(time.Minute)))

	assert.ErrorIs(t, r.AdvanceCursor("octo/none", models.SyncCursor{UpdatedAt: t1}, t1), ErrNotFound)
}

func TestFlushAndLoad(t *testing.T) {
	r, backend := newTestRegistry(t)
	_, err := r.Register("octo", "app", "env:APP_TOKEN", WithDisplayName("App"))
	require.NoError(t, err)
	_, err = r.Register("octo", "old", "")
	require.NoError(t, err)
	require.NoError(t, r.Remove("octo/old"))
	cursor := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.AdvanceCursor("octo/app", models.SyncCursor{UpdatedAt: cursor}, cursor))
	require.NoError(t, r.Flush())

	reloaded := New(backend)
	require.NoError(t, reloaded.Load())

	repos := reloaded.List()
	require.Len(t, repos, 1)
	assert.Equal(t, "App", repos[0].DisplayName)
	assert.Equal(t, "env:APP_TOKEN", repos[0].CredentialRef)
	assert.True(t, repos[0].Cursor.UpdatedAt.Equal(cursor))
	assert.ErrorIs(t, reloaded.Remove("octo/old"), ErrDuplicateRemoved)

	def, err := reloaded.Default()
	require.NoError(t, err)
	assert.Equal(t, "octo/app", def.ID())
}
