package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/danielolaszy/taskflow/internal/config"
	"github.com/danielolaszy/taskflow/internal/gateway"
	"github.com/danielolaszy/taskflow/internal/github"
	"github.com/danielolaszy/taskflow/internal/jira"
	"github.com/danielolaszy/taskflow/internal/logging"
	"github.com/danielolaszy/taskflow/internal/reconcile"
	"github.com/danielolaszy/taskflow/internal/registry"
	"github.com/danielolaszy/taskflow/internal/storage"
	"github.com/danielolaszy/taskflow/internal/store"
	"github.com/danielolaszy/taskflow/pkg/models"
	"github.com/spf13/cobra"
)

// App is the state shared by the commands of one invocation. It is opened
// before the command runs and closed, flushing store and registry, after.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Registry  *registry.Registry
	Connector reconcile.Connector

	backend storage.Backend
	lock    *storage.Lock
	logFile io.Closer
}

var app *App

// newConnector builds the gateway connector for a configuration.
var newConnector = func(cfg *config.Config) reconcile.Connector {
	connector := gateway.NewConnector(cfg.ResolveCredential)
	connector.Register(models.ProviderGitHub, func(ctx context.Context, token string) (gateway.Gateway, error) {
		return github.NewClient(ctx, github.Options{
			Token:    token,
			Domain:   cfg.GitHub.Domain,
			PageSize: cfg.Sync.PageSize,
		})
	})
	connector.Register(models.ProviderJira, func(ctx context.Context, token string) (gateway.Gateway, error) {
		return jira.NewClient(jira.Options{
			URL:      cfg.Jira.URL,
			Username: cfg.Jira.Username,
			Token:    token,
			PageSize: cfg.Sync.PageSize,
		})
	})
	return connector
}

func openApp(cmd *cobra.Command) (*App, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	level := logging.LogLevel(cfg.Log.Level)
	logging.SetupLogger(cmd.ErrOrStderr(), level)
	if cfg.Log.File {
		if a.logFile, err = logging.SetupWithFile(cfg.DataDir, "taskflow", level); err != nil {
			return nil, err
		}
	}
	logging.Debug("configuration loaded", "file", cfg.File, "data_dir", cfg.DataDir, "storage", cfg.Storage.Driver)

	if a.lock, err = storage.AcquireLock(cfg.DataDir); err != nil {
		a.Close()
		return nil, err
	}
	if a.backend, err = storage.Open(cfg.Storage.Driver, cfg.DataDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.Store = store.New(a.backend)
	a.Registry = registry.New(a.backend)
	for _, load := range []func() error{a.Store.Load, a.Registry.Load} {
		if err := load(); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Connector = newConnector(cfg)
	return a, nil
}

// Close flushes store and registry and releases the data directory. The
// registry is only written after the tasks were, so a saved sync cursor never
// points past tasks that were lost.
func (a *App) Close() error {
	var errs []error
	if a.backend != nil {
		var storeErr error
		if a.Store != nil {
			storeErr = a.Store.Flush()
			errs = append(errs, storeErr)
		}
		if a.Registry != nil {
			if storeErr != nil {
				logging.Warn("repositories not saved because tasks could not be saved", "error", storeErr)
			} else {
				errs = append(errs, a.Registry.Flush())
			}
		}
		errs = append(errs, a.backend.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	if a.logFile != nil {
		errs = append(errs, a.logFile.Close())
	}
	return errors.Join(errs...)
}
