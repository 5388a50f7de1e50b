// Package app wires the workspace pieces a command needs: config file,
// migrated database, workflow engine, and the event dispatcher.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"shotline/internal/config"
	"shotline/internal/db"
	"shotline/internal/domain"
	"shotline/internal/engine"
	"shotline/internal/events"
	"shotline/internal/filestore"
	"shotline/internal/migrate"
	"shotline/internal/repo"
)

type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Engine     engine.Engine
	Dispatcher *events.Dispatcher
	Log        *slog.Logger
}

type Options struct {
	Workspace string
	Logger    *slog.Logger
	// Dispatch starts the event dispatcher and registers the stored
	// webhooks. Only long-running commands need it; one-shot commands
	// leave delivery to `sl serve-dispatch`.
	Dispatch bool
}

// Open loads the workspace config, opens and migrates the database, and
// wires the engine. Callers must Close.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return openWith(ctx, opts, cfg)
}

// Init creates the workspace: a default config file when none exists, a
// migrated database, and the seed task types from config.
func Init(ctx context.Context, opts Options) (*App, int, error) {
	path := config.Path(opts.Workspace)
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, 0, err
		}
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return nil, 0, fmt.Errorf("write %s: %w", path, err)
		}
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, 0, err
	}
	a, err := openWith(ctx, opts, cfg)
	if err != nil {
		return nil, 0, err
	}
	seeded, err := a.Engine.SeedTaskTypes(ctx)
	if err != nil {
		a.Close()
		return nil, 0, fmt.Errorf("seed task types: %w", err)
	}
	return a, seeded, nil
}

func openWith(ctx context.Context, opts Options, cfg *config.Config) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	a := &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      eng.Repo,
		Engine:    eng,
		Log:       log,
	}
	if opts.Dispatch {
		if err := a.startDispatcher(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) startDispatcher(ctx context.Context) error {
	d := events.NewDispatcher(a.Repo, a.Log, events.DispatcherConfig{
		PollInterval: time.Duration(a.Config.Dispatcher.PollSeconds) * time.Second,
		Batch:        a.Config.Dispatcher.Batch,
	})
	hooks, err := a.Repo.ListWebhooks(ctx, true)
	if err != nil {
		d.Close()
		return err
	}
	var client *http.Client
	if a.Config.Dispatcher.WebhookTimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(a.Config.Dispatcher.WebhookTimeoutSeconds) * time.Second}
	}
	events.RegisterWebhooks(d, hooks, client)
	a.Dispatcher = d
	a.Engine.Notify = d.Notify
	return nil
}

// FileStore builds the content store named by the config. Only commands
// that move file content need it, so it is not part of Open.
func (a *App) FileStore(ctx context.Context) (filestore.Store, error) {
	return filestore.FromConfig(ctx, a.Config, a.Workspace)
}

func (a *App) Close() {
	if a.Dispatcher != nil {
		a.Dispatcher.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

// ResolveProject accepts a project id or unique name. With an empty ref it
// falls back to the only project in the workspace, if there is one.
func (a *App) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	if ref == "" {
		projects, err := a.Repo.ListProjects(ctx)
		if err != nil {
			return domain.Project{}, err
		}
		if len(projects) == 1 {
			return projects[0], nil
		}
		return domain.Project{}, fmt.Errorf("project not specified; use --project")
	}
	p, err := a.Repo.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	p, err = a.Repo.GetProjectByName(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, fmt.Errorf("project %q: %w", ref, repo.ErrNotFound)
	}
	return p, err
}

// ResolveTaskType accepts a task type id or name.
func (a *App) ResolveTaskType(ctx context.Context, ref string) (domain.TaskType, error) {
	if ref == "" {
		return domain.TaskType{}, fmt.Errorf("task type not specified")
	}
	tt, err := a.Repo.GetTaskType(ctx, ref)
	if err == nil {
		return tt, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.TaskType{}, err
	}
	tt, err = a.Repo.GetTaskTypeByName(ctx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.TaskType{}, fmt.Errorf("task type %q: %w", ref, repo.ErrNotFound)
	}
	return tt, err
}

// ResolveEntity accepts an entity id, or a name scoped to the project.
// Names repeat across parents, so an ambiguous name is an error.
func (a *App) ResolveEntity(ctx context.Context, projectID, ref string) (domain.Entity, error) {
	if ref == "" {
		return domain.Entity{}, fmt.Errorf("entity not specified")
	}
	ent, err := a.Repo.GetEntity(ctx, ref)
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Entity{}, err
	}
	matches, err := a.Repo.ListEntities(ctx, repo.EntityFilters{ProjectID: projectID, Name: ref})
	if err != nil {
		return domain.Entity{}, err
	}
	switch len(matches) {
	case 0:
		return domain.Entity{}, fmt.Errorf("entity %q: %w", ref, repo.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return domain.Entity{}, fmt.Errorf("entity %q is ambiguous (%d matches); use its id", ref, len(matches))
	}
}
