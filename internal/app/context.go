package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/engine/auth"
	"taskflow/internal/events"
	"taskflow/internal/logging"
	"taskflow/internal/migrate"
	"taskflow/internal/netwatch"
	"taskflow/internal/repo"
	"taskflow/internal/syncer"
	taskflowsdk "taskflow/sdk/go"
)

// Options override values read from taskflow.yml.
type Options struct {
	Workspace string
	RemoteURL string
	Token     string
	// Logger replaces the logger built from the log section.
	Logger *zap.Logger
}

// App is an opened workspace with every component wired.
type App struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Remote    *taskflowsdk.Client
	Events    *events.Bus
	Journal   events.Writer
	Sync      *syncer.Manager
	Engine    engine.Engine

	stopJournal func()
}

// Open loads the workspace config, opens and migrates the local database and
// builds the sync manager and engine on top of it.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.RemoteURL != "" {
		cfg.Remote.URL = opts.RemoteURL
	}
	if opts.Token != "" {
		cfg.Remote.Token = opts.Token
	}

	log := opts.Logger
	if log == nil {
		log, err = logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
	}

	viewer, err := auth.ResolveViewer(cfg.Identity.DisplayName, cfg.Identity.Email, "", cfg.Admin.Emails)
	if err != nil {
		if errors.Is(err, auth.UnidentifiedError{}) {
			return nil, fmt.Errorf("%w (config %s)", err, config.Path(opts.Workspace))
		}
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	client := taskflowsdk.New(cfg.Remote.URL, cfg.Remote.Collection)
	client.BearerToken = cfg.Remote.Token
	client.Log = log.Named("remote")

	bus := events.NewBus()
	journal := events.Writer{DB: conn}
	r := repo.Repo{DB: conn}
	mgr := syncer.New(r, client, syncer.StaticIdentity(viewer), syncer.Options{
		Logger:            log.Named("sync"),
		Events:            bus,
		UploadConcurrency: cfg.Sync.UploadConcurrency,
	})
	log.Debug("workspace opened",
		zap.String("workspace", opts.Workspace),
		zap.String("viewer", viewer.DisplayName),
		zap.String("role", string(viewer.Role)),
		zap.String("remote", cfg.Remote.URL))

	return &App{
		Workspace:   opts.Workspace,
		Config:      cfg,
		Log:         log,
		DB:          conn,
		Repo:        r,
		Remote:      client,
		Events:      bus,
		Journal:     journal,
		Sync:        mgr,
		Engine:      engine.New(mgr, cfg, bus, log.Named("engine")),
		stopJournal: journal.Record(bus, log),
	}, nil
}

// Viewer is the identity local operations act as.
func (a *App) Viewer() domain.Viewer {
	return a.Sync.Viewer()
}

// Monitor probes the remote health endpoint at the configured interval.
func (a *App) Monitor() *netwatch.Monitor {
	url := strings.TrimRight(a.Config.Remote.URL, "/") + "/v1/health"
	return &netwatch.Monitor{
		Prober:   netwatch.HTTPProber(&http.Client{Timeout: 5 * time.Second}, url),
		Interval: a.Config.Sync.ProbeInterval,
		Log:      a.Log.Named("netwatch"),
	}
}

// Close stops background sync and releases the database.
func (a *App) Close() error {
	a.Sync.StopAutoSync()
	a.Sync.StopLive()
	a.stopJournal()
	_ = a.Log.Sync()
	return a.DB.Close()
}
