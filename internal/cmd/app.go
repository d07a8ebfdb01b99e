package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/config"
	"github.com/3leaps/courtsync/pkg/assign"
	"github.com/3leaps/courtsync/pkg/cityname"
	"github.com/3leaps/courtsync/pkg/courtsync"
	"github.com/3leaps/courtsync/pkg/maps"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/report"
	"github.com/3leaps/courtsync/pkg/runlog"
	"github.com/3leaps/courtsync/pkg/settings"
	"github.com/3leaps/courtsync/pkg/store"
)

// app is the wired engine behind every command that touches state.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	control  *sqlx.DB
	settings *settings.Provider
	governor *quota.Governor
	resolver *cityname.Resolver
	maps     *maps.Client
	opener   orchestrator.Opener
	archiver report.Archiver
	orch     *orchestrator.Orchestrator
}

// buildApp wires collaborators from cfg. Close releases the control database.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{cfg: cfg, logger: logger}

	control, err := openControl(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.control = control

	stateStore, err := openStateStore(ctx, cfg, control)
	if err != nil {
		a.Close()
		return nil, err
	}

	var settingsDB *sqlx.DB
	if cfg.Settings.FromDB {
		settingsDB = control
	}
	a.settings = settings.New(settings.Static{
		Databases:    cfg.Databases.Names,
		Limits:       quota.Limits{Daily: cfg.Limits.Daily, Monthly: cfg.Limits.Monthly},
		CityVariants: cfg.CityVariants,
		GoogleAPIKey: cfg.Google.APIKey,
	}, settings.Options{
		DB:          settingsDB,
		Environment: cfg.Settings.Environment,
		CacheTTL:    cfg.Settings.CacheTTL,
		Logger:      logger,
	})

	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("engine timezone: %w", err)
	}
	a.governor = quota.NewGovernor(stateStore, a.settings, quota.WithLocation(loc), quota.WithLogger(logger))

	a.resolver = cityname.NewResolver(a.settings, logger)
	a.settings.OnReload(a.resolver.Reset)

	a.maps = maps.NewClient(maps.Config{
		APIKey:            cfg.Google.APIKey,
		Keys:              a.settings,
		GeocodeURL:        cfg.Google.GeocodeURL,
		DistanceMatrixURL: cfg.Google.DistanceMatrixURL,
		GeocodeTimeout:    cfg.Google.GeocodeTimeout,
		RouteTimeout:      cfg.Google.RouteTimeout,
		QPS:               cfg.Google.QPS,
		Gate:              a.governor,
		Logger:            logger,
	})

	a.opener = orchestrator.TemplateOpener{
		Driver:    cfg.Databases.Driver,
		Template:  cfg.Databases.DSNTemplate,
		AuthToken: cfg.Databases.AuthToken,
	}
	if err := ensureLocalTemplateDir(cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.archiver, err = buildArchiver(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch, err = orchestrator.New(orchestrator.Config{
		Governor:  a.governor,
		Databases: a.settings,
		Opener:    a.opener,
		Synchronizer: courtsync.New(a.maps, courtsync.Config{
			Country:    cfg.Engine.Country,
			CourtDelay: cfg.Engine.CourtDelay,
			Logger:     logger,
		}),
		Engine: assign.NewEngine(a.maps, a.maps, a.resolver, assign.Config{
			ClaimDelay:    cfg.Engine.ClaimDelay,
			Country:       cfg.Engine.Country,
			MaxCandidates: cfg.Engine.MaxCandidates,
			Logger:        logger,
		}),
		RunLog:   control,
		Archiver: a.archiver,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.control != nil {
		_ = a.control.Close()
		a.control = nil
	}
}

func controlStoreConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:    cfg.Control.Driver,
		Path:      cfg.Control.Path,
		URL:       cfg.Control.URL,
		AuthToken: cfg.Control.AuthToken,
		DSN:       cfg.Control.DSN,
	}
}

// openControl opens and migrates the control database, or returns nil when
// none is configured.
func openControl(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	if !cfg.Control.Enabled() {
		return nil, nil
	}
	if p := strings.TrimSpace(cfg.Control.Path); p != "" && p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("create control database dir: %w", err)
		}
	}
	db, err := store.Open(ctx, controlStoreConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open control database: %w", err)
	}
	if err := migrateControl(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrateControl(ctx context.Context, db *sqlx.DB) error {
	if err := settings.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate settings: %w", err)
	}
	if err := runlog.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate run history: %w", err)
	}
	return nil
}

func openStateStore(ctx context.Context, cfg *config.Config, control *sqlx.DB) (quota.Store, error) {
	if cfg.State.Backend == "sql" {
		if control == nil {
			return nil, fmt.Errorf("state backend sql requires a control database")
		}
		return quota.NewSQLStore(ctx, control)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return quota.NewFileStore(cfg.State.Path)
}

// ensureLocalTemplateDir creates the parent dir of file-backed sqlite databases.
func ensureLocalTemplateDir(cfg *config.Config) error {
	if store.NormalizeDriver(cfg.Databases.Driver) != store.DriverSQLite {
		return nil
	}
	tmpl := cfg.Databases.DSNTemplate
	if strings.Contains(tmpl, "://") {
		return nil
	}
	dir := filepath.Dir(tmpl)
	if strings.Contains(dir, orchestrator.NamePlaceholder) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	return nil
}

func buildArchiver(ctx context.Context, cfg *config.Config) (report.Archiver, error) {
	if strings.TrimSpace(cfg.Report.S3.Bucket) != "" {
		a, err := report.NewS3Archiver(ctx, cfg.Report.S3)
		if err != nil {
			return nil, fmt.Errorf("report archive: %w", err)
		}
		return a, nil
	}
	if strings.TrimSpace(cfg.Report.Dir) != "" {
		a, err := report.NewDirArchiver(cfg.Report.Dir)
		if err != nil {
			return nil, fmt.Errorf("report archive: %w", err)
		}
		return a, nil
	}
	return nil, nil
}
