package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create engine tables in the control and registry databases",
	Long: `Create the engine-owned tables (court coordinates and claim assignments)
in every configured database, and the settings and run history tables in the
control database. Existing tables are left alone.

The registry tables themselves (courts, claims) belong to the registry and
are only created with --registry, which is meant for local development.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

var (
	migrateRegistry bool
	migrateOnly     []string
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateRegistry, "registry", false, "Also create the registry tables")
	migrateCmd.Flags().StringSliceVar(&migrateOnly, "only", nil, "Only migrate databases matching these globs")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := orchestrator.ValidateFilters(migrateOnly); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --only", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer a.Close()
	if a.control != nil {
		observability.CLILogger.Info("Control database migrated")
	}

	names, err := a.settings.Databases(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list databases", err)
	}
	names = orchestrator.FilterNames(names, migrateOnly)

	var failed int
	for _, name := range names {
		if err := migrateDatabase(ctx, a.opener, name, migrateRegistry); err != nil {
			observability.CLILogger.Error("Migration failed", zap.String("db", name), zap.Error(err))
			failed++
			continue
		}
		observability.CLILogger.Info("Database migrated", zap.String("db", name))
	}
	if failed > 0 {
		return exitError(foundry.ExitFileWriteError, "Migration incomplete", fmt.Errorf("%d of %d databases failed", failed, len(names)))
	}
	return nil
}

func migrateDatabase(ctx context.Context, opener orchestrator.Opener, name string, registry bool) error {
	db, err := opener.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if registry {
		if err := store.MigrateRegistry(ctx, db); err != nil {
			return fmt.Errorf("registry tables: %w", err)
		}
	}
	return store.Migrate(ctx, db)
}
