package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded cycles in the control database",
}

var (
	runsLimit int
	runsJSON  bool
)

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsLimit <= 0 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --limit", fmt.Errorf("limit must be positive"))
		}
		return withControl(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
			runs, err := runlog.List(ctx, db, runsLimit)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
			}
			if runsJSON {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				observability.CLILogger.Info("No runs recorded")
				return nil
			}
			for _, r := range runs {
				fields := []zap.Field{
					zap.String("trigger", r.Trigger),
					zap.String("status", string(r.Status)),
					zap.Time("started_at", r.StartedAt),
				}
				if r.EndedAt != nil {
					fields = append(fields, zap.Duration("took", r.EndedAt.Sub(r.StartedAt)))
				}
				if r.Error != nil {
					fields = append(fields, zap.String("error", *r.Error))
				}
				observability.CLILogger.Info(r.RunID, fields...)
			}
			return nil
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show RUN_ID",
	Short: "Show one run and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withControl(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
			run, err := runlog.Get(ctx, db, args[0])
			if errors.Is(err, runlog.ErrRunNotFound) {
				return exitError(foundry.ExitFileNotFound, "Run not found", err)
			}
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read run", err)
			}
			events, err := runlog.ListEvents(ctx, db, run.RunID)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read run events", err)
			}
			if runsJSON {
				return printJSON(map[string]any{"run": run, "events": events})
			}
			observability.CLILogger.Info(run.RunID,
				zap.String("trigger", run.Trigger),
				zap.String("status", string(run.Status)),
				zap.Time("started_at", run.StartedAt))
			for _, e := range events {
				fields := []zap.Field{zap.String("category", string(e.Category))}
				if e.Database != nil {
					fields = append(fields, zap.String("db", *e.Database))
				}
				if e.Detail != nil {
					fields = append(fields, zap.String("detail", *e.Detail))
				}
				observability.CLILogger.Info(e.OccurredAt.Format("15:04:05")+" "+string(e.Type), fields...)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	runsCmd.PersistentFlags().BoolVar(&runsJSON, "json", false, "Print JSON")
	runsListCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Max runs to list")
}

func withControl(ctx context.Context, fn func(context.Context, *sqlx.DB) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Control.Enabled() {
		return exitError(foundry.ExitInvalidArgument, "Run history needs a control database (control.path, control.url or control.dsn)", nil)
	}
	db, err := openControl(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open control database", err)
	}
	defer func() { _ = db.Close() }()
	return fn(ctx, db)
}
