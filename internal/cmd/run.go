package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/output"
	"github.com/3leaps/courtsync/pkg/runlog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one full assignment cycle",
	Long: `Run one full cycle: for every configured database, reconcile court
coordinates and then assign courts to pending claims.

A database that fails is reported and skipped. Quota exhaustion stops the
cycle and leaves the engine in NO_API_CREDITS until the counters reset.

Examples:
  courtsync run
  courtsync run --limit 100
  courtsync run --only 'bot_cali*' --json
  courtsync run --jsonl | jq 'select(.type == "courtsync.summary.v1")'`,
	RunE: runRun,
}

var (
	runLimit int
	runOnly  []string
	runJSON  bool
	runJSONL bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runLimit, "limit", "n", 0, "Max claims read per database (0 = all)")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "Only process databases matching these globs")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run report as JSON")
	runCmd.Flags().BoolVar(&runJSONL, "jsonl", false, "Stream database, error and summary records as JSONL")
	runCmd.MarkFlagsMutuallyExclusive("json", "jsonl")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if runLimit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit", fmt.Errorf("limit must not be negative"))
	}
	if err := orchestrator.ValidateFilters(runOnly); err != nil {
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

	opts := orchestrator.RunOptions{
		Limit:   runLimit,
		Only:    runOnly,
		Trigger: orchestrator.TriggerCLI,
	}
	var stream *output.JSONLWriter
	if runJSONL {
		stream = output.NewJSONLWriter(os.Stdout, "", orchestrator.TriggerCLI)
		defer func() { _ = stream.Close() }()
		opts.OnDatabase = orchestrator.StreamTo(ctx, stream)
	}

	rep, err := a.orch.RunFullCycle(ctx, opts)
	if errors.Is(err, orchestrator.ErrNotRunnable) {
		observability.CLILogger.Warn("Engine is not runnable", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Run refused", err)
	}
	if rep != nil {
		if stream != nil {
			writeSummary(ctx, stream, rep)
		} else {
			printReport(rep)
		}
	}
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}
	if rep.Status == runlog.RunStatusNoCredits {
		return exitError(foundry.ExitExternalServiceUnavailable, "Maps api quota exhausted", errors.New(rep.Error))
	}
	return nil
}

func writeSummary(ctx context.Context, w output.Writer, rep *orchestrator.Report) {
	ctx = context.WithoutCancel(ctx)
	w.SetRunID(rep.RunID)
	if rep.Status == runlog.RunStatusFailed {
		_ = w.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeInternal, Message: rep.Error})
	}
	_ = w.WriteProgress(ctx, &output.ProgressRecord{Phase: output.PhaseComplete, DatabasesDone: len(rep.Databases)})
	_ = w.WriteSummary(ctx, rep.Summary())
}

func printReport(rep *orchestrator.Report) {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		return
	}

	for _, d := range rep.Databases {
		fields := []zap.Field{
			zap.String("db", d.Name),
			zap.String("status", string(d.Status)),
			zap.Int("claims", d.Claims.Total),
			zap.Int("assigned", d.Claims.Success),
			zap.Int("skipped", d.Claims.Skipped),
			zap.Int("courts_geocoded", d.Courts.Geocoded+d.Courts.Regeocoded),
			zap.Int64("duration_ms", d.DurationMS),
		}
		if d.Error != "" {
			observability.CLILogger.Warn("Database", append(fields, zap.String("error", d.Error))...)
			continue
		}
		observability.CLILogger.Info("Database", fields...)
	}
	observability.CLILogger.Info(fmt.Sprintf("Run %s: %s", rep.RunID, rep.Status),
		zap.Int("databases", len(rep.Databases)),
		zap.Int("failed", len(rep.Failed())),
		zap.Int("claims", rep.Totals.Total),
		zap.Int("assigned", rep.Totals.Success),
		zap.Int("calls_saved", rep.Totals.CallsSaved()),
		zap.String("archive", rep.Archive))
}
