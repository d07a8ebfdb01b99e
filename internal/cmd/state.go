package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/quota"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Clear a manual stop and the quota-exceeded flag",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.governor.ManualStart(ctx); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to start", err)
			}
			observability.CLILogger.Info("Engine started; the next scheduled or manual run will proceed")
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Block runs until start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(ctx context.Context, a *app) error {
			if err := a.governor.ManualStop(ctx); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to stop", err)
			}
			observability.CLILogger.Info("Engine stopped")
			return nil
		})
	},
}

var resetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Zero the daily api counter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(ctx context.Context, a *app) error {
			prev, err := a.orch.ResetDailyCounter(ctx)
			if err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to reset daily counter", err)
			}
			observability.CLILogger.Info("Daily counter reset", zap.Int("previous_calls", prev))
			return nil
		})
	},
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state and api usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(ctx context.Context, a *app) error {
			state, err := a.governor.State(ctx)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read state", err)
			}
			usage, err := a.governor.Usage(ctx)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read usage", err)
			}
			if statusJSON {
				return printJSON(map[string]any{"state": state, "usage": usage})
			}
			printState(state)
			printUsage(usage)
			return nil
		})
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show api usage against the limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(ctx context.Context, a *app) error {
			usage, err := a.governor.Usage(ctx)
			if err != nil {
				return exitError(foundry.ExitFileReadError, "Failed to read usage", err)
			}
			if statusJSON {
				return printJSON(usage)
			}
			printUsage(usage)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, resetDailyCmd, statusCmd, usageCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
	usageCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
}

func withGovernor(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func printState(s quota.State) {
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Bool("manual_stop", s.ManualStop),
		zap.Bool("quota_exceeded", s.QuotaExceeded),
	}
	if s.LastExecution != nil {
		fields = append(fields, zap.Time("last_execution", *s.LastExecution))
	}
	if s.LastError != nil {
		fields = append(fields, zap.String("last_error", s.LastError.Message))
	}
	observability.CLILogger.Info("Engine "+string(s.Status), fields...)
}

func printUsage(u quota.Usage) {
	observability.CLILogger.Info(fmt.Sprintf("Usage %s: %s", u.Status, u.Detail),
		zap.String("daily", fmt.Sprintf("%d/%d", u.Daily.Calls, u.Daily.Limit)),
		zap.String("monthly", fmt.Sprintf("%d/%d", u.Monthly.Calls, u.Monthly.Limit)),
		zap.Float64("monthly_pct", u.Monthly.Percentage),
		zap.String("month", u.CurrentMonth))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}
