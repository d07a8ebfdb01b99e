// Package cmd implements the courtsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/courtsync/internal/config"
	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/internal/server/handlers"
)

// AppIdentity names the binary and its config surfaces.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity = &AppIdentity{
	BinaryName: config.AppName,
	EnvPrefix:  config.EnvPrefix,
	ConfigName: config.AppName,
}

// GetAppIdentity returns the application identity, or nil when unset.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	cfgFile  string
	logLevel string
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "courtsync",
	Short: "Assign the nearest competent court to pending claims",
	Long: `courtsync geocodes claim addresses and court addresses through Google Maps,
picks the nearest court of the right tier in the claim's city, and records the
assignment in each configured registry database. External calls are metered
against daily and monthly limits.

Examples:
  courtsync run                      # One full cycle over every database
  courtsync run --only 'bot_*' -n 50 # A bounded cycle over some databases
  courtsync serve                    # Operator API plus the hourly schedule
  courtsync status --json            # Engine state and api usage`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitCLILogger(appIdentity.BinaryName, jsonLogs)
		if err := observability.SetCLILevel(logLevel); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --log-level", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ./courtsync.yaml or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "CLI log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write CLI logs as JSON")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// loadConfig reads configuration honoring --config.
func loadConfig(ctx context.Context) (*config.Config, error) {
	return configWithOverrides(ctx, nil)
}

// configWithOverrides loads configuration with flag values layered on top.
func configWithOverrides(ctx context.Context, overrides map[string]any) (*config.Config, error) {
	var layers []map[string]any
	if len(overrides) > 0 {
		layers = append(layers, overrides)
	}
	cfg, err := config.LoadFile(ctx, cfgFile, layers...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	return 1
}
