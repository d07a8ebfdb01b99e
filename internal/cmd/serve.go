package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/internal/scheduler"
	"github.com/3leaps/courtsync/internal/server"
	"github.com/3leaps/courtsync/internal/server/handlers"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/quota"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API and run the schedule",
	Long: `Start the HTTP operator API. When schedule.enabled is set, full cycles
also run on the hour inside the configured weekday window and the daily
counter resets once a day.

Only one cycle runs at a time; /execute answers 409 while one is going.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	overrides := map[string]any{}
	if serveHost != "" {
		overrides["server"] = map[string]any{"host": serveHost}
	}
	if servePort != 0 {
		srv, _ := overrides["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = servePort
		overrides["server"] = srv
	}
	cfg, err := configWithOverrides(ctx, overrides)
	if err != nil {
		return err
	}

	logger, closeLog, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer closeLog()
	restoreGlobals := zap.ReplaceGlobals(logger)
	defer restoreGlobals()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer a.Close()

	runner := orchestrator.NewSerial(a.orch)

	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	}, true)
	health.RegisterChecker("state", stateHealthChecker{governor: a.governor}, true)
	if a.control != nil {
		health.RegisterChecker("control_db", controlHealthChecker{db: a.control}, false)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
		server.WithAPI(&handlers.API{
			Runner:      runner,
			Governor:    a.governor,
			Settings:    a.settings,
			Opener:      a.opener,
			Control:     a.control,
			LogFile:     cfg.Logging.File,
			BaseContext: ctx,
			Logger:      logger,
		}),
	)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr()))
		errCh <- srv.ListenAndServe()
	}()

	if cfg.Schedule.Enabled {
		sched, err := buildScheduler(cfg.Schedule.Timezone, cfg.Schedule.Weekdays,
			cfg.Schedule.StartHour, cfg.Schedule.EndHour, cfg.Schedule.ResetHour, runner, a.orch, logger)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid schedule", err)
		}
		go func() {
			errCh <- sched.Run(ctx)
		}()
		logger.Info("Schedule enabled",
			zap.Strings("weekdays", cfg.Schedule.Weekdays),
			zap.Int("start_hour", cfg.Schedule.StartHour),
			zap.Int("end_hour", cfg.Schedule.EndHour),
			zap.Int("reset_hour", cfg.Schedule.ResetHour))
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server stopped", zap.Error(err))
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	if runner.Busy() {
		logger.Warn("A run was still in progress at shutdown")
	}
	return nil
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func buildScheduler(tz string, days []string, start, end, reset int, runner scheduler.Runner, resetter scheduler.Resetter, logger *zap.Logger) (*scheduler.Scheduler, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("schedule timezone: %w", err)
	}
	weekdays, err := scheduler.ParseWeekdays(days)
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Location:  loc,
		Weekdays:  weekdays,
		StartHour: start,
		EndHour:   end,
		ResetHour: reset,
	}, runner, resetter, logger)
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// stateHealthChecker reports unhealthy when the state store cannot be read.
type stateHealthChecker struct {
	governor *quota.Governor
}

func (c stateHealthChecker) CheckHealth(ctx context.Context) error {
	if c.governor == nil {
		return errors.New("state store not initialized")
	}
	if _, err := c.governor.State(ctx); err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	return nil
}

type controlHealthChecker struct {
	db *sqlx.DB
}

func (c controlHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return errors.New("control database not configured")
	}
	return c.db.PingContext(ctx)
}
