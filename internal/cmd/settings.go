package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage runtime settings stored in the control database",
	Long: `Runtime settings (database list, api limits, city variants, maps api key)
live in the control database's bot_config table, keyed by environment. Values
there override the config file when settings.from_db is enabled.`,
}

var settingsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Validate a settings document and write it to bot_config",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsImport,
}

var (
	settingsShowJSON bool
	settingsServer   string
)

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings (api key masked)",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var settingsReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running server to drop its cached settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsReload,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsImportCmd, settingsShowCmd, settingsReloadCmd)

	settingsShowCmd.Flags().BoolVar(&settingsShowJSON, "json", false, "Print JSON instead of YAML")
	settingsReloadCmd.Flags().StringVar(&settingsServer, "server", "", "Server base URL (default from server.host and server.port)")
}

func runSettingsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doc, err := settings.LoadDocument(args[0])
	if err != nil {
		var verrs settings.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				observability.CLILogger.Error("Invalid setting", zap.String("path", v.Path), zap.String("message", v.Message))
			}
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid settings document", err)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Control.Enabled() {
		return exitError(foundry.ExitInvalidArgument, "Settings import needs control.path, control.url or control.dsn", settings.ErrNoControlDB)
	}
	control, err := openControl(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open control database", err)
	}
	defer func() { _ = control.Close() }()

	p := settings.New(settings.Static{}, settings.Options{
		DB:          control,
		Environment: cfg.Settings.Environment,
		Logger:      observability.CLILogger,
	})
	n, err := p.Import(ctx, doc)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to import settings", err)
	}

	env := p.Environment()
	if doc.Environment != "" {
		env = doc.Environment
	}
	observability.CLILogger.Info("Settings imported",
		zap.Int("keys", n),
		zap.String("environment", env),
		zap.String("file", args[0]))
	if !cfg.Settings.FromDB {
		observability.CLILogger.Warn("settings.from_db is disabled; imported values are ignored until it is enabled")
	}
	return nil
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize", err)
	}
	defer a.Close()

	doc, err := a.settings.Snapshot(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read settings", err)
	}
	if settingsShowJSON {
		return printJSON(doc)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to render settings", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runSettingsReload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	base := strings.TrimSpace(settingsServer)
	if base == "" {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		host := cfg.Server.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
	}
	if err := postReload(ctx, http.DefaultClient, base); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Reload failed", err)
	}
	observability.CLILogger.Info("Server settings reloaded", zap.String("server", base))
	return nil
}

func postReload(ctx context.Context, client *http.Client, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/config/reload", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Reloaded bool `json:"reloaded"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode reload response: %w", err)
	}
	if !out.Reloaded {
		return errors.New("server did not reload")
	}
	return nil
}
