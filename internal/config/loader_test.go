package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps user config files and stray env out of a test.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	t.Chdir(t.TempDir())
	return home
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)

		assert.Equal(t, 700, cfg.Limits.Daily)
		assert.Equal(t, 8000, cfg.Limits.Monthly)
		assert.Equal(t, "file", cfg.State.Backend)
		assert.Equal(t, 100*time.Millisecond, cfg.Engine.ClaimDelay)
		assert.Equal(t, "Colombia", cfg.Engine.Country)
		assert.Equal(t, "production", cfg.Settings.Environment)
		assert.Zero(t, cfg.Settings.CacheTTL)

		assert.False(t, cfg.Schedule.Enabled)
		assert.Equal(t, []string{"mon", "tue", "wed", "thu", "fri"}, cfg.Schedule.Weekdays)
		assert.Equal(t, 7, cfg.Schedule.StartHour)
		assert.Equal(t, 22, cfg.Schedule.EndHour)

		assert.False(t, cfg.Control.Enabled())
		assert.Empty(t, cfg.Databases.Names)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("COURTSYNC_PORT", "3000")
		t.Setenv("COURTSYNC_LOG_LEVEL", "warn")
		t.Setenv("COURTSYNC_SCHEDULE_ENABLED", "true")
		t.Setenv("COURTSYNC_DATABASES", "bot_a,bot_b")
		t.Setenv("COURTSYNC_LIMITS_DAILY", "50")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Schedule.Enabled)
		assert.Equal(t, []string{"bot_a", "bot_b"}, cfg.Databases.Names)
		assert.Equal(t, 50, cfg.Limits.Daily)
	})

	t.Run("GoogleKeyWithoutPrefix", func(t *testing.T) {
		isolate(t)
		t.Setenv("GOOGLE_MAPS_API_KEY", "AIza-test")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "AIza-test", cfg.Google.APIKey)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("COURTSYNC_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	isolate(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "courtsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
databases:
  driver: postgres
  dsn_template: postgres://bot@db:5432/{name}?sslmode=disable
  names: [bot_cali, bot_bogota]
city_variants:
  - [BOGOTA, SANTA FE DE BOGOTA]
engine:
  claim_delay: 250ms
report:
  s3:
    bucket: courtsync-reports
    prefix: runs
`), 0o644))

	cfg, err := LoadFile(ctx, path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Databases.Driver)
	assert.Equal(t, []string{"bot_cali", "bot_bogota"}, cfg.Databases.Names)
	assert.Equal(t, [][]string{{"BOGOTA", "SANTA FE DE BOGOTA"}}, cfg.CityVariants)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.ClaimDelay)
	assert.Equal(t, "courtsync-reports", cfg.Report.S3.Bucket)
	assert.Equal(t, filepath.Join(dir, "execution_state.json"), cfg.State.Path)

	_, err = LoadFile(ctx, filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestLoadSearchesWorkingDirectory(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("courtsync.yaml", []byte("server:\n  port: 7070\n"), 0o644))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadReadsDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env", []byte("COURTSYNC_ENGINE_COUNTRY=Ecuador\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("COURTSYNC_ENGINE_COUNTRY") })

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ecuador", cfg.Engine.Country)
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		overrides map[string]any
		contains  string
	}{
		{"bad backend", map[string]any{"state": map[string]any{"backend": "redis"}}, "state.backend"},
		{"sql state without control", map[string]any{"state": map[string]any{"backend": "sql"}}, "control database"},
		{"from_db without control", map[string]any{"settings": map[string]any{"from_db": true}}, "settings.from_db"},
		{"hour range", map[string]any{"schedule": map[string]any{"end_hour": 24}}, "schedule.end_hour"},
		{"inverted window", map[string]any{"schedule": map[string]any{"start_hour": 20, "end_hour": 8}}, "after"},
		{"bad timezone", map[string]any{"engine": map[string]any{"timezone": "Mars/Base"}}, "engine.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	isolate(t)
	cfg, err := Load(ctx, map[string]any{
		"control": map[string]any{"path": filepath.Join(t.TempDir(), "control.db")},
		"state":   map[string]any{"backend": "sql"},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Control.Enabled())
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Server.Port, current.Server.Port)
}

func TestEnvSpecs(t *testing.T) {
	names := make(map[string]string)
	for _, spec := range getEnvSpecs() {
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}
	assert.Equal(t, "logging.level", names["COURTSYNC_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["COURTSYNC_PORT"])
	assert.Equal(t, "server.host", names["COURTSYNC_HOST"])
	assert.Equal(t, "google.api_key", names["GOOGLE_MAPS_API_KEY"])
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("COURTSYNC_READ_TIMEOUT", "45s")
	t.Setenv("COURTSYNC_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("COURTSYNC_SETTINGS_CACHE_TTL", "10m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Settings.CacheTTL)
}
