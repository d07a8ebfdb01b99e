// Package config loads courtsync configuration from defaults, an optional
// YAML file, a .env file and COURTSYNC_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/report"
)

const (
	// AppName names the config file, data dir and env prefix.
	AppName   = "courtsync"
	EnvPrefix = "COURTSYNC"
)

type Config struct {
	Server       ServerConfig         `mapstructure:"server"`
	Logging      observability.Config `mapstructure:"logging"`
	Control      StoreConfig          `mapstructure:"control"`
	State        StateConfig          `mapstructure:"state"`
	Databases    DatabasesConfig      `mapstructure:"databases"`
	Limits       LimitsConfig         `mapstructure:"limits"`
	Google       GoogleConfig         `mapstructure:"google"`
	Engine       EngineConfig         `mapstructure:"engine"`
	Settings     SettingsConfig       `mapstructure:"settings"`
	CityVariants [][]string           `mapstructure:"city_variants"`
	Schedule     ScheduleConfig       `mapstructure:"schedule"`
	Report       ReportConfig         `mapstructure:"report"`

	// DataDir holds the default state file, control database and reports.
	DataDir string `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig locates one database. Empty Path, URL and DSN disable it.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

// Enabled reports whether any location is set.
func (s StoreConfig) Enabled() bool {
	return strings.TrimSpace(s.Path) != "" || strings.TrimSpace(s.URL) != "" || strings.TrimSpace(s.DSN) != ""
}

type StateConfig struct {
	// Backend is "file" (JSON state file) or "sql" (control database).
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type DatabasesConfig struct {
	Driver string `mapstructure:"driver"`

	// DSNTemplate contains {name}, replaced by each database name.
	DSNTemplate string   `mapstructure:"dsn_template"`
	AuthToken   string   `mapstructure:"auth_token"`
	Names       []string `mapstructure:"names"`
}

type LimitsConfig struct {
	Daily   int `mapstructure:"daily"`
	Monthly int `mapstructure:"monthly"`
}

type GoogleConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	GeocodeURL        string        `mapstructure:"geocode_url"`
	DistanceMatrixURL string        `mapstructure:"distance_matrix_url"`
	GeocodeTimeout    time.Duration `mapstructure:"geocode_timeout"`
	RouteTimeout      time.Duration `mapstructure:"route_timeout"`
	QPS               float64       `mapstructure:"qps"`
}

type EngineConfig struct {
	ClaimDelay    time.Duration `mapstructure:"claim_delay"`
	CourtDelay    time.Duration `mapstructure:"court_delay"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	Country       string        `mapstructure:"country"`
	Timezone      string        `mapstructure:"timezone"`
}

type SettingsConfig struct {
	Environment string        `mapstructure:"environment"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`

	// FromDB layers bot_config rows from the control database over this file.
	FromDB bool `mapstructure:"from_db"`
}

type ScheduleConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Timezone  string   `mapstructure:"timezone"`
	Weekdays  []string `mapstructure:"weekdays"`
	StartHour int      `mapstructure:"start_hour"`
	EndHour   int      `mapstructure:"end_hour"`
	ResetHour int      `mapstructure:"reset_hour"`
}

type ReportConfig struct {
	Dir string          `mapstructure:"dir"`
	S3  report.S3Config `mapstructure:"s3"`
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load reads configuration with the default file search. Overrides win over
// every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An explicit file must exist.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)

	file, err := resolveConfigFile(path)
	if err != nil {
		return nil, err
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindShortEnv(v)

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDerived(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.State.Backend {
	case "file", "sql":
	default:
		problems = append(problems, fmt.Sprintf("state.backend must be file or sql, got %q", c.State.Backend))
	}
	if c.State.Backend == "sql" && !c.Control.Enabled() {
		problems = append(problems, "state.backend sql requires a control database")
	}
	if c.Settings.FromDB && !c.Control.Enabled() {
		problems = append(problems, "settings.from_db requires a control database")
	}
	for _, h := range []struct {
		name string
		v    int
	}{
		{"schedule.start_hour", c.Schedule.StartHour},
		{"schedule.end_hour", c.Schedule.EndHour},
		{"schedule.reset_hour", c.Schedule.ResetHour},
	} {
		if h.v < 0 || h.v > 23 {
			problems = append(problems, fmt.Sprintf("%s must be 0-23, got %d", h.name, h.v))
		}
	}
	if c.Schedule.StartHour > c.Schedule.EndHour {
		problems = append(problems, "schedule.start_hour is after schedule.end_hour")
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("engine.timezone: %v", err))
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.timezone: %v", err))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("data_dir", "")

	v.SetDefault("control.driver", "sqlite")
	v.SetDefault("control.path", "")
	v.SetDefault("control.url", "")
	v.SetDefault("control.auth_token", "")
	v.SetDefault("control.dsn", "")

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "")

	v.SetDefault("databases.driver", "sqlite")
	v.SetDefault("databases.dsn_template", "")
	v.SetDefault("databases.auth_token", "")
	v.SetDefault("databases.names", []string{})

	v.SetDefault("limits.daily", 700)
	v.SetDefault("limits.monthly", 8000)

	v.SetDefault("google.api_key", "")
	v.SetDefault("google.geocode_url", "")
	v.SetDefault("google.distance_matrix_url", "")
	v.SetDefault("google.geocode_timeout", "10s")
	v.SetDefault("google.route_timeout", "15s")
	v.SetDefault("google.qps", 0)

	v.SetDefault("engine.claim_delay", "100ms")
	v.SetDefault("engine.court_delay", "100ms")
	v.SetDefault("engine.max_candidates", 5)
	v.SetDefault("engine.country", "Colombia")
	v.SetDefault("engine.timezone", "America/Bogota")

	v.SetDefault("settings.environment", "production")
	v.SetDefault("settings.cache_ttl", "0s")
	v.SetDefault("settings.from_db", false)

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.timezone", "America/Bogota")
	v.SetDefault("schedule.weekdays", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("schedule.start_hour", 7)
	v.SetDefault("schedule.end_hour", 22)
	v.SetDefault("schedule.reset_hour", 0)

	v.SetDefault("report.dir", "")
	v.SetDefault("report.s3.bucket", "")
	v.SetDefault("report.s3.prefix", "")
	v.SetDefault("report.s3.region", "")
	v.SetDefault("report.s3.endpoint", "")
	v.SetDefault("report.s3.profile", "")
	v.SetDefault("report.s3.access_key_id", "")
	v.SetDefault("report.s3.secret_access_key", "")
	v.SetDefault("report.s3.force_path_style", false)
}

// EnvSpec maps one short environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// getEnvSpecs lists the short variables accepted besides the
// COURTSYNC_<SECTION>_<KEY> form.
func getEnvSpecs() []EnvSpec {
	short := []struct{ suffix, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
		{"LOG_FILE", "logging.file"},
		{"DATABASES", "databases.names"},
		{"DAILY_LIMIT", "limits.daily"},
		{"MONTHLY_LIMIT", "limits.monthly"},
		{"GOOGLE_API_KEY", "google.api_key"},
		{"CONTROL_DSN", "control.dsn"},
		{"ENVIRONMENT", "settings.environment"},
	}
	specs := make([]EnvSpec, 0, len(short)+1)
	for _, s := range short {
		specs = append(specs, EnvSpec{Name: EnvPrefix + "_" + s.suffix, Path: s.path})
	}
	// The Maps key is commonly exported without a prefix.
	specs = append(specs, EnvSpec{Name: "GOOGLE_MAPS_API_KEY", Path: "google.api_key"})
	return specs
}

func bindShortEnv(v *viper.Viper) {
	for _, spec := range getEnvSpecs() {
		long := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		_ = v.BindEnv(spec.Path, long, spec.Name)
	}
}

func resolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	for _, candidate := range getUserConfigPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

// getUserConfigPaths lists the searched config files in priority order.
func getUserConfigPaths() []string {
	paths := []string{AppName + ".yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName, AppName+".yaml"))
	}
	return paths
}

// applyDerived fills paths that default to the app data dir.
func applyDerived(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(AppName)
	}
	if cfg.State.Path == "" {
		cfg.State.Path = filepath.Join(cfg.DataDir, "execution_state.json")
	}
	if cfg.Databases.DSNTemplate == "" {
		cfg.Databases.DSNTemplate = filepath.Join(cfg.DataDir, "databases", "{name}.db")
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
