package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/courtsync/internal/observability"
	"github.com/3leaps/courtsync/pkg/settings"
)

var doctorS3 bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, configuration and every
configured database, and suggest fixes for common issues.

Examples:
  courtsync doctor        # Full check
  courtsync doctor --s3   # Also check AWS credentials for report archiving`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Check AWS credentials even when report.s3.bucket is unset")
}

// doctorCheck is one line of the diagnostic report. A warning does not fail
// the run; an error does.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (detail string, warn bool, err error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	checks := []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Crucible access", run: checkCrucible},
		{name: "Environment", run: func(context.Context) (string, bool, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, false, nil
		}},
	}

	cfg, cfgErr := loadConfig(ctx)
	checks = append(checks, doctorCheck{name: "Configuration", run: func(context.Context) (string, bool, error) {
		if cfgErr != nil {
			return "", false, cfgErr
		}
		return "valid", false, nil
	}})

	var a *app
	if cfgErr == nil {
		checks = append(checks, doctorCheck{name: "Data directory", run: func(context.Context) (string, bool, error) {
			return checkWritableDir(cfg.DataDir)
		}})

		var buildErr error
		a, buildErr = buildApp(ctx, cfg, zap.NewNop())
		if a != nil {
			defer a.Close()
		}
		checks = append(checks, doctorCheck{name: "Engine wiring", run: func(context.Context) (string, bool, error) {
			if buildErr != nil {
				return "", false, buildErr
			}
			return "control, state and maps client ready", false, nil
		}})
	}

	if a != nil {
		checks = append(checks,
			doctorCheck{name: "Engine state", run: func(ctx context.Context) (string, bool, error) {
				return checkEngineState(ctx, a)
			}},
			doctorCheck{name: "Maps api key", run: func(ctx context.Context) (string, bool, error) {
				return checkAPIKey(ctx, a.settings)
			}},
			doctorCheck{name: "Databases", run: func(ctx context.Context) (string, bool, error) {
				return checkDatabases(ctx, a)
			}},
		)
	}

	if doctorS3 || (cfg != nil && strings.TrimSpace(cfg.Report.S3.Bucket) != "") {
		checks = append(checks, doctorCheck{name: "AWS credentials", run: checkAWSCredentials})
	}

	allChecks := runChecks(ctx, checks)

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

// runChecks prints each check and reports whether none returned an error.
func runChecks(ctx context.Context, checks []doctorCheck) bool {
	ok := true
	total := len(checks)
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, total, strings.ToLower(c.name[:1])+c.name[1:])
		detail, warn, err := c.run(ctx)
		switch {
		case err != nil:
			observability.CLILogger.Error(prefix+" ❌ "+detail, zap.Error(err))
			ok = false
		case warn:
			observability.CLILogger.Warn(prefix + " ⚠️  " + detail)
		default:
			observability.CLILogger.Info(prefix + " ✅ " + detail)
		}
	}
	return ok
}

func checkGoVersion(context.Context) (string, bool, error) {
	v := runtime.Version()
	if v >= "go1.25" {
		return v, false, nil
	}
	return v + " (recommended: go1.25+)", true, nil
}

func checkCrucible(context.Context) (string, bool, error) {
	version := crucible.GetVersion()
	if version.Crucible == "" {
		return "Cannot access Crucible", false, errors.New("crucible version unavailable")
	}
	if version.Gofulmen == "" {
		return "crucible v" + version.Crucible + ", gofulmen unknown", true, nil
	}
	return fmt.Sprintf("crucible v%s, gofulmen v%s", version.Crucible, version.Gofulmen), false, nil
}

func checkWritableDir(dir string) (string, bool, error) {
	if strings.TrimSpace(dir) == "" {
		return "", false, errors.New("data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, false, err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return dir, false, err
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return dir, false, nil
}

func checkEngineState(ctx context.Context, a *app) (string, bool, error) {
	state, err := a.governor.State(ctx)
	if err != nil {
		return "", false, err
	}
	usage, err := a.governor.Usage(ctx)
	if err != nil {
		return "", false, err
	}
	detail := fmt.Sprintf("%s, daily %d/%d, monthly %d/%d",
		state.Status, usage.Daily.Calls, usage.Daily.Limit, usage.Monthly.Calls, usage.Monthly.Limit)
	if state.ManualStop || state.QuotaExceeded {
		return detail + " (runs blocked until start)", true, nil
	}
	return detail, false, nil
}

func checkAPIKey(ctx context.Context, p *settings.Provider) (string, bool, error) {
	key, err := p.GoogleAPIKey(ctx)
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(key) == "" {
		return "not set (google.api_key, COURTSYNC_GOOGLE_API_KEY or GOOGLE_MAPS_API_KEY)", false,
			errors.New("maps api key missing")
	}
	return settings.MaskKey(key), false, nil
}

func checkDatabases(ctx context.Context, a *app) (string, bool, error) {
	names, err := a.settings.Databases(ctx)
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return "none configured (databases.names)", true, nil
	}
	var failed []string
	for _, name := range names {
		db, err := a.opener.Open(ctx, name)
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
		}
		if err != nil {
			observability.CLILogger.Warn("Database unreachable", zap.String("db", name), zap.Error(err))
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return fmt.Sprintf("%d/%d unreachable: %s", len(failed), len(names), strings.Join(failed, ", ")), false,
			fmt.Errorf("%d databases unreachable", len(failed))
	}
	return fmt.Sprintf("%d reachable", len(names)), false, nil
}

func checkAWSCredentials(ctx context.Context) (string, bool, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "Cannot load AWS config", false, err
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		printAWSCredentialsHelp()
		return "Cannot retrieve credentials", false, err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s via %s", maskAccessKey(creds.AccessKeyID), source), false, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials for report archiving:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Set report.s3.access_key_id and report.s3.secret_access_key")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set report.s3.endpoint.")
	observability.CLILogger.Info("")
}
