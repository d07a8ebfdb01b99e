package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/store"
)

func TestStateHealthChecker(t *testing.T) {
	t.Run("healthy with a readable state file", func(t *testing.T) {
		fs, err := quota.NewFileStore(filepath.Join(t.TempDir(), "state.json"))
		require.NoError(t, err)
		checker := stateHealthChecker{governor: quota.NewGovernor(fs, quota.StaticLimits(quota.DefaultLimits()))}

		assert.NoError(t, checker.CheckHealth(context.Background()))
	})

	t.Run("corrupt state file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		fs, err := quota.NewFileStore(path)
		require.NoError(t, err)
		checker := stateHealthChecker{governor: quota.NewGovernor(fs, quota.StaticLimits(quota.DefaultLimits()))}

		err = checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read state")
	})

	t.Run("not initialized", func(t *testing.T) {
		err := stateHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "state store not initialized")
	})
}

func TestControlHealthChecker(t *testing.T) {
	err := controlHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)

	db, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.NoError(t, controlHealthChecker{db: db}.CheckHealth(context.Background()))

	closed, err := store.Open(context.Background(), store.Config{Path: filepath.Join(t.TempDir(), "control.db")})
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	assert.Error(t, controlHealthChecker{db: closed}.CheckHealth(context.Background()))
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "courtsync",
			envPrefix:  "COURTSYNC",
			configName: "courtsync",
		},
		{
			name:       "missing binary name",
			envPrefix:  "COURTSYNC",
			configName: "courtsync",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "courtsync",
			configName: "courtsync",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "courtsync",
			envPrefix:  "COURTSYNC",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildScheduler(t *testing.T) {
	r := noopRunner{}

	s, err := buildScheduler("America/Bogota", []string{"mon", "fri"}, 7, 22, 0, r, r, nil)
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = buildScheduler("Mars/Olympus", []string{"mon"}, 7, 22, 0, r, r, nil)
	assert.Error(t, err)

	_, err = buildScheduler("UTC", []string{"someday"}, 7, 22, 0, r, r, nil)
	assert.Error(t, err)

	_, err = buildScheduler("UTC", []string{"mon"}, 22, 7, 0, r, r, nil)
	assert.Error(t, err)
}

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, shutdownTimeout(0))
	assert.Equal(t, 10*time.Second, shutdownTimeout(-time.Second))
	assert.Equal(t, 3*time.Second, shutdownTimeout(3*time.Second))
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, orchestrator.RunOptions) (*orchestrator.Report, error) {
	return &orchestrator.Report{}, nil
}

func (noopRunner) ResetDailyCounter(context.Context) (int, error) { return 0, nil }
