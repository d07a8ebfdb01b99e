package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil when unset", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("defaults to courtsync", func(t *testing.T) {
		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "courtsync", id.BinaryName)
		assert.Equal(t, "COURTSYNC", id.EnvPrefix)
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "exit error", err: exitError(foundry.ExitInvalidArgument, "bad", errors.New("x")), want: foundry.ExitInvalidArgument},
		{name: "wrapped exit error", err: fmt.Errorf("outer: %w", exitError(foundry.ExitFileNotFound, "gone", nil)), want: foundry.ExitFileNotFound},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: foundry.ExitSignalInt},
		{name: "plain error", err: errors.New("boom"), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("no such file")
	err := exitError(foundry.ExitFileReadError, "Failed to read", cause)
	assert.Equal(t, "Failed to read: no such file", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "Diagnostics failed", exitError(1, "Diagnostics failed", nil).Error())
}

func TestCommandTree(t *testing.T) {
	want := []string{"doctor", "migrate", "reset-daily", "run", "runs", "serve", "settings", "start", "status", "stop", "usage", "version"}
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}

	runFlags := runCmd.Flags()
	assert.NotNil(t, runFlags.Lookup("limit"))
	assert.NotNil(t, runFlags.Lookup("only"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc", "2026-10-19")

	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(t, "courtsync 1.2.3\n", buf.String())
}

func TestPostReload(t *testing.T) {
	t.Run("reloaded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/config/reload", r.URL.Path)
			_, _ = w.Write([]byte(`{"reloaded":true}`))
		}))
		defer srv.Close()

		assert.NoError(t, postReload(context.Background(), srv.Client(), srv.URL+"/"))
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		err := postReload(context.Background(), srv.Client(), srv.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})
}
