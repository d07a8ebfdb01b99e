package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		results  map[string]CheckResult
		critical map[string]bool
		want     string
	}{
		{"no checks", nil, nil, StatusHealthy},
		{"all healthy", map[string]CheckResult{"a": {Status: StatusHealthy}}, map[string]bool{"a": true}, StatusHealthy},
		{"non critical failure", map[string]CheckResult{"a": {Status: StatusUnhealthy}}, map[string]bool{"a": false}, StatusDegraded},
		{"critical failure", map[string]CheckResult{
			"a": {Status: StatusUnhealthy},
			"b": {Status: StatusUnhealthy},
		}, map[string]bool{"b": true}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.results, tt.critical))
		})
	}
}

func TestHealthHandler(t *testing.T) {
	hm := NewHealthManager("1.2.3")
	hm.RegisterChecker("state_file", HealthCheckerFunc(func(context.Context) error { return nil }), true)
	hm.RegisterChecker("report_archive", HealthCheckerFunc(func(context.Context) error { return errors.New("bucket missing") }), false)

	rec := httptest.NewRecorder()
	hm.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, StatusHealthy, resp.Checks["state_file"].Status)
	assert.Equal(t, "bucket missing", resp.Checks["report_archive"].Message)
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.0.0", "abc123", "2026-01-15")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	Version(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var info VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.0.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}
