package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/courtsync/internal/errors"
	"github.com/3leaps/courtsync/internal/server/handlers"
	"github.com/3leaps/courtsync/pkg/assign"
	"github.com/3leaps/courtsync/pkg/cityname"
	"github.com/3leaps/courtsync/pkg/courtsync"
	"github.com/3leaps/courtsync/pkg/orchestrator"
	"github.com/3leaps/courtsync/pkg/quota"
	"github.com/3leaps/courtsync/pkg/settings"
	"github.com/3leaps/courtsync/test/mapstest"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
}

func TestServer_Addr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", New("127.0.0.1", 8080).Addr())
	assert.Equal(t, "[::1]:9000", New("::1", 9000).Addr())
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/version", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	endpoints := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/health/live", http.StatusOK},
		{"GET", "/health/ready", http.StatusOK},
		{"GET", "/version", http.StatusOK},
		{"GET", "/status", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(ep.method, ep.path, nil))
			assert.Equal(t, ep.want, rec.Code, "endpoint %s %s", ep.method, ep.path)
		})
	}
}

func TestServer_UnhealthyCriticalChecker(t *testing.T) {
	hm := handlers.InitHealthManager("test")
	hm.RegisterChecker("control_db", handlers.HealthCheckerFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), true)
	defer handlers.InitHealthManager("test")

	srv := New("127.0.0.1", 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_WithAPI(t *testing.T) {
	dir := t.TempDir()
	state, err := quota.NewFileStore(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	gov := quota.NewGovernor(state, nil)
	fake := mapstest.New()
	provider := settings.New(settings.Static{Databases: []string{"db1"}}, settings.Options{})
	opener := orchestrator.TemplateOpener{Template: filepath.Join(dir, "{name}.db")}

	orch, err := orchestrator.New(orchestrator.Config{
		Governor:     gov,
		Databases:    provider,
		Opener:       opener,
		Synchronizer: courtsync.New(fake, courtsync.Config{CourtDelay: -1}),
		Engine:       assign.NewEngine(fake, fake, cityname.NewResolver(provider, nil), assign.Config{ClaimDelay: -1}),
	})
	require.NoError(t, err)

	srv := New("127.0.0.1", 0, WithAPI(&handlers.API{
		Runner:   orchestrator.NewSerial(orch),
		Governor: gov,
		Settings: provider,
		Opener:   opener,
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/execute", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
