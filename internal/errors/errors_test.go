package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithErrorAppError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad request", NewBadRequest("limit must be positive"), http.StatusBadRequest, CodeBadRequest},
		{"not found", NewNotFound("run not found"), http.StatusNotFound, CodeNotFound},
		{"conflict", NewConflict("a run is already in progress"), http.StatusConflict, CodeConflict},
		{"locked", NewLocked("manually stopped"), http.StatusLocked, CodeLocked},
		{"unavailable", NewServiceUnavailable("no control database"), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"wrapped", fmt.Errorf("handler: %w", NewNotFound("x")), http.StatusNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestRespondWithErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), stderrors.New("dsn password=secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "secret")
}

func TestAppErrorDetailsAndUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := WrapInternal(context.Background(), cause, "count assignments")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.Contains(t, err.Error(), "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, CodeServiceUnavailable, WrapInternal(ctx, cause, "x").Code)

	withDetails := NewBadRequest("bad filter").WithDetails(map[string]any{"only": "[a"})
	rec := httptest.NewRecorder()
	RespondWithError(rec, nil, withDetails)

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "[a", body.Error.Details["only"])
}
