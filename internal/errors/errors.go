// Package errors defines application errors and their HTTP rendering.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes returned in HTTP error bodies.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeLocked             = "LOCKED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError is an error with a stable code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func newError(code string, status int, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func NewBadRequest(message string) *AppError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func NewNotFound(message string) *AppError {
	return newError(CodeNotFound, http.StatusNotFound, message, nil)
}

func NewMethodNotAllowed(message string) *AppError {
	return newError(CodeMethodNotAllowed, http.StatusMethodNotAllowed, message, nil)
}

func NewConflict(message string) *AppError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// NewLocked reports that the engine refuses work in its current state.
func NewLocked(message string) *AppError {
	return newError(CodeLocked, http.StatusLocked, message, nil)
}

func NewServiceUnavailable(message string) *AppError {
	return newError(CodeServiceUnavailable, http.StatusServiceUnavailable, message, nil)
}

// NewExternalServiceError reports a failing dependency (database, provider).
func NewExternalServiceError(message string) *AppError {
	return newError(CodeExternalService, http.StatusBadGateway, message, nil)
}

// WrapInternal wraps err as a 500. A cancelled ctx is not reported as internal.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	if ctx != nil && ctx.Err() != nil {
		return newError(CodeServiceUnavailable, http.StatusServiceUnavailable, message, err)
	}
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// ErrorBody is the payload under "error".
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every error response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RespondWithError renders err. Errors that are not an AppError become
// INTERNAL_ERROR without leaking their text.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = newError(CodeInternal, http.StatusInternalServerError, "internal server error", err)
	}

	body := HTTPErrorResponse{Error: ErrorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}}
	if r != nil {
		body.Error.RequestID = chimw.GetReqID(r.Context())
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
