// Package errors maps application errors to HTTP error envelopes and CLI
// exit codes.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/3leaps/annovault/pkg/event"
	"github.com/3leaps/annovault/pkg/job"
	"github.com/3leaps/annovault/pkg/jobstore"
	"github.com/3leaps/annovault/pkg/lifecycle"
	"github.com/3leaps/annovault/pkg/tier"
)

// Error codes used in envelopes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeUnprocessable      = "UNPROCESSABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// Envelope is the body of an error response.
type Envelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewEnvelope creates an envelope.
func NewEnvelope(code, message string) *Envelope {
	return &Envelope{Code: code, Message: message}
}

// WithDetails returns a copy of e with details attached.
func (e *Envelope) WithDetails(details map[string]any) *Envelope {
	out := *e
	out.Details = details
	return &out
}

// HTTPErrorResponse is the JSON error body: {"error": {...}}.
type HTTPErrorResponse struct {
	Error Envelope `json:"error"`
}

// AppError carries an HTTP status and envelope code alongside a cause.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: CodeValidation, Message: message, Err: err}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: message}
}

func NewExternalServiceError(message string, err error) *AppError {
	return &AppError{Status: http.StatusBadGateway, Code: CodeExternalService, Message: message, Err: err}
}

// WrapInternal wraps an unexpected failure.
func WrapInternal(_ context.Context, err error, message string) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: message, Err: err}
}

// Classify maps err to an AppError, recognising domain sentinels.
func Classify(err error) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return app
	}

	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		app := NewValidationError("invalid request", err)
		fields := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		app.Details = map[string]any{"fields": fields}
		return app
	case errors.Is(err, lifecycle.ErrResultMissing):
		return &AppError{Status: http.StatusUnprocessableEntity, Code: CodeUnprocessable, Message: "result object missing", Err: err}
	case errors.Is(err, jobstore.ErrNotFound):
		return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "job not found", Err: err}
	case errors.Is(err, jobstore.ErrAlreadyExists),
		errors.Is(err, jobstore.ErrConditionFailed),
		errors.Is(err, job.ErrIllegalTransition):
		return &AppError{Status: http.StatusConflict, Code: CodeConflict, Message: "job is not in the required state", Err: err}
	case errors.Is(err, job.ErrInvalidUpdate), errors.Is(err, event.ErrValidationFailed):
		return NewValidationError("invalid request", err)
	case errors.Is(err, tier.ErrUnknownUser):
		return &AppError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "user not found", Err: err}
	}
	return WrapInternal(context.Background(), err, "internal error")
}

// RespondWithError writes err as a JSON envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := Classify(err)
	env := &Envelope{Code: app.Code, Message: app.Error(), Details: app.Details}
	if app.Status >= http.StatusInternalServerError {
		// Do not leak internals.
		env.Message = app.Message
	}
	WriteError(w, r, env, app.Status)
}

// WriteError writes env with status, stamping the request id when present.
func WriteError(w http.ResponseWriter, r *http.Request, env *Envelope, status int) {
	out := *env
	if r != nil && out.RequestID == "" {
		out.RequestID = chimw.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: out})
}
