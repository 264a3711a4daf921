package web

// errors.go turns handler errors into JSON responses.
//
// Every error is logged with its technical detail and the request id, then
// returned as an ErrorResponse carrying the user-facing message and code from
// core.MapError. The HTTP status follows the error type:
//
//	*core.ValidationError       422
//	*core.OverlapError          409
//	*core.NotFoundError         404
//	core.ErrUnknownEntityType   404
//	core.ErrMissingActor        400
//	core.ErrOverridesDisabled   403
//	core.ErrTooManyLoads        503
//	*core.InvariantViolation    500

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/JonMunkholm/ucshadow/internal/core"
	"github.com/JonMunkholm/ucshadow/internal/logging"
)

// Request-level error codes, alongside the core catalogue.
const (
	codeBadRequest  = "REQ001"
	codeTooLarge    = "REQ002"
	codeRateLimited = "REQ003"
	codeUnavailable = "HLT001"
)

// ErrorResponse is the JSON body of every error response. Code is stable for
// support reference; Details lists per-field problems for validation errors.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Action  string            `json:"action,omitempty"`
	Code    string            `json:"code"`
	Details []core.FieldError `json:"details,omitempty"`
}

// requestError is a malformed request caught before reaching the engine.
type requestError struct {
	message  string
	problems []core.FieldError
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string, problems ...core.FieldError) error {
	return &requestError{message: message, problems: problems}
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var (
		reqErr    *requestError
		tooLarge  *http.MaxBytesError
		verr      *core.ValidationError
		overlap   *core.OverlapError
		notFound  *core.NotFoundError
		invariant *core.InvariantViolation
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &overlap):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.Is(err, core.ErrUnknownEntityType):
		return http.StatusNotFound
	case errors.As(err, &invariant):
		return http.StatusInternalServerError
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrMissingActor):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrOverridesDisabled):
		return http.StatusForbidden
	case errors.Is(err, core.ErrTooManyLoads):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the mapped JSON error response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorBody(err)

	logger := logging.FromContext(r.Context())
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", resp.Code,
		"error", err.Error(),
	}
	if core.IsUserFacing(err) {
		attrs = append(attrs, "user_message", core.FormatUserError(err))
	}
	logger.Log(r.Context(), level, "request error", attrs...)

	if errors.Is(err, core.ErrTooManyLoads) {
		w.Header().Set("Retry-After", "30")
	}
	writeJSONStatus(w, status, resp)
}

// errorBody builds the response body for err.
func errorBody(err error) ErrorResponse {
	var (
		reqErr   *requestError
		tooLarge *http.MaxBytesError
		verr     *core.ValidationError
	)
	switch {
	case errors.As(err, &reqErr):
		return ErrorResponse{
			Error:   reqErr.message,
			Message: reqErr.message,
			Action:  "Check the request parameters and body",
			Code:    codeBadRequest,
			Details: reqErr.problems,
		}
	case errors.As(err, &tooLarge):
		return ErrorResponse{
			Error:   "request body too large",
			Message: "The request body exceeds the configured limit",
			Action:  "Split the payload or raise LOAD_MAX_BODY_SIZE",
			Code:    codeTooLarge,
		}
	}

	msg := core.MapError(err)
	resp := ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}
	if errors.As(err, &verr) {
		resp.Details = verr.Problems
	}
	return resp
}

// writeError writes a request-level error that did not come from the engine.
func writeError(w http.ResponseWriter, r *http.Request, status int, message, code string) {
	logging.FromContext(r.Context()).Warn("request rejected",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", code,
	)
	writeJSONStatus(w, status, ErrorResponse{Error: message, Message: message, Code: code})
}

// writeJSON encodes v with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v as JSON. Encoding errors are only logged since
// the headers are already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
