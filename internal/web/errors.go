package web

// errors.go turns errors from the import service into responses.
//
// The technical error is logged with the request ID; the client gets the
// coded user message from core.MapError, as JSON for API clients or as an
// HTML fragment for HTMX requests.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/web/templates"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, core.ErrInvalidSchemaType),
		errors.Is(err, core.ErrUnsupportedContentType),
		errors.Is(err, core.ErrInvalidChecksum):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrIdempotencyMismatch),
		errors.Is(err, core.ErrJobNotFinished),
		errors.Is(err, core.ErrUploadIncomplete):
		return http.StatusConflict
	case errors.Is(err, core.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrUploadNotFound),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrRecordNotFound),
		errors.Is(err, core.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrMissingColumns),
		errors.Is(err, core.ErrEmptyFile),
		errors.Is(err, core.ErrCorruptFile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the mapped response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)
	if errors.Is(err, errBadRequest) {
		msg = core.UserMessage{
			Message: strings.TrimPrefix(err.Error(), errBadRequest.Error()+": "),
			Action:  "Check the request and try again",
			Code:    "REQ001",
		}
	}

	// Unmapped errors are logged loudly even when the status is a 4xx.
	level := slog.LevelWarn
	if status >= 500 || !(core.IsUserFacing(err) || errors.Is(err, errBadRequest)) {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
		return
	}
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}
