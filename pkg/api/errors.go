package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/traverse-calendar/traverse/pkg/engine"
	"github.com/traverse-calendar/traverse/pkg/telemetry"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error   ErrorDetail `json:"error"`
	TraceID string      `json:"trace_id,omitempty"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Class   string `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatusFor maps a classified error to an HTTP status.
func StatusFor(err error) int {
	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation, engine.ErrCodeMalformedSignal:
		return http.StatusBadRequest
	case engine.ErrCodeNotFound, engine.ErrCodeInstanceNotFound:
		return http.StatusNotFound
	case engine.ErrCodeConflict, engine.ErrCodeSignalRejected:
		return http.StatusConflict
	case engine.ErrCodeConfig:
		return http.StatusInternalServerError
	}

	switch engine.ClassOf(err) {
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	case engine.ErrorClassConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	class := engine.ClassOf(err)
	code := engine.CodeOf(err)
	s.metrics.RecordError(string(class), code)

	message := err.Error()
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		message = ee.Message
	}
	if status == http.StatusInternalServerError && code != engine.ErrCodeConfig {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		message = "internal error"
	} else {
		s.logger.WithError(err).WithField("path", r.URL.Path).Debugf("Request rejected with %d", status)
	}

	writeJSON(w, status, ErrorBody{
		Error: ErrorDetail{
			Class:   string(class),
			Code:    code,
			Message: message,
		},
		TraceID: telemetry.TraceID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(format string, args ...any) error {
	return engine.NewValidationError(fmt.Sprintf(format, args...), nil)
}
