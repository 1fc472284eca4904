package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-logr/logr"

	apperrors "github.com/xiaomayi-ant/test-frontend/pkg/chat/errors"
	"github.com/xiaomayi-ant/test-frontend/pkg/chat/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, session.ErrorResponse{Error: msg})
}

// statusFor maps an error code to an HTTP status
func statusFor(err error) int {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
		return http.StatusNotFound
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case apperrors.IsCode(err, apperrors.ErrCodeUpstreamFailed), apperrors.IsCode(err, apperrors.ErrCodeUploadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and answers with its mapped status. msg, when set, replaces the error text.
func fail(w http.ResponseWriter, log logr.Logger, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error(err, "Request failed")
	} else {
		log.V(1).Info("Request rejected", "error", err.Error())
	}
	if msg == "" {
		msg = err.Error()
	}
	writeError(w, status, msg)
}
