package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/questgate/server/internal/history"
	"github.com/questgate/server/internal/integrity"
	"github.com/questgate/server/internal/ledger"
)

const maxBodyBytes = 64 << 10

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *integrity.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "INVALID_SUBMISSION", verr.Error())
	case errors.Is(err, integrity.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, "INVALID_SUBMISSION", err.Error())
	case errors.Is(err, history.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "submission not found")
	case errors.Is(err, history.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "SUBMISSION_IN_PROGRESS", "another submission for this user is being processed")
	case errors.Is(err, integrity.ErrIntegrity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "COMMITMENT_UNAVAILABLE", "commitment could not be computed, retry")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is empty")
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return false
	}
	return true
}
