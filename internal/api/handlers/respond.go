package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/file-finder/backend/internal/job"
	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes. The messages of
// caller errors name the offending path or term and are safe to return.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, search.ErrInvalidTerm):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrDirectoryNotFound):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrStaleEntry):
		return http.StatusNotFound, "file not found"
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, job.ErrNotRetryable):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	jsonError(w, msg, status)
}
