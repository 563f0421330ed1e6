package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pliu/chatsync/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Storage failures
// answer 503 with a Retry-After header so clients offer a retry.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, errs.ErrStorageUnavailable):
		log.Error("Storage unavailable", "error", err)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Storage unavailable, try again", http.StatusServiceUnavailable)
	case errors.Is(err, errs.ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case errors.Is(err, errs.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, errs.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrDuplicateConversation):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, errs.ErrLiveUnsupported):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		log.Error("Request failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("malformed request body: %v", err)
	}
	return nil
}
