package tags_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/TagBox/internal/services/advisor"
	"github.com/BearBump/TagBox/internal/services/tags"
	"github.com/BearBump/TagBox/internal/storage"
	"github.com/pkg/errors"
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tags.ErrInvalidChannelPartner),
		errors.Is(err, tags.ErrUnallocateForbidden),
		errors.Is(err, tags.ErrPetOwnerMismatch),
		errors.Is(err, advisor.ErrInvalidOwnerLocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, tags.ErrTagNotAllocated),
		errors.Is(err, tags.ErrTagExpired),
		errors.Is(err, tags.ErrTagNeverActivated):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", msg)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
