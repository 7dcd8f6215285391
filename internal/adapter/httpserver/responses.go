// Package httpserver hosts the POST /eval transport: request decoding,
// bearer auth, and response shaping around the submission pipeline.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Potat-Industries/eval-server/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForErr maps a domain sentinel to the HTTP status it surfaces as,
// per the error taxonomy: input errors are 400, capacity/internal failures
// are 500, auth failures are handled separately at 418.
func statusForErr(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCapacity),
		errors.Is(err, domain.ErrWorkerTimeout),
		errors.Is(err, domain.ErrWorkerDead),
		errors.Is(err, domain.ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeEvalError writes a Response-shaped error envelope for /eval failures.
func writeEvalError(w http.ResponseWriter, id string, err error) {
	status := statusForErr(err)
	writeJSON(w, status, domain.NewErrorResponse(status, id, err.Error()))
}
