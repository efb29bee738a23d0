package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/wesm/wizardsync/internal/remote"
)

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// validationResponse is the 422 body. Field order is kept as
// produced so clients can show it verbatim.
type validationResponse struct {
	Error            string              `json:"error"`
	ValidationErrors []remote.FieldError `json:"validationErrors"`
}

func writeValidation(
	w http.ResponseWriter, msg string, fields []remote.FieldError,
) {
	if fields == nil {
		fields = []remote.FieldError{}
	}
	writeJSON(w, http.StatusUnprocessableEntity, validationResponse{
		Error:            msg,
		ValidationErrors: fields,
	})
}

// handleContextError detects context.Canceled and
// context.DeadlineExceeded errors, returning true so the
// caller stops processing. It does NOT write an HTTP
// response; the withTimeout middleware handles that via
// http.TimeoutHandler (503). Writing here would race with
// the middleware's buffered response.
func handleContextError(_ http.ResponseWriter, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
