// Package httpx holds the JSON response helpers shared by the API handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
)

const maxBodyBytes = 1 << 20

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteErr(w http.ResponseWriter, code int, msg string) {
	WriteJSON(w, code, map[string]any{"error": msg})
}

// kindRecorder is implemented by access-log writers that want the apperr kind
// of an error response.
type kindRecorder interface {
	RecordErrorKind(kind string)
}

func recordKind(w http.ResponseWriter, kind apperr.Kind) {
	for w != nil {
		if kr, ok := w.(kindRecorder); ok {
			kr.RecordErrorKind(string(kind))
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

// WriteError renders err using its apperr kind. Internal causes are logged,
// never sent to the client.
func WriteError(w http.ResponseWriter, logger *log.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	recordKind(w, kind)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Printf("[api] %s: %v", kind, err)
	}
	WriteJSON(w, status, map[string]any{
		"error": apperr.Message(err),
		"kind":  kind,
	})
}

// DecodeJSON reads one JSON object from the request body into out.
func DecodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, "invalid json", err)
	}
	return nil
}

// MethodNotAllowed answers 405 with the Allow header set.
func MethodNotAllowed(w http.ResponseWriter, allow ...string) {
	for _, m := range allow {
		w.Header().Add("Allow", m)
	}
	WriteErr(w, http.StatusMethodNotAllowed, "method not allowed")
}
