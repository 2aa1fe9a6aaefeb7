// Package handlers implements the gateway's HTTP surface: session
// CRUD, the admission queue, the push streams and the assistant
// websocket.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decisra/decisra-go/pkg/gateway/hub"
)

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorEnvelope{Error: msg})
}

// writeHubError maps hub errors onto the wire statuses clients key off:
// 404 unknown, 410 ended, 429 spent quota.
func writeHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, hub.ErrEnded):
		writeError(w, http.StatusGone, "session ended")
	case errors.Is(err, hub.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, hub.ErrResolved):
		writeError(w, http.StatusConflict, "request already resolved")
	case errors.Is(err, hub.ErrQuota):
		writeError(w, http.StatusTooManyRequests, "assistant quota exhausted")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func bearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
