package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/decisra/decisra-go/pkg/gateway/config"
	"github.com/decisra/decisra-go/pkg/gateway/hub"
)

type Sessions struct {
	Hub    *hub.Hub
	Config config.Config
	Logger *slog.Logger
}

type createSessionRequest struct {
	Type    string `json:"type"`
	Scope   string `json:"scope"`
	Context string `json:"context"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Scope     string `json:"scope,omitempty"`
	Context   string `json:"context,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

func sessionPayload(s hub.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		Type:      string(s.Type),
		Scope:     s.Scope,
		Context:   s.Context,
		ExpiresAt: s.ExpiresAt.UnixMilli(),
	}
}

// Create registers a session and returns the host token. The token is
// returned exactly once; the hub never exposes it again.
func (h Sessions) Create(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	typ := hub.SessionType(body.Type)
	if typ == "" {
		typ = hub.SessionNormal
	}
	if typ != hub.SessionNormal && typ != hub.SessionVerdict {
		writeError(w, http.StatusBadRequest, "unknown session type")
		return
	}
	if typ == hub.SessionVerdict && body.Scope == "" {
		writeError(w, http.StatusBadRequest, "verdict sessions require a scope")
		return
	}

	session, hostToken := h.Hub.CreateSession(typ, body.Scope, body.Context,
		h.Config.RoomAddressPrefix+"pending", h.Config.SessionTTL)

	h.Logger.Info("session created", "session_id", session.ID, "type", session.Type)

	resp := struct {
		sessionResponse
		HostToken string `json:"hostToken"`
	}{sessionPayload(session), hostToken}
	writeJSON(w, http.StatusCreated, resp)
}

func (h Sessions) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.Hub.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (h Sessions) End(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.Hub.End(sessionID, bearer(r)); err != nil {
		writeHubError(w, err)
		return
	}
	h.Logger.Info("session ended", "session_id", sessionID)
	writeJSON(w, http.StatusOK, struct{}{})
}

// HostJoin bypasses the admission queue for the session host.
func (h Sessions) HostJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	role, roomAddress, streamToken, err := h.Hub.HostJoin(sessionID, bearer(r))
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"role":        role,
		"roomAddress": roomAddress,
		"streamToken": streamToken,
	})
}
