package decisra

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SessionType distinguishes free-form sessions from decision-scoped
// verdict sessions.
type SessionType string

const (
	SessionNormal  SessionType = "normal"
	SessionVerdict SessionType = "verdict"
)

// Role is a participant role within a session.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Session is the read-only projection of a live session. It is fetched
// once and never mutated by this client; end-of-life arrives via push
// signals or the expiry timer.
type Session struct {
	ID      string
	Type    SessionType
	Scope   string
	Context string
	// ExpiresAt is the absolute expiry instant, zero when the session
	// has no expiry.
	ExpiresAt time.Time
}

type sessionWire struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Context   string `json:"context"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (w sessionWire) toSession() (*Session, error) {
	id := w.ID
	if id == "" {
		id = w.SessionID
	}
	if id == "" {
		return nil, fmt.Errorf("invalid session payload: missing id")
	}
	typ := SessionType(w.Type)
	if typ != SessionNormal && typ != SessionVerdict {
		return nil, fmt.Errorf("invalid session payload: unknown type %q", w.Type)
	}
	s := &Session{
		ID:      id,
		Type:    typ,
		Scope:   w.Scope,
		Context: w.Context,
	}
	if w.ExpiresAt > 0 {
		s.ExpiresAt = time.UnixMilli(w.ExpiresAt)
	}
	return s, nil
}

// CallCredentials are the materialized credentials for the call
// backend, yielded by admission.
type CallCredentials struct {
	Role        Role
	RoomAddress string
	Token       string
}

// SessionsService reads session projections and performs the host-only
// end call.
type SessionsService struct {
	client *Client
}

// Get fetches the session projection. A 410 maps to ErrSessionEnded and
// a 404 to ErrSessionMissing; both are terminal states for the caller,
// not errors to retry.
func (s *SessionsService) Get(ctx context.Context, sessionID string) (*Session, error) {
	var wire sessionWire
	err := s.client.doJSON(ctx, http.MethodGet, "/api/session/"+url.PathEscape(sessionID), "", nil, &wire)
	if err != nil {
		if apiErrorStatus(err, http.StatusGone) {
			return nil, ErrSessionEnded
		}
		if apiErrorStatus(err, http.StatusNotFound) {
			return nil, ErrSessionMissing
		}
		return nil, err
	}
	return wire.toSession()
}

// End terminates the session for all viewers. Host only.
func (s *SessionsService) End(ctx context.Context, sessionID, hostToken string) error {
	path := "/api/session/" + url.PathEscape(sessionID) + "/end"
	return s.client.doJSON(ctx, http.MethodPost, path, hostToken, nil, nil)
}
