package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/decisra/decisra-go/pkg/gateway/config"
	"github.com/decisra/decisra-go/pkg/gateway/hub"
	"github.com/decisra/decisra-go/pkg/gateway/sse"
)

type Join struct {
	Hub    *hub.Hub
	Config config.Config
	Logger *slog.Logger
}

type submitRequestBody struct {
	RequestedRole string `json:"requestedRole"`
	DisplayName   string `json:"displayName"`
}

// Submit files a join request for a guest viewer.
func (h Join) Submit(w http.ResponseWriter, r *http.Request) {
	var body submitRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	role := body.RequestedRole
	if role != "observer" {
		role = "participant"
	}

	req, err := h.Hub.SubmitRequest(chi.URLParam(r, "sessionID"), role, body.DisplayName)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"requestId": req.ID,
		"status":    string(req.Status),
	})
}

// Decide resolves one request as admitted or denied, keyed off the
// trailing path segment.
func (h Join) Decide(admit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := h.Hub.Decide(
			chi.URLParam(r, "sessionID"),
			bearer(r),
			chi.URLParam(r, "requestID"),
			admit,
		)
		if err != nil {
			writeHubError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

type requestListItem struct {
	RequestID     string `json:"requestId"`
	RequestedRole string `json:"requestedRole"`
	DisplayName   string `json:"displayName,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
}

// requestsEnvelope is the host stream's full-list frame.
type requestsEnvelope struct {
	SessionID string            `json:"sessionId"`
	Requests  []requestListItem `json:"requests"`
}

func listPayload(sessionID string, requests []hub.JoinRequest) requestsEnvelope {
	items := make([]requestListItem, 0, len(requests))
	for _, req := range requests {
		items = append(items, requestListItem{
			RequestID:     req.ID,
			RequestedRole: req.RequestedRole,
			DisplayName:   req.DisplayName,
			Status:        string(req.Status),
			CreatedAt:     req.CreatedAt.UnixMilli(),
		})
	}
	return requestsEnvelope{SessionID: sessionID, Requests: items}
}

// StreamRequests pushes the host's pending list. Every change sends
// the full list, so a dropped event cannot strand a phantom entry.
func (h Join) StreamRequests(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	events, cancel, err := h.Hub.WatchRequests(sessionID, bearer(r))
	if err != nil {
		writeHubError(w, err)
		return
	}
	defer cancel()
	h.serveStream(w, r, sessionID, events)
}

// StreamRequest pushes one requester's admission status.
func (h Join) StreamRequest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	events, cancel, err := h.Hub.WatchRequest(sessionID, chi.URLParam(r, "requestID"))
	if err != nil {
		writeHubError(w, err)
		return
	}
	defer cancel()
	h.serveStream(w, r, sessionID, events)
}

func (h Join) serveStream(w http.ResponseWriter, r *http.Request, sessionID string, events <-chan hub.Event) {
	writer, err := sse.New(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ping := time.NewTicker(h.Config.SSEPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := writer.Ping(); err != nil {
				return
			}
		case event := <-events:
			data := event.Data
			if requests, ok := data.([]hub.JoinRequest); ok {
				data = listPayload(sessionID, requests)
			}
			if err := writer.Send(event.Name, data); err != nil {
				return
			}
			if event.Name == "ended" {
				return
			}
		}
	}
}
