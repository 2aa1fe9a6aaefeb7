package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decisra/decisra-go/pkg/gateway/config"
	"github.com/decisra/decisra-go/pkg/gateway/hub"
)

// Reply is one assistant answer.
type Reply struct {
	Text       string
	OutOfScope bool
}

// Responder produces the assistant's answer for one prompt, given the
// session's decision scope and context. Out-of-scope prompts are
// reported, not answered, and cost the caller nothing.
type Responder interface {
	Respond(ctx context.Context, scope, contextText, prompt string) (Reply, error)
}

// ScopedEchoResponder is the built-in Responder: it answers with a
// templated acknowledgement and flags prompts that ask to go outside
// the scope. Deployments wire a real model behind the interface.
type ScopedEchoResponder struct{}

func (ScopedEchoResponder) Respond(_ context.Context, scope, _ string, prompt string) (Reply, error) {
	lower := strings.ToLower(prompt)
	if strings.Contains(lower, "off topic") || strings.Contains(lower, "unrelated") {
		return Reply{OutOfScope: true}, nil
	}
	if scope == "" {
		return Reply{Text: "Considering: " + prompt}, nil
	}
	return Reply{Text: fmt.Sprintf("Within the scope %q, considering: %s", scope, prompt)}, nil
}

type AI struct {
	Hub       *hub.Hub
	Config    config.Config
	Logger    *slog.Logger
	Responder Responder

	Upgrader websocket.Upgrader
}

type connectRequest struct {
	RequestID string `json:"requestId"`
}

// Connect is the quota preflight. It authenticates the caller, refuses
// a spent budget with 429, and mints the short-lived stream token.
func (h AI) Connect(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body connectRequest
	_ = decodeBody(r, &body)

	token, err := h.Hub.MintAIToken(sessionID, bearer(r), body.RequestID)
	if err != nil {
		writeHubError(w, err)
		return
	}
	used, remaining, limit, err := h.Hub.Quota(sessionID)
	if err != nil {
		writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamEndpoint": "/api/session/" + url.PathEscape(sessionID) + "/ai/stream",
		"streamToken":    token,
		"usageCount":     used,
		"usageLimit":     limit,
		"remaining":      remaining,
	})
}

type clientEvent struct {
	Type string `json:"type"`
	Item *struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

// Stream is the realtime assistant socket. The client creates
// conversation items and requests responses; the server streams text
// deltas back and charges the quota only when an answer is produced.
func (h AI) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.Hub.ValidateAIToken(sessionID, r.URL.Query().Get("token")) {
		writeError(w, http.StatusForbidden, "invalid stream token")
		return
	}
	session, err := h.Hub.Get(sessionID)
	if err != nil {
		writeHubError(w, err)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	hub.AssistantStreamsActive.Inc()
	defer hub.AssistantStreamsActive.Dec()

	responder := h.Responder
	if responder == nil {
		responder = ScopedEchoResponder{}
	}

	scope := session.Scope
	contextText := session.Context
	var pendingPrompt string

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event clientEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}

		switch event.Type {
		case "conversation.item.create":
			if event.Item == nil {
				continue
			}
			text := itemText(event)
			switch event.Item.Role {
			case "system":
				// Client-side scope priming augments, never replaces,
				// the session's own scope.
				if text != "" {
					contextText = contextText + "\n" + text
				}
			case "user":
				pendingPrompt = text
			}

		case "response.create":
			prompt := pendingPrompt
			pendingPrompt = ""
			h.respond(r.Context(), conn, sessionID, responder, scope, contextText, prompt)
		}
	}
}

func itemText(event clientEvent) string {
	var text string
	for _, part := range event.Item.Content {
		if part.Type == "input_text" || part.Type == "text" {
			text += part.Text
		}
	}
	return text
}

func (h AI) respond(ctx context.Context, conn *websocket.Conn, sessionID string, responder Responder, scope, contextText, prompt string) {
	reply, err := responder.Respond(ctx, scope, contextText, prompt)
	if err != nil {
		h.Logger.Error("responder failed", "session_id", sessionID, "error", err)
		_ = conn.WriteJSON(map[string]any{
			"type":  "error",
			"error": map[string]string{"code": "responder_error", "message": "assistant unavailable"},
		})
		return
	}

	if reply.OutOfScope {
		_ = conn.WriteJSON(map[string]any{
			"type":    "scope.violation",
			"message": "That question is outside the scope of this session.",
		})
		return
	}

	// The charge lands before any output so a mid-stream disconnect
	// cannot yield a free answered turn.
	remaining, err := h.Hub.UseTurn(sessionID)
	if err != nil {
		_ = conn.WriteJSON(map[string]any{"type": "limit.reached"})
		return
	}

	responseID := "resp_" + uuid.NewString()
	for _, chunk := range chunkText(reply.Text, 64) {
		if err := conn.WriteJSON(map[string]any{
			"type":        "response.output_text.delta",
			"response_id": responseID,
			"delta":       chunk,
		}); err != nil {
			return
		}
	}
	_ = conn.WriteJSON(map[string]any{
		"type":        "response.output_text.done",
		"response_id": responseID,
		"text":        reply.Text,
	})

	used, _, limit, _ := h.Hub.Quota(sessionID)
	_ = conn.WriteJSON(map[string]any{
		"type":      "quota.update",
		"used":      used,
		"remaining": remaining,
		"limit":     limit,
	})

	if remaining == 0 {
		_ = conn.WriteJSON(map[string]any{"type": "limit.reached"})
	}
}

func chunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	var out []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
