package decisra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AssistantState is a phase of the assistant connection lifecycle.
type AssistantState string

const (
	AssistantIdle         AssistantState = "idle"
	AssistantPreflighting AssistantState = "preflighting"
	AssistantConnecting   AssistantState = "connecting"
	AssistantConnected    AssistantState = "connected"
	AssistantDisabled     AssistantState = "disabled"
	AssistantError        AssistantState = "error"
)

const maxAssistantAttempts = 5

// AssistantMessage is one entry in the conversation transcript.
type AssistantMessage struct {
	ID    string
	Role  string
	Text  string
	Final bool
}

// AssistantOption configures an AssistantSession.
type AssistantOption func(*AssistantSession)

// WithAssistantBearer authenticates the preflight with the host token.
func WithAssistantBearer(token string) AssistantOption {
	return func(a *AssistantSession) { a.bearer = token }
}

// WithAssistantRequestID authenticates the preflight with an admitted
// join request id, for non-host viewers.
func WithAssistantRequestID(id string) AssistantOption {
	return func(a *AssistantSession) { a.requestID = id }
}

// WithAssistantRole sets the role query parameter on the stream dial.
func WithAssistantRole(role Role) AssistantOption {
	return func(a *AssistantSession) { a.role = role }
}

// WithAssistantScope primes the conversation with the session's scope
// and context. Injected once per connection, before any user turn.
func WithAssistantScope(scope, contextText string) AssistantOption {
	return func(a *AssistantSession) {
		a.scope = scope
		a.contextText = contextText
	}
}

// WithAssistantDialer overrides the websocket dialer.
func WithAssistantDialer(d *websocket.Dialer) AssistantOption {
	return func(a *AssistantSession) { a.dialer = d }
}

// WithAssistantOnState registers a state change callback.
func WithAssistantOnState(fn func(AssistantState)) AssistantOption {
	return func(a *AssistantSession) { a.onState = fn }
}

// WithAssistantOnMessage registers a transcript callback, invoked for
// every fragment append and every finalization.
func WithAssistantOnMessage(fn func(AssistantMessage)) AssistantOption {
	return func(a *AssistantSession) { a.onMessage = fn }
}

// WithAssistantOnQuota registers a quota change callback.
func WithAssistantOnQuota(fn func(QuotaState)) AssistantOption {
	return func(a *AssistantSession) { a.onQuota = fn }
}

// AssistantSession runs one viewer's quota-gated assistant connection:
// preflight the budget, dial the realtime socket, stream assistant
// output into a transcript, and account usage so a turn is charged
// exactly once and only when assistant output actually arrives.
type AssistantSession struct {
	client      *Client
	sessionID   string
	bearer      string
	requestID   string
	role        Role
	scope       string
	contextText string
	dialer      *websocket.Dialer
	onState     func(AssistantState)
	onMessage   func(AssistantMessage)
	onQuota     func(QuotaState)

	quota      *quotaCache
	newBackoff func() *backoff

	mu             sync.Mutex
	state          AssistantState
	disabledReason string
	lastErr        error
	conn           *websocket.Conn
	messages       []AssistantMessage
	pendingCharges int
	charged        map[string]bool
	streaming      map[string]int
	attempts       int
	closed         bool
	cancel         context.CancelFunc
	runCtx         context.Context

	writeMu sync.Mutex
}

// NewAssistantSession creates the session and hydrates quota state from
// the client's store. A persisted disabled reason makes the session
// start Disabled, so a reload cannot resurrect an exhausted budget;
// Connect re-preflights and recovers once the budget is back.
func NewAssistantSession(client *Client, sessionID string, opts ...AssistantOption) *AssistantSession {
	a := &AssistantSession{
		client:    client,
		sessionID: sessionID,
		role:      RoleParticipant,
		dialer:    websocket.DefaultDialer,
		state:     AssistantIdle,
		charged:   make(map[string]bool),
		streaming: make(map[string]int),
		quota:     newQuotaCache(client.store, sessionID, client.now),
	}
	a.newBackoff = newReconnectBackoff
	for _, opt := range opts {
		opt(a)
	}
	if state := a.quota.Read(); state != nil && state.DisabledReason != "" {
		a.state = AssistantDisabled
		a.disabledReason = state.DisabledReason
	}
	return a
}

// State returns the current lifecycle phase.
func (a *AssistantSession) State() AssistantState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// DisabledReason returns why the session is disabled, if it is.
func (a *AssistantSession) DisabledReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabledReason
}

// Err returns the last connection error.
func (a *AssistantSession) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Quota returns the current quota view, or nil if none is known yet.
func (a *AssistantSession) Quota() *QuotaState {
	return a.quota.Read()
}

// Messages returns a copy of the transcript.
func (a *AssistantSession) Messages() []AssistantMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AssistantMessage, len(a.messages))
	copy(out, a.messages)
	return out
}

func (a *AssistantSession) setState(state AssistantState) {
	a.mu.Lock()
	if a.state == state {
		a.mu.Unlock()
		return
	}
	a.state = state
	fn := a.onState
	a.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (a *AssistantSession) emitQuota() {
	if a.onQuota == nil {
		return
	}
	if state := a.quota.Read(); state != nil {
		a.onQuota(*state)
	}
}

type preflightResponse struct {
	StreamEndpoint string `json:"streamEndpoint"`
	StreamToken    string `json:"streamToken"`
	UsageCount     *int   `json:"usageCount"`
	UsageLimit     *int   `json:"usageLimit"`
	Remaining      *int   `json:"remaining"`
}

// Connect runs the preflight-dial-read loop in the background until the
// session is closed, disabled, or the reconnect budget is exhausted.
// Calling it again from Disabled or Error re-runs the preflight: a
// disabled session comes back only when the budget does, a parked one
// gets a fresh reconnect budget.
func (a *AssistantSession) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("assistant session closed")
	}
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	a.lastErr = nil
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runCtx = runCtx
	a.attempts = 0
	a.mu.Unlock()

	go a.run(runCtx)
	return nil
}

func (a *AssistantSession) run(ctx context.Context) {
	defer func() {
		a.mu.Lock()
		if a.runCtx == ctx {
			a.cancel = nil
			a.runCtx = nil
		}
		a.mu.Unlock()
	}()

	delays := a.newBackoff()
	for {
		err := a.connectOnce(ctx)

		a.mu.Lock()
		terminal := a.closed || a.state == AssistantDisabled
		a.attempts++
		attempts := a.attempts
		a.mu.Unlock()

		if ctx.Err() != nil || terminal {
			return
		}
		if attempts >= maxAssistantAttempts {
			a.mu.Lock()
			if err != nil {
				a.lastErr = err
			}
			a.mu.Unlock()
			a.setState(AssistantError)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delays.next()):
		}
	}
}

// connectOnce drives one full attempt: preflight, dial, read loop.
// Returns nil on a clean connection drop, an error otherwise.
func (a *AssistantSession) connectOnce(ctx context.Context) error {
	a.setState(AssistantPreflighting)

	preflight, err := a.preflight(ctx)
	if err != nil {
		if apiErrorStatus(err, http.StatusTooManyRequests) {
			a.disable("limit")
			return nil
		}
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		return err
	}

	// The preflight numbers are server-authoritative and may legally
	// lower the used counter.
	a.quota.Write(QuotaPatch{
		Remaining: preflight.Remaining,
		Used:      preflight.UsageCount,
		Limit:     preflight.UsageLimit,
		Snapshot:  true,
	})
	a.emitQuota()

	if preflight.Remaining != nil && *preflight.Remaining <= 0 {
		a.disable("limit")
		return nil
	}
	a.enable()

	a.setState(AssistantConnecting)

	endpoint := preflight.StreamEndpoint
	if endpoint == "" {
		endpoint = "/api/session/" + url.PathEscape(a.sessionID) + "/ai/stream"
	}
	wsURL, err := a.client.websocketURL(endpoint)
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("role", string(a.role))
	query.Set("token", preflight.StreamToken)
	wsURL += "?" + query.Encode()

	conn, resp, err := a.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return nil
	}
	a.conn = conn
	a.attempts = 0
	a.mu.Unlock()

	a.setState(AssistantConnected)
	a.primeScope()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return a.readLoop(conn)
}

func (a *AssistantSession) preflight(ctx context.Context) (*preflightResponse, error) {
	body := map[string]any{}
	if a.requestID != "" {
		body["requestId"] = a.requestID
	}
	var resp preflightResponse
	path := "/api/session/" + url.PathEscape(a.sessionID) + "/ai/connect"
	if err := a.client.doJSON(ctx, http.MethodPost, path, a.bearer, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// primeScope injects the session's scope and context as a system item
// so the model receives its boundaries before any user turn. The
// client never sends session.update; the server owns model config.
func (a *AssistantSession) primeScope() {
	if a.scope == "" && a.contextText == "" {
		return
	}
	text := a.scope
	if a.contextText != "" {
		if text != "" {
			text += "\n\n"
		}
		text += a.contextText
	}
	_ = a.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// SendTurn submits one user turn and asks for a text response. The
// turn is marked pending; the quota charge lands only when assistant
// output for it actually arrives.
func (a *AssistantSession) SendTurn(text string) error {
	a.mu.Lock()
	switch {
	case a.state == AssistantDisabled:
		a.mu.Unlock()
		return ErrAssistantDisabled
	case a.state != AssistantConnected || a.conn == nil:
		a.mu.Unlock()
		return ErrAssistantNotConnected
	}
	a.messages = append(a.messages, AssistantMessage{Role: "user", Text: text, Final: true})
	a.pendingCharges++
	fn := a.onMessage
	msg := a.messages[len(a.messages)-1]
	a.mu.Unlock()
	if fn != nil {
		fn(msg)
	}

	if err := a.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		a.refundPending()
		return err
	}
	if err := a.writeJSON(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities": []string{"text"},
		},
	}); err != nil {
		a.refundPending()
		return err
	}
	return nil
}

func (a *AssistantSession) writeJSON(v any) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrAssistantNotConnected
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(v)
}

type wsServerEvent struct {
	Type       string          `json:"type"`
	ResponseID string          `json:"response_id"`
	ItemID     string          `json:"item_id"`
	Delta      string          `json:"delta"`
	Text       string          `json:"text"`
	Message    string          `json:"message"`
	Remaining  *int            `json:"remaining"`
	Used       *int            `json:"used"`
	Limit      *int            `json:"limit"`
	Error      *wsServerError  `json:"error"`
	Response   json.RawMessage `json:"response"`
}

type wsServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *AssistantSession) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			if a.conn == conn {
				a.conn = nil
			}
			closed := a.closed
			a.mu.Unlock()
			if closed || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		var event wsServerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		a.handleServerEvent(event)

		a.mu.Lock()
		disabled := a.state == AssistantDisabled
		a.mu.Unlock()
		if disabled {
			conn.Close()
			return nil
		}
	}
}

func (a *AssistantSession) handleServerEvent(event wsServerEvent) {
	switch event.Type {
	case "response.output_text.delta", "response.text.delta":
		a.appendFragment(event.ResponseID, event.Delta)

	case "response.output_text.done":
		a.finalizeResponse(event.ResponseID, event.Text)

	case "response.done":
		a.finalizeResponse(event.ResponseID, extractResponseText(event.Response))

	case "quota.update":
		a.quota.Write(QuotaPatch{
			Remaining: event.Remaining,
			Used:      event.Used,
			Limit:     event.Limit,
			Snapshot:  true,
		})
		a.emitQuota()

	case "scope.violation":
		// The turn was rejected before producing output, so the
		// pending charge is released, never committed.
		a.refundPending()
		a.appendNotice(event.Message)

	case "limit.reached":
		a.disable("limit")

	case "error":
		reason := "error"
		if event.Error != nil && event.Error.Code == "insufficient_quota" {
			reason = "limit"
		}
		a.mu.Lock()
		if event.Error != nil {
			a.lastErr = errors.New(event.Error.Message)
		}
		a.mu.Unlock()
		a.disable(reason)
	}
}

// appendFragment streams a delta into the in-progress assistant
// message for its response, creating it and committing the turn's
// charge on the first fragment.
func (a *AssistantSession) appendFragment(responseID, delta string) {
	if delta == "" {
		return
	}
	a.chargeOnce(responseID)

	a.mu.Lock()
	idx, ok := a.streaming[responseID]
	if !ok {
		a.messages = append(a.messages, AssistantMessage{ID: responseID, Role: "assistant"})
		idx = len(a.messages) - 1
		a.streaming[responseID] = idx
	}
	a.messages[idx].Text += delta
	msg := a.messages[idx]
	fn := a.onMessage
	a.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// finalizeResponse marks the response's message final. When fragments
// already streamed in, the final text is redundant and ignored; a
// final-only response contributes its text and its charge here.
func (a *AssistantSession) finalizeResponse(responseID, text string) {
	a.mu.Lock()
	idx, streamed := a.streaming[responseID]
	a.mu.Unlock()

	if !streamed {
		if text == "" {
			return
		}
		a.chargeOnce(responseID)
		a.mu.Lock()
		a.messages = append(a.messages, AssistantMessage{ID: responseID, Role: "assistant", Text: text, Final: true})
		msg := a.messages[len(a.messages)-1]
		fn := a.onMessage
		a.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
		return
	}

	a.mu.Lock()
	a.messages[idx].Final = true
	delete(a.streaming, responseID)
	msg := a.messages[idx]
	fn := a.onMessage
	a.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func extractResponseText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var resp struct {
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	var text string
	for _, item := range resp.Output {
		for _, part := range item.Content {
			if part.Type == "text" || part.Type == "output_text" {
				text += part.Text
			}
		}
	}
	return text
}

// chargeOnce commits the quota charge for a response id exactly once.
func (a *AssistantSession) chargeOnce(responseID string) {
	a.mu.Lock()
	if a.charged[responseID] {
		a.mu.Unlock()
		return
	}
	a.charged[responseID] = true
	if a.pendingCharges > 0 {
		a.pendingCharges--
	}
	a.mu.Unlock()

	state := a.quota.Read()
	patch := QuotaPatch{}
	one := 1
	if state != nil && state.Used != nil {
		used := *state.Used + 1
		patch.Used = &used
	} else {
		patch.Used = &one
	}
	if state != nil && state.Remaining != nil {
		remaining := *state.Remaining - 1
		if remaining < 0 {
			remaining = 0
		}
		patch.Remaining = &remaining
	}
	a.quota.Write(patch)
	a.emitQuota()
}

func (a *AssistantSession) refundPending() {
	a.mu.Lock()
	if a.pendingCharges > 0 {
		a.pendingCharges--
	}
	a.mu.Unlock()
}

func (a *AssistantSession) appendNotice(text string) {
	if text == "" {
		text = "That question is outside the scope of this session."
	}
	a.mu.Lock()
	a.messages = append(a.messages, AssistantMessage{Role: "system", Text: text, Final: true})
	msg := a.messages[len(a.messages)-1]
	fn := a.onMessage
	a.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// enable clears a persisted disabled reason once a preflight reports
// budget again.
func (a *AssistantSession) enable() {
	a.mu.Lock()
	if a.disabledReason == "" {
		a.mu.Unlock()
		return
	}
	a.disabledReason = ""
	a.mu.Unlock()

	a.quota.Write(QuotaPatch{DisabledReason: strPtr("")})
	a.emitQuota()
}

// disable moves to the sticky Disabled state and persists the reason.
// Only a later Connect whose preflight reports budget clears it.
func (a *AssistantSession) disable(reason string) {
	a.mu.Lock()
	if a.state == AssistantDisabled {
		a.mu.Unlock()
		return
	}
	a.disabledReason = reason
	conn := a.conn
	a.conn = nil
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	a.quota.Write(QuotaPatch{DisabledReason: &reason})
	a.emitQuota()

	if conn != nil {
		conn.Close()
	}
	a.setState(AssistantDisabled)
	if cancel != nil {
		cancel()
	}
}

// Close tears the connection down. Idempotent. Quota state stays
// persisted for the next session object to hydrate from.
func (a *AssistantSession) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}
