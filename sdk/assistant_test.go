package decisra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/decisra/decisra-go/pkg/kv"
)

func newAssistantBackend(t *testing.T, preflight http.HandlerFunc, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/sess_1/ai/connect", preflight)
	mux.HandleFunc("GET /api/session/sess_1/ai/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	})
	return httptest.NewServer(mux)
}

func okPreflight(remaining, used, limit int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w,
			`{"streamEndpoint":"/api/session/sess_1/ai/stream","streamToken":"tok_ai","remaining":%d,"usageCount":%d,"usageLimit":%d}`,
			remaining, used, limit)
	}
}

func waitAssistantState(t *testing.T, ch chan AssistantState, want AssistantState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-ch:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for assistant state %q", want)
		}
	}
}

func waitFinalAssistantMessage(t *testing.T, ch chan AssistantMessage) AssistantMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Role == "assistant" && msg.Final {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a final assistant message")
		}
	}
}

func TestAssistant_StreamedResponseChargedOnce(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, okPreflight(3, 0, 3), func(conn *websocket.Conn) {
		defer conn.Close()
		// conversation.item.create, then response.create.
		var item, create map[string]any
		if err := conn.ReadJSON(&item); err != nil {
			return
		}
		if err := conn.ReadJSON(&create); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "response.output_text.delta", "response_id": "r1", "delta": "Hel"})
		_ = conn.WriteJSON(map[string]any{"type": "response.output_text.delta", "response_id": "r1", "delta": "lo"})
		// The final text repeats the streamed fragments and must not
		// be double-counted in the transcript.
		_ = conn.WriteJSON(map[string]any{"type": "response.output_text.done", "response_id": "r1", "text": "Hello"})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	states := make(chan AssistantState, 16)
	messages := make(chan AssistantMessage, 32)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
		WithAssistantOnMessage(func(m AssistantMessage) { messages <- m }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)

	if err := session.SendTurn("what is the verdict?"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	final := waitFinalAssistantMessage(t, messages)
	if final.Text != "Hello" {
		t.Fatalf("final text=%q, want Hello", final.Text)
	}

	transcript := session.Messages()
	if len(transcript) != 2 {
		t.Fatalf("transcript=%d messages, want user turn plus one assistant message", len(transcript))
	}
	if transcript[1].Text != "Hello" || !transcript[1].Final {
		t.Fatalf("assistant message=%+v", transcript[1])
	}

	quota := session.Quota()
	if quota == nil || quota.Used == nil || *quota.Used != 1 {
		t.Fatalf("quota=%+v, want used 1 after one answered turn", quota)
	}
	if *quota.Remaining != 2 {
		t.Fatalf("remaining=%d, want 2", *quota.Remaining)
	}

	session.mu.Lock()
	pending := session.pendingCharges
	session.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pendingCharges=%d, want 0 after the charge committed", pending)
	}
}

func TestAssistant_FinalOnlyResponseCharges(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, okPreflight(2, 1, 3), func(conn *websocket.Conn) {
		defer conn.Close()
		var item, create map[string]any
		if conn.ReadJSON(&item) != nil || conn.ReadJSON(&create) != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "response.output_text.done", "response_id": "r2", "text": "Denied."})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	states := make(chan AssistantState, 16)
	messages := make(chan AssistantMessage, 32)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantBearer("host-secret"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
		WithAssistantOnMessage(func(m AssistantMessage) { messages <- m }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)
	if err := session.SendTurn("ruling?"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	final := waitFinalAssistantMessage(t, messages)
	if final.Text != "Denied." {
		t.Fatalf("final=%q", final.Text)
	}
	quota := session.Quota()
	if *quota.Used != 2 || *quota.Remaining != 1 {
		t.Fatalf("quota=%+v, want used 2 remaining 1", quota)
	}
}

func TestAssistant_ScopeViolationRefundsPendingCharge(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, okPreflight(3, 0, 3), func(conn *websocket.Conn) {
		defer conn.Close()
		var item, create map[string]any
		if conn.ReadJSON(&item) != nil || conn.ReadJSON(&create) != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "scope.violation", "message": "Out of scope for this session."})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	states := make(chan AssistantState, 16)
	messages := make(chan AssistantMessage, 32)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
		WithAssistantOnMessage(func(m AssistantMessage) { messages <- m }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)
	if err := session.SendTurn("unrelated question"); err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		var notice AssistantMessage
		select {
		case notice = <-messages:
		case <-deadline:
			t.Fatalf("timed out waiting for the scope notice")
		}
		if notice.Role == "system" {
			if notice.Text != "Out of scope for this session." {
				t.Fatalf("notice=%q", notice.Text)
			}
			break
		}
	}

	quota := session.Quota()
	if quota.Used == nil || *quota.Used != 0 {
		t.Fatalf("quota=%+v, a rejected turn must not be charged", quota)
	}
	session.mu.Lock()
	pending := session.pendingCharges
	session.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pendingCharges=%d, want refunded to 0", pending)
	}
}

func TestAssistant_LimitReachedDisablesSticky(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, okPreflight(1, 2, 3), func(conn *websocket.Conn) {
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"type": "limit.reached"})
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	store := kv.NewMemory()
	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL), WithStore(store))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantDisabled)
	if session.DisabledReason() != "limit" {
		t.Fatalf("reason=%q, want limit", session.DisabledReason())
	}
	if err := session.SendTurn("one more"); !errors.Is(err, ErrAssistantDisabled) {
		t.Fatalf("err=%v, want ErrAssistantDisabled", err)
	}

	// The disabled state survives into a freshly hydrated session.
	fresh := NewAssistantSession(client, "sess_1", WithAssistantRequestID("req_1"))
	defer fresh.Close()
	if fresh.State() != AssistantDisabled {
		t.Fatalf("fresh state=%q, want disabled from persisted reason", fresh.State())
	}
	if err := fresh.SendTurn("still there?"); !errors.Is(err, ErrAssistantDisabled) {
		t.Fatalf("SendTurn err=%v, want ErrAssistantDisabled", err)
	}
}

func TestAssistant_ConnectRecoversAfterQuotaReplenished(t *testing.T) {
	t.Parallel()

	var spent atomic.Bool
	spent.Store(true)
	server := newAssistantBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if spent.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"quota exhausted"}`)
			return
		}
		okPreflight(3, 0, 3)(w, r)
	}, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	store := kv.NewMemory()
	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL), WithStore(store))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantDisabled)

	// The budget comes back server-side; a hydrated session must be able
	// to re-preflight its way out of the persisted disabled state.
	spent.Store(false)
	freshStates := make(chan AssistantState, 16)
	fresh := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { freshStates <- s }),
	)
	defer fresh.Close()
	if fresh.State() != AssistantDisabled {
		t.Fatalf("fresh state=%q, want disabled from persisted reason", fresh.State())
	}
	if err := fresh.Connect(context.Background()); err != nil {
		t.Fatalf("Connect from disabled: %v", err)
	}
	waitAssistantState(t, freshStates, AssistantConnected)
	if fresh.DisabledReason() != "" {
		t.Fatalf("reason=%q, want cleared after a healthy preflight", fresh.DisabledReason())
	}
	if quota := fresh.Quota(); quota == nil || quota.DisabledReason != "" {
		t.Fatalf("quota=%+v, want persisted reason cleared", quota)
	}
}

func TestAssistant_ConnectRetriesAfterErrorPark(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	server := newAssistantBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"boom"}`)
			return
		}
		okPreflight(3, 0, 3)(w, r)
	}, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	states := make(chan AssistantState, 32)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()
	session.newBackoff = func() *backoff {
		return &backoff{
			base:     time.Millisecond,
			max:      time.Millisecond,
			factor:   1,
			jitterFn: func(time.Duration) time.Duration { return 0 },
		}
	}

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantError)

	// The backend recovers; a second Connect must start a fresh run with
	// a fresh attempt budget instead of no-opping.
	healthy.Store(true)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after error park: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)
	if err := session.Err(); err != nil {
		t.Fatalf("lingering error=%v, want cleared by the retry", err)
	}
}

func TestAssistant_DialsPreflightEndpoint(t *testing.T) {
	t.Parallel()

	dialed := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/sess_1/ai/connect", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"streamEndpoint":"/realtime/sess_1","streamToken":"tok_ai","remaining":3,"usageCount":0,"usageLimit":3}`)
	})
	mux.HandleFunc("GET /realtime/sess_1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dialed <- struct{}{}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)
	select {
	case <-dialed:
	case <-time.After(5 * time.Second):
		t.Fatalf("the endpoint from the preflight response was never dialed")
	}
}

func TestAssistant_PreflightRateLimitedDisables(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"quota exhausted"}`)
	}, func(conn *websocket.Conn) { conn.Close() })
	defer server.Close()

	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantDisabled)
}

func TestAssistant_PreflightZeroRemainingDisables(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, okPreflight(0, 3, 3), func(conn *websocket.Conn) { conn.Close() })
	defer server.Close()

	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantDisabled)

	quota := session.Quota()
	if quota == nil || *quota.Remaining != 0 || quota.DisabledReason != "limit" {
		t.Fatalf("quota=%+v, want persisted zero remaining with limit reason", quota)
	}
}

func TestAssistant_SendTurnRequiresConnection(t *testing.T) {
	t.Parallel()

	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	session := NewAssistantSession(client, "sess_1")
	defer session.Close()

	if err := session.SendTurn("hello"); !errors.Is(err, ErrAssistantNotConnected) {
		t.Fatalf("err=%v, want ErrAssistantNotConnected", err)
	}
}

func TestAssistant_ReconnectCapSurfacesError(t *testing.T) {
	t.Parallel()

	server := newAssistantBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	}, func(conn *websocket.Conn) { conn.Close() })
	defer server.Close()

	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()
	session.newBackoff = func() *backoff {
		return &backoff{
			base:     time.Millisecond,
			max:      time.Millisecond,
			factor:   1,
			jitterFn: func(time.Duration) time.Duration { return 0 },
		}
	}

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantError)
	if session.Err() == nil {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestAssistant_ScopePrimedBeforeFirstTurn(t *testing.T) {
	t.Parallel()

	primed := make(chan map[string]any, 1)
	server := newAssistantBackend(t, okPreflight(3, 0, 3), func(conn *websocket.Conn) {
		defer conn.Close()
		var first map[string]any
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		primed <- first
		time.Sleep(200 * time.Millisecond)
	})
	defer server.Close()

	states := make(chan AssistantState, 16)
	client := NewClient(WithBaseURL(server.URL))
	session := NewAssistantSession(client, "sess_1",
		WithAssistantRequestID("req_1"),
		WithAssistantScope("Decide the refund dispute.", "Order #42, damaged on arrival."),
		WithAssistantOnState(func(s AssistantState) { states <- s }),
	)
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitAssistantState(t, states, AssistantConnected)

	select {
	case first := <-primed:
		if first["type"] != "conversation.item.create" {
			t.Fatalf("first message type=%v, want scope injection item", first["type"])
		}
		item, _ := first["item"].(map[string]any)
		if item == nil || item["role"] != "system" {
			t.Fatalf("item=%v, want system role", first["item"])
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("scope was never injected")
	}
}
