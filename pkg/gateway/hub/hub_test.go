package hub

import (
	"errors"
	"testing"
	"time"
)

func newTestHub(limit int) (*Hub, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := New(limit, WithClock(func() time.Time { return now }))
	return h, &now
}

func TestHub_SessionLifecycle(t *testing.T) {
	t.Parallel()

	h, now := newTestHub(5)
	created, hostToken := h.CreateSession(SessionVerdict, "billing", "order #42", "room://x", time.Hour)

	got, err := h.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != SessionVerdict || got.Scope != "billing" {
		t.Fatalf("session=%+v", got)
	}
	if !h.VerifyHost(created.ID, hostToken) {
		t.Fatalf("host token should verify")
	}
	if h.VerifyHost(created.ID, "wrong") {
		t.Fatalf("wrong token must not verify")
	}

	if err := h.End(created.ID, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("End with wrong token: %v", err)
	}
	if err := h.End(created.ID, hostToken); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := h.Get(created.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Get after end: %v", err)
	}
	// Idempotent.
	if err := h.End(created.ID, hostToken); err != nil {
		t.Fatalf("second End: %v", err)
	}
	_ = now
}

func TestHub_ExpiryReportsEnded(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := New(5, WithClock(func() time.Time { return now }))
	created, _ := h.CreateSession(SessionNormal, "", "", "room://x", time.Minute)

	now = now.Add(2 * time.Minute)
	if _, err := h.Get(created.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Get after expiry: %v", err)
	}
	if n := h.Sweep(); n != 1 {
		t.Fatalf("Sweep=%d, want 1", n)
	}
}

func TestHub_AdmissionFlow(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(5)
	created, hostToken := h.CreateSession(SessionVerdict, "s", "c", "room://x", time.Hour)

	hostCh, cancelHost, err := h.WatchRequests(created.ID, hostToken)
	if err != nil {
		t.Fatalf("WatchRequests: %v", err)
	}
	defer cancelHost()

	initial := <-hostCh
	if initial.Name != "requests" || len(initial.Data.([]JoinRequest)) != 0 {
		t.Fatalf("initial=%+v, want empty list", initial)
	}

	req, err := h.SubmitRequest(created.ID, "participant", "Ada")
	if err != nil {
		t.Fatalf("SubmitRequest: %v", err)
	}
	update := <-hostCh
	list := update.Data.([]JoinRequest)
	if len(list) != 1 || list[0].ID != req.ID || list[0].DisplayName != "Ada" {
		t.Fatalf("list=%+v", list)
	}
	if list[0].CreatedAt.IsZero() {
		t.Fatalf("request is missing its arrival time")
	}

	watchCh, cancelWatch, err := h.WatchRequest(created.ID, req.ID)
	if err != nil {
		t.Fatalf("WatchRequest: %v", err)
	}
	defer cancelWatch()
	first := <-watchCh
	if first.Data.(map[string]any)["status"] != "pending" {
		t.Fatalf("first=%+v", first)
	}

	resolved, err := h.Decide(created.ID, hostToken, req.ID, true)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.Status != StatusAdmitted || resolved.Role != "participant" || resolved.StreamToken == "" {
		t.Fatalf("resolved=%+v", resolved)
	}

	status := <-watchCh
	payload := status.Data.(map[string]any)
	if payload["status"] != "admitted" || payload["roomAddress"] != "room://x" {
		t.Fatalf("payload=%+v", payload)
	}

	// The host list drops the resolved entry.
	afterDecision := <-hostCh
	if len(afterDecision.Data.([]JoinRequest)) != 0 {
		t.Fatalf("list=%+v, want empty after decision", afterDecision.Data)
	}

	if _, err := h.Decide(created.ID, hostToken, req.ID, false); !errors.Is(err, ErrResolved) {
		t.Fatalf("second decision: %v, want ErrResolved", err)
	}
}

func TestHub_EndNotifiesAllSubscribers(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(5)
	created, hostToken := h.CreateSession(SessionVerdict, "s", "c", "room://x", time.Hour)
	req, _ := h.SubmitRequest(created.ID, "observer", "")

	hostCh, cancelHost, _ := h.WatchRequests(created.ID, hostToken)
	defer cancelHost()
	watchCh, cancelWatch, _ := h.WatchRequest(created.ID, req.ID)
	defer cancelWatch()
	<-hostCh
	<-watchCh

	if err := h.End(created.ID, hostToken); err != nil {
		t.Fatalf("End: %v", err)
	}
	if e := <-hostCh; e.Name != "ended" {
		t.Fatalf("host event=%+v", e)
	}
	if e := <-watchCh; e.Name != "ended" {
		t.Fatalf("watch event=%+v", e)
	}
}

func TestHub_HostJoinAlwaysHost(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(5)
	created, hostToken := h.CreateSession(SessionVerdict, "s", "c", "room://x", time.Hour)

	role, room, token, err := h.HostJoin(created.ID, hostToken)
	if err != nil {
		t.Fatalf("HostJoin: %v", err)
	}
	if role != "host" || room != "room://x" || token == "" {
		t.Fatalf("role=%q room=%q token=%q", role, room, token)
	}
	if _, _, _, err := h.HostJoin(created.ID, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("HostJoin wrong token: %v", err)
	}
}

func TestHub_QuotaAndTokens(t *testing.T) {
	t.Parallel()

	h, _ := newTestHub(2)
	created, hostToken := h.CreateSession(SessionVerdict, "s", "c", "room://x", time.Hour)

	token, err := h.MintAIToken(created.ID, hostToken, "")
	if err != nil {
		t.Fatalf("MintAIToken: %v", err)
	}
	if !h.ValidateAIToken(created.ID, token) {
		t.Fatalf("token should validate")
	}
	if h.ValidateAIToken(created.ID, "ai_bogus") {
		t.Fatalf("bogus token must not validate")
	}

	// Guests need an admitted request.
	if _, err := h.MintAIToken(created.ID, "", "req_missing"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("mint without auth: %v", err)
	}
	req, _ := h.SubmitRequest(created.ID, "participant", "")
	if _, err := h.MintAIToken(created.ID, "", req.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("mint with pending request: %v", err)
	}
	if _, err := h.Decide(created.ID, hostToken, req.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := h.MintAIToken(created.ID, "", req.ID); err != nil {
		t.Fatalf("mint with admitted request: %v", err)
	}

	if remaining, err := h.UseTurn(created.ID); err != nil || remaining != 1 {
		t.Fatalf("UseTurn: remaining=%d err=%v", remaining, err)
	}
	if remaining, err := h.UseTurn(created.ID); err != nil || remaining != 0 {
		t.Fatalf("UseTurn: remaining=%d err=%v", remaining, err)
	}
	if _, err := h.UseTurn(created.ID); !errors.Is(err, ErrQuota) {
		t.Fatalf("UseTurn over limit: %v", err)
	}
	if _, err := h.MintAIToken(created.ID, hostToken, ""); !errors.Is(err, ErrQuota) {
		t.Fatalf("mint with spent quota: %v", err)
	}

	used, remaining, limit, err := h.Quota(created.ID)
	if err != nil || used != 2 || remaining != 0 || limit != 2 {
		t.Fatalf("Quota=%d/%d/%d err=%v", used, remaining, limit, err)
	}
}
