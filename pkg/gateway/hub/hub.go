// Package hub holds the gateway's in-memory session state: sessions,
// their admission queues, push subscriptions and the per-session
// assistant turn quota.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrEnded        = errors.New("session ended")
	ErrUnauthorized = errors.New("not authorized")
	ErrResolved     = errors.New("request already resolved")
	ErrQuota        = errors.New("assistant quota exhausted")
)

type SessionType string

const (
	SessionNormal  SessionType = "normal"
	SessionVerdict SessionType = "verdict"
)

type Session struct {
	ID          string
	Type        SessionType
	Scope       string
	Context     string
	RoomAddress string
	ExpiresAt   time.Time
	Ended       bool
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAdmitted RequestStatus = "admitted"
	StatusDenied   RequestStatus = "denied"
)

type JoinRequest struct {
	ID            string
	SessionID     string
	RequestedRole string
	DisplayName   string
	Status        RequestStatus
	CreatedAt     time.Time
	// Set on admission.
	Role        string
	StreamToken string
}

// Event is one push notification delivered to a subscriber.
type Event struct {
	Name string
	Data any
}

type session struct {
	Session
	hostToken string

	requests map[string]*JoinRequest
	order    []string

	hostSubs    map[chan Event]struct{}
	requestSubs map[string]map[chan Event]struct{}

	aiUsed   int
	aiTokens map[string]struct{}
}

// Hub is safe for concurrent use. Subscription channels are buffered;
// a subscriber that stops draining loses events rather than blocking
// the hub.
type Hub struct {
	mu        sync.Mutex
	sessions  map[string]*session
	turnLimit int
	now       func() time.Time
}

type Option func(*Hub)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func New(turnLimit int, opts ...Option) *Hub {
	h := &Hub{
		sessions:  make(map[string]*session),
		turnLimit: turnLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateSession registers a session and mints its host token.
func (h *Hub) CreateSession(typ SessionType, scope, contextText, roomAddress string, ttl time.Duration) (Session, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &session{
		Session: Session{
			ID:          "sess_" + uuid.NewString(),
			Type:        typ,
			Scope:       scope,
			Context:     contextText,
			RoomAddress: roomAddress,
			ExpiresAt:   h.now().Add(ttl),
		},
		hostToken:   "host_" + randHex(16),
		requests:    make(map[string]*JoinRequest),
		hostSubs:    make(map[chan Event]struct{}),
		requestSubs: make(map[string]map[chan Event]struct{}),
		aiTokens:    make(map[string]struct{}),
	}
	h.sessions[s.ID] = s
	sessionsActive.Inc()
	return s.Session, s.hostToken
}

// Get returns the session projection. Ended and expired sessions both
// report ErrEnded; an unknown id reports ErrNotFound.
func (h *Hub) Get(sessionID string) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.liveLocked(sessionID)
	if err != nil {
		return Session{}, err
	}
	return s.Session, nil
}

func (h *Hub) liveLocked(sessionID string) (*session, error) {
	s, ok := h.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Ended || !s.ExpiresAt.After(h.now()) {
		return nil, ErrEnded
	}
	return s, nil
}

// VerifyHost reports whether the token is the session's host token.
func (h *Hub) VerifyHost(sessionID, token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	return ok && token != "" && s.hostToken == token
}

// End terminates the session and pushes the end signal to every
// subscriber. Ending twice is not an error.
func (h *Hub) End(sessionID, hostToken string) error {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return ErrNotFound
	}
	if s.hostToken != hostToken {
		h.mu.Unlock()
		return ErrUnauthorized
	}
	if s.Ended {
		h.mu.Unlock()
		return nil
	}
	s.Ended = true
	subs := collectSubsLocked(s)
	h.mu.Unlock()

	sessionsActive.Dec()
	for _, ch := range subs {
		push(ch, Event{Name: "ended", Data: map[string]string{"sessionId": sessionID}})
	}
	return nil
}

// Sweep ends every session whose expiry instant has passed, notifying
// subscribers the same way an explicit end does.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	now := h.now()
	var expired []*session
	for _, s := range h.sessions {
		if !s.Ended && !s.ExpiresAt.After(now) {
			s.Ended = true
			expired = append(expired, s)
		}
	}
	var subs []chan Event
	for _, s := range expired {
		subs = append(subs, collectSubsLocked(s)...)
	}
	h.mu.Unlock()

	for range expired {
		sessionsActive.Dec()
	}
	for _, ch := range subs {
		push(ch, Event{Name: "ended", Data: map[string]string{}})
	}
	return len(expired)
}

func collectSubsLocked(s *session) []chan Event {
	var subs []chan Event
	for ch := range s.hostSubs {
		subs = append(subs, ch)
	}
	for _, set := range s.requestSubs {
		for ch := range set {
			subs = append(subs, ch)
		}
	}
	return subs
}

// SubmitRequest files a pending join request and notifies the host.
func (h *Hub) SubmitRequest(sessionID, requestedRole, displayName string) (JoinRequest, error) {
	h.mu.Lock()
	s, err := h.liveLocked(sessionID)
	if err != nil {
		h.mu.Unlock()
		return JoinRequest{}, err
	}

	req := &JoinRequest{
		ID:            "req_" + uuid.NewString(),
		SessionID:     sessionID,
		RequestedRole: requestedRole,
		DisplayName:   displayName,
		Status:        StatusPending,
		CreatedAt:     h.now(),
	}
	s.requests[req.ID] = req
	s.order = append(s.order, req.ID)
	list := pendingLocked(s)
	subs := hostSubsLocked(s)
	h.mu.Unlock()

	joinRequestsTotal.WithLabelValues("submitted").Inc()
	broadcast(subs, Event{Name: "requests", Data: list})
	return *req, nil
}

// GetRequest returns one join request.
func (h *Hub) GetRequest(sessionID, requestID string) (JoinRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return JoinRequest{}, ErrNotFound
	}
	req, ok := s.requests[requestID]
	if !ok {
		return JoinRequest{}, ErrNotFound
	}
	return *req, nil
}

// Decide resolves a pending request. The decision is pushed to the
// requester's watchers and the host list is re-broadcast. Deciding an
// already resolved request returns ErrResolved.
func (h *Hub) Decide(sessionID, hostToken, requestID string, admit bool) (JoinRequest, error) {
	h.mu.Lock()
	s, err := h.liveLocked(sessionID)
	if err != nil {
		h.mu.Unlock()
		return JoinRequest{}, err
	}
	if s.hostToken != hostToken {
		h.mu.Unlock()
		return JoinRequest{}, ErrUnauthorized
	}
	req, ok := s.requests[requestID]
	if !ok {
		h.mu.Unlock()
		return JoinRequest{}, ErrNotFound
	}
	if req.Status != StatusPending {
		h.mu.Unlock()
		return JoinRequest{}, ErrResolved
	}

	if admit {
		req.Status = StatusAdmitted
		req.Role = req.RequestedRole
		req.StreamToken = "tok_" + randHex(16)
	} else {
		req.Status = StatusDenied
	}

	roomAddress := s.RoomAddress
	list := pendingLocked(s)
	hostSubs := hostSubsLocked(s)
	var watchers []chan Event
	for ch := range s.requestSubs[requestID] {
		watchers = append(watchers, ch)
	}
	resolved := *req
	h.mu.Unlock()

	if admit {
		joinRequestsTotal.WithLabelValues("admitted").Inc()
	} else {
		joinRequestsTotal.WithLabelValues("denied").Inc()
	}

	broadcast(watchers, Event{Name: "status", Data: statusPayload(resolved, roomAddress)})
	broadcast(hostSubs, Event{Name: "requests", Data: list})
	return resolved, nil
}

// HostJoin mints call credentials for the host directly, bypassing the
// queue. The assigned role is always host.
func (h *Hub) HostJoin(sessionID, hostToken string) (role, roomAddress, streamToken string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.liveLocked(sessionID)
	if err != nil {
		return "", "", "", err
	}
	if s.hostToken != hostToken {
		return "", "", "", ErrUnauthorized
	}
	return "host", s.RoomAddress, "tok_" + randHex(16), nil
}

// WatchRequests subscribes the host to pending-list changes. The
// current list is delivered immediately so a reconnect never misses
// state.
func (h *Hub) WatchRequests(sessionID, hostToken string) (<-chan Event, func(), error) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	if s.hostToken != hostToken {
		h.mu.Unlock()
		return nil, nil, ErrUnauthorized
	}

	ch := make(chan Event, 16)
	s.hostSubs[ch] = struct{}{}
	initial := Event{Name: "requests", Data: pendingLocked(s)}
	if s.Ended || !s.ExpiresAt.After(h.now()) {
		initial = Event{Name: "ended", Data: map[string]string{}}
	}
	h.mu.Unlock()

	push(ch, initial)
	cancel := func() {
		h.mu.Lock()
		delete(s.hostSubs, ch)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// WatchRequest subscribes one requester to their admission status. The
// current status is delivered immediately.
func (h *Hub) WatchRequest(sessionID, requestID string) (<-chan Event, func(), error) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	req, ok := s.requests[requestID]
	if !ok {
		h.mu.Unlock()
		return nil, nil, ErrNotFound
	}

	ch := make(chan Event, 16)
	set := s.requestSubs[requestID]
	if set == nil {
		set = make(map[chan Event]struct{})
		s.requestSubs[requestID] = set
	}
	set[ch] = struct{}{}

	initial := Event{Name: "status", Data: statusPayload(*req, s.RoomAddress)}
	if s.Ended || !s.ExpiresAt.After(h.now()) {
		initial = Event{Name: "ended", Data: map[string]string{}}
	}
	h.mu.Unlock()

	push(ch, initial)
	cancel := func() {
		h.mu.Lock()
		if set, ok := s.requestSubs[requestID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.requestSubs, requestID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// Quota returns the session's assistant usage.
func (h *Hub) Quota(sessionID string) (used, remaining, limit int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return 0, 0, 0, ErrNotFound
	}
	remaining = h.turnLimit - s.aiUsed
	if remaining < 0 {
		remaining = 0
	}
	return s.aiUsed, remaining, h.turnLimit, nil
}

// MintAIToken validates the caller (host token or admitted request id)
// and issues a short stream token, refusing when the quota is spent.
func (h *Hub) MintAIToken(sessionID, hostToken, requestID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.liveLocked(sessionID)
	if err != nil {
		return "", err
	}

	authorized := hostToken != "" && s.hostToken == hostToken
	if !authorized && requestID != "" {
		req, ok := s.requests[requestID]
		authorized = ok && req.Status == StatusAdmitted
	}
	if !authorized {
		return "", ErrUnauthorized
	}
	if s.aiUsed >= h.turnLimit {
		return "", ErrQuota
	}

	token := "ai_" + randHex(16)
	s.aiTokens[token] = struct{}{}
	return token, nil
}

// ValidateAIToken checks a stream token minted by MintAIToken.
func (h *Hub) ValidateAIToken(sessionID, token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok || token == "" {
		return false
	}
	_, ok = s.aiTokens[token]
	return ok
}

// UseTurn charges one assistant turn. Returns the remaining budget, or
// ErrQuota when none is left.
func (h *Hub) UseTurn(sessionID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, err := h.liveLocked(sessionID)
	if err != nil {
		return 0, err
	}
	if s.aiUsed >= h.turnLimit {
		return 0, ErrQuota
	}
	s.aiUsed++
	assistantTurnsTotal.Inc()
	return h.turnLimit - s.aiUsed, nil
}

func pendingLocked(s *session) []JoinRequest {
	out := make([]JoinRequest, 0, len(s.order))
	for _, id := range s.order {
		req := s.requests[id]
		if req.Status == StatusPending {
			out = append(out, *req)
		}
	}
	return out
}

func hostSubsLocked(s *session) []chan Event {
	subs := make([]chan Event, 0, len(s.hostSubs))
	for ch := range s.hostSubs {
		subs = append(subs, ch)
	}
	return subs
}

func statusPayload(req JoinRequest, roomAddress string) map[string]any {
	payload := map[string]any{
		"requestId": req.ID,
		"status":    string(req.Status),
	}
	if req.Status == StatusAdmitted {
		payload["role"] = req.Role
		payload["roomAddress"] = roomAddress
		payload["streamToken"] = req.StreamToken
	}
	return payload
}

func broadcast(subs []chan Event, event Event) {
	for _, ch := range subs {
		push(ch, event)
	}
}

func push(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
	}
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
