package decisra

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/decisra/decisra-go/pkg/kv"
)

// AdmissionState is a state of the join-admission machine.
type AdmissionState string

const (
	StateLoading        AdmissionState = "loading"
	StateHostFastPath   AdmissionState = "host_fast_path"
	StateGuestPreview   AdmissionState = "guest_preview"
	StateRequestPending AdmissionState = "request_pending"
	StateRequestDenied  AdmissionState = "request_denied"
	StateAdmitted       AdmissionState = "admitted"
	StateLive           AdmissionState = "live"
	StateEnded          AdmissionState = "ended"
	StateError          AdmissionState = "error"
)

// EndedReason distinguishes the terminal Ended variants.
type EndedReason string

const (
	// EndedBySession: the host or the expiry timer terminated it.
	EndedBySession EndedReason = "ended"
	// EndedLeft: the viewer voluntarily exited.
	EndedLeft EndedReason = "left"
	// EndedMissing: the session id did not resolve.
	EndedMissing EndedReason = "missing"
)

// Persisted key names, all namespaced by session id via kv.Key.
const (
	keyJoin          = "join"
	keyJoinRequest   = "joinRequest"
	keyExpiresAt     = "expiresAt"
	keyMustReRequest = "mustReRequest"
	keyHostToken     = "hostToken"
	keyDisplayName   = "displayName"
)

type joinRecord struct {
	AssignedRole  Role   `json:"assignedRole"`
	RoomAddress   string `json:"roomAddress"`
	StreamToken   string `json:"streamToken"`
	JoinRequestID string `json:"joinRequestId,omitempty"`
}

type joinStatusEvent struct {
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	Role        Role   `json:"role"`
	RoomAddress string `json:"roomAddress"`
	StreamToken string `json:"streamToken"`
}

// AdmissionSnapshot is an immutable view of the machine, delivered to
// the transition callback and returned by Snapshot.
type AdmissionSnapshot struct {
	State       AdmissionState
	EndedReason EndedReason
	Session     *Session
	RequestID   string
	Credentials *CallCredentials
	Err         error
}

// AdmissionOption configures an AdmissionFlow.
type AdmissionOption func(*AdmissionFlow)

// WithCallBackend sets the call transport adapter. Defaults to
// NopCallBackend for headless consumers.
func WithCallBackend(cb CallBackend) AdmissionOption {
	return func(f *AdmissionFlow) { f.call = cb }
}

// WithHostToken provides the host credential for this session,
// overriding any persisted one. Its presence is the sole signal that
// the viewer is the host.
func WithHostToken(token string) AdmissionOption {
	return func(f *AdmissionFlow) { f.hostToken = token }
}

// WithOnTransition registers a callback invoked synchronously after
// every state transition.
func WithOnTransition(fn func(AdmissionSnapshot)) AdmissionOption {
	return func(f *AdmissionFlow) { f.onTransition = fn }
}

// AdmissionFlow orchestrates one viewer's path into a live session:
// create-or-detect host identity, submit the join (or host fast path),
// watch admission status over a resilient stream, materialize call
// credentials and transition to Live.
type AdmissionFlow struct {
	client       *Client
	sessionID    string
	hostToken    string
	call         CallBackend
	onTransition func(AdmissionSnapshot)

	mu          sync.Mutex
	state       AdmissionState
	endedReason EndedReason
	session     *Session
	requestID   string
	creds       *CallCredentials
	displayName string
	lastErr     error

	submitInFlight bool
	closed         bool
	watchCancel    context.CancelFunc
	eventsCancel   context.CancelFunc
	expiryTimer    *time.Timer
}

// NewAdmissionFlow creates the machine for one session. Call Load to
// resolve the session and rediscover any persisted state.
func NewAdmissionFlow(client *Client, sessionID string, opts ...AdmissionOption) *AdmissionFlow {
	f := &AdmissionFlow{
		client:    client,
		sessionID: sessionID,
		call:      NopCallBackend{},
		state:     StateLoading,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.hostToken == "" {
		if raw, err := client.store.Get(kv.Key(sessionID, keyHostToken)); err == nil {
			f.hostToken = string(raw)
		}
	}
	return f
}

// IsHost reports whether a host credential is present for this session.
func (f *AdmissionFlow) IsHost() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hostToken != ""
}

// Snapshot returns the current state of the machine.
func (f *AdmissionFlow) Snapshot() AdmissionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// State returns the current state.
func (f *AdmissionFlow) State() AdmissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *AdmissionFlow) snapshotLocked() AdmissionSnapshot {
	snap := AdmissionSnapshot{
		State:       f.state,
		EndedReason: f.endedReason,
		RequestID:   f.requestID,
		Err:         f.lastErr,
	}
	if f.session != nil {
		copied := *f.session
		snap.Session = &copied
	}
	if f.creds != nil {
		copied := *f.creds
		snap.Credentials = &copied
	}
	return snap
}

func (f *AdmissionFlow) setStateLocked(state AdmissionState) AdmissionSnapshot {
	f.state = state
	return f.snapshotLocked()
}

func (f *AdmissionFlow) emit(snap AdmissionSnapshot) {
	if f.onTransition != nil {
		f.onTransition(snap)
	}
}

// Load resolves the session projection, rediscovers persisted admission
// state, and arms the expiry timer. An ended/missing session routes
// straight to the matching terminal state without error.
func (f *AdmissionFlow) Load(ctx context.Context) error {
	// A voluntary leave requires a brand-new request even if cached
	// credentials are still around.
	mustReRequest := f.readMarker(keyMustReRequest)
	if mustReRequest {
		f.clearJoinKeys()
	}

	// Re-arm the expiry timer from the persisted instant before the
	// fetch lands, so a reload cannot outlive the session.
	if raw, err := f.client.store.Get(kv.Key(f.sessionID, keyExpiresAt)); err == nil {
		if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil && ms > 0 {
			f.armExpiry(time.UnixMilli(ms))
		}
	}

	session, err := f.client.Sessions.Get(ctx, f.sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionEnded) {
			f.transitionEnded(EndedBySession)
			return nil
		}
		if errors.Is(err, ErrSessionMissing) {
			f.transitionEnded(EndedMissing)
			return nil
		}
		f.mu.Lock()
		f.lastErr = err
		snap := f.setStateLocked(StateError)
		f.mu.Unlock()
		f.emit(snap)
		return err
	}

	if !session.ExpiresAt.IsZero() {
		_ = f.client.store.Set(kv.Key(f.sessionID, keyExpiresAt),
			[]byte(strconv.FormatInt(session.ExpiresAt.UnixMilli(), 10)))
		f.armExpiry(session.ExpiresAt)
	}

	f.mu.Lock()
	if f.state == StateEnded {
		f.mu.Unlock()
		return nil
	}
	f.session = session
	if raw, err := f.client.store.Get(kv.Key(f.sessionID, keyDisplayName)); err == nil {
		f.displayName = string(raw)
	}

	var snap AdmissionSnapshot
	resumePending := false

	switch {
	case f.hostToken != "":
		snap = f.setStateLocked(StateHostFastPath)
	case !mustReRequest && f.restoreJoinRecordLocked():
		snap = f.setStateLocked(StateAdmitted)
	case !mustReRequest && f.restorePendingRequestLocked():
		snap = f.setStateLocked(StateRequestPending)
		resumePending = true
	default:
		snap = f.setStateLocked(StateGuestPreview)
	}
	f.mu.Unlock()
	f.emit(snap)

	if resumePending {
		f.watchRequest()
	}
	return nil
}

// restoreJoinRecordLocked rediscovers persisted call credentials.
func (f *AdmissionFlow) restoreJoinRecordLocked() bool {
	raw, err := f.client.store.Get(kv.Key(f.sessionID, keyJoin))
	if err != nil {
		return false
	}
	var record joinRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// Best-effort cache: malformed state is no state.
		_ = f.client.store.Delete(kv.Key(f.sessionID, keyJoin))
		return false
	}
	if record.RoomAddress == "" || record.StreamToken == "" {
		_ = f.client.store.Delete(kv.Key(f.sessionID, keyJoin))
		return false
	}
	f.creds = &CallCredentials{
		Role:        record.AssignedRole,
		RoomAddress: record.RoomAddress,
		Token:       record.StreamToken,
	}
	f.requestID = record.JoinRequestID
	return true
}

// restorePendingRequestLocked rediscovers an outstanding join request
// so a reload never invents a new one while one is pending.
func (f *AdmissionFlow) restorePendingRequestLocked() bool {
	raw, err := f.client.store.Get(kv.Key(f.sessionID, keyJoinRequest))
	if err != nil || len(raw) == 0 {
		return false
	}
	f.requestID = string(raw)
	return true
}

// Join submits the viewer into the session. With a host credential it
// bypasses the request queue and yields credentials directly, with the
// host role regardless of the requested one. As a guest it creates a
// join request and watches the admission status stream. A second call
// while one is unresolved returns ErrJoinInFlight.
func (f *AdmissionFlow) Join(ctx context.Context, requestedRole Role, displayName string) error {
	f.mu.Lock()
	if f.submitInFlight {
		f.mu.Unlock()
		return ErrJoinInFlight
	}
	switch f.state {
	case StateEnded, StateRequestPending, StateLive:
		f.mu.Unlock()
		return nil
	}
	f.submitInFlight = true
	isHost := f.hostToken != ""
	f.displayName = displayName
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.submitInFlight = false
		f.mu.Unlock()
	}()

	// Only a brand-new join attempt clears the re-request marker.
	_ = f.client.store.Delete(kv.Key(f.sessionID, keyMustReRequest))
	if displayName != "" {
		_ = f.client.store.Set(kv.Key(f.sessionID, keyDisplayName), []byte(displayName))
	}

	if isHost {
		return f.joinAsHost(ctx)
	}
	return f.requestToJoin(ctx, requestedRole, displayName)
}

func (f *AdmissionFlow) joinAsHost(ctx context.Context) error {
	var resp struct {
		Role        Role   `json:"role"`
		RoomAddress string `json:"roomAddress"`
		StreamToken string `json:"streamToken"`
	}
	path := "/api/session/" + url.PathEscape(f.sessionID) + "/join"
	if err := f.client.doJSON(ctx, http.MethodPost, path, f.hostToken, map[string]any{"role": RoleHost}, &resp); err != nil {
		return err
	}

	creds := CallCredentials{Role: RoleHost, RoomAddress: resp.RoomAddress, Token: resp.StreamToken}
	f.persistJoinRecord(joinRecord{AssignedRole: RoleHost, RoomAddress: creds.RoomAddress, StreamToken: creds.Token})

	f.mu.Lock()
	f.creds = &creds
	snap := f.setStateLocked(StateAdmitted)
	f.mu.Unlock()
	f.emit(snap)

	return f.GoLive(ctx)
}

func (f *AdmissionFlow) requestToJoin(ctx context.Context, requestedRole Role, displayName string) error {
	if requestedRole != RoleObserver {
		requestedRole = RoleParticipant
	}

	var resp struct {
		RequestID string `json:"requestId"`
		Status    string `json:"status"`
	}
	path := "/api/session/" + url.PathEscape(f.sessionID) + "/join-request"
	body := map[string]any{"requestedRole": requestedRole}
	if displayName != "" {
		body["displayName"] = displayName
	}
	if err := f.client.doJSON(ctx, http.MethodPost, path, "", body, &resp); err != nil {
		return err
	}

	_ = f.client.store.Set(kv.Key(f.sessionID, keyJoinRequest), []byte(resp.RequestID))

	f.mu.Lock()
	f.requestID = resp.RequestID
	snap := f.setStateLocked(StateRequestPending)
	f.mu.Unlock()
	f.emit(snap)

	f.watchRequest()
	return nil
}

// watchRequest opens the per-request status stream. The subscription
// reconnects on drops and is cancelled on any terminal transition.
func (f *AdmissionFlow) watchRequest() {
	f.mu.Lock()
	if f.closed || f.watchCancel != nil || f.requestID == "" {
		f.mu.Unlock()
		return
	}
	requestID := f.requestID
	ctx, cancel := context.WithCancel(context.Background())
	f.watchCancel = cancel
	f.mu.Unlock()

	streamURL := f.client.apiURL("/api/session/" + url.PathEscape(f.sessionID) +
		"/join-requests/" + url.PathEscape(requestID) + "/stream")

	go func() {
		err := f.client.Subscribe(ctx, streamURL, SubscribeOptions{
			OnEvent: f.handleStatusEvent,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			f.mu.Lock()
			f.lastErr = err
			snap := f.setStateLocked(StateError)
			f.mu.Unlock()
			f.emit(snap)
		}
	}()
}

func (f *AdmissionFlow) stopWatch() {
	f.mu.Lock()
	cancel := f.watchCancel
	f.watchCancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *AdmissionFlow) handleStatusEvent(event StreamEvent) {
	if event.Name == "ended" {
		f.transitionEnded(EndedBySession)
		return
	}
	if event.Name != "status" {
		return
	}

	var status joinStatusEvent
	if err := json.Unmarshal(event.Data, &status); err != nil {
		return
	}

	switch status.Status {
	case "pending":
		// Re-affirmation, nothing to do.
	case "denied":
		f.stopWatch()
		_ = f.client.store.Delete(kv.Key(f.sessionID, keyJoinRequest))
		f.mu.Lock()
		snap := f.setStateLocked(StateRequestDenied)
		f.mu.Unlock()
		f.emit(snap)
	case "admitted":
		f.stopWatch()
		creds := CallCredentials{Role: status.Role, RoomAddress: status.RoomAddress, Token: status.StreamToken}
		f.persistJoinRecord(joinRecord{
			AssignedRole:  status.Role,
			RoomAddress:   status.RoomAddress,
			StreamToken:   status.StreamToken,
			JoinRequestID: status.RequestID,
		})
		// Admission clears the must-re-request marker for good.
		_ = f.client.store.Delete(kv.Key(f.sessionID, keyMustReRequest))

		f.mu.Lock()
		f.creds = &creds
		snap := f.setStateLocked(StateAdmitted)
		f.mu.Unlock()
		f.emit(snap)
	}
}

func (f *AdmissionFlow) persistJoinRecord(record joinRecord) {
	if raw, err := json.Marshal(record); err == nil {
		_ = f.client.store.Set(kv.Key(f.sessionID, keyJoin), raw)
	}
}

// GoLive attaches the call backend using the admitted credentials and
// transitions to Live. Safe to call again after a failed attempt; the
// previous handle is destroyed first (idempotent).
func (f *AdmissionFlow) GoLive(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateEnded {
		f.mu.Unlock()
		return nil
	}
	if f.creds == nil {
		f.mu.Unlock()
		return errors.New("no call credentials; join first")
	}
	creds := *f.creds
	f.mu.Unlock()

	_ = f.call.Destroy()

	if err := f.call.Join(ctx, creds); err != nil {
		f.mu.Lock()
		f.lastErr = err
		f.mu.Unlock()
		_ = f.call.Destroy()
		return err
	}
	// Everyone enters muted to avoid an accidental hot mic.
	_ = f.call.SetMuted(true)

	f.mu.Lock()
	f.lastErr = nil
	snap := f.setStateLocked(StateLive)
	f.mu.Unlock()
	f.emit(snap)

	f.consumeCallEvents()
	return nil
}

// SetMuted toggles the local microphone. Observers can never unmute.
func (f *AdmissionFlow) SetMuted(muted bool) error {
	f.mu.Lock()
	role := RoleParticipant
	if f.creds != nil {
		role = f.creds.Role
	}
	f.mu.Unlock()
	if role == RoleObserver && !muted {
		return errors.New("observers cannot unmute")
	}
	return f.call.SetMuted(muted)
}

func (f *AdmissionFlow) consumeCallEvents() {
	f.mu.Lock()
	if f.eventsCancel != nil || f.closed {
		f.mu.Unlock()
		return
	}
	events := f.call.Events()
	if events == nil {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.eventsCancel = cancel
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				f.handleCallEvent(event)
			}
		}
	}()
}

type appMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

func (f *AdmissionFlow) handleCallEvent(event CallEvent) {
	switch event.Kind {
	case CallAppMessage:
		var msg appMessage
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			return
		}
		if msg.Type == "decisra:session-ended" || msg.Type == "decisra:session-ending" {
			f.transitionEnded(EndedBySession)
		}
	case CallLeftMeeting:
		// The backend kicked us (host ended the call); a voluntary
		// leave goes through Leave and never reaches here.
		f.mu.Lock()
		voluntary := f.state == StateEnded
		f.mu.Unlock()
		if !voluntary {
			f.transitionEnded(EndedBySession)
		}
	}
}

// armExpiry schedules the local end-of-session transition at the given
// instant. The client cannot assume the server will be reachable to
// deliver an end signal, so the timer fires even with no push.
func (f *AdmissionFlow) armExpiry(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.state == StateEnded {
		return
	}
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	f.expiryTimer = time.AfterFunc(delay, func() {
		f.transitionEnded(EndedBySession)
	})
}

// RequestAgain discards a denied join request so the viewer can submit
// a fresh one.
func (f *AdmissionFlow) RequestAgain() {
	f.clearJoinKeys()
	f.mu.Lock()
	if f.state != StateRequestDenied {
		f.mu.Unlock()
		return
	}
	f.requestID = ""
	snap := f.setStateLocked(StateGuestPreview)
	f.mu.Unlock()
	f.emit(snap)
}

// Leave exits voluntarily. A must-re-request marker is set first so
// stale credentials cannot be reused from history or pasted URLs.
func (f *AdmissionFlow) Leave(ctx context.Context) {
	_ = f.client.store.Set(kv.Key(f.sessionID, keyMustReRequest), []byte("1"))
	f.clearJoinKeys()

	f.stopWatch()
	_ = f.call.Leave(ctx)
	_ = f.call.Destroy()

	f.mu.Lock()
	f.endedReason = EndedLeft
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
	snap := f.setStateLocked(StateEnded)
	f.mu.Unlock()
	f.emit(snap)
}

// End terminates the session for everyone. Host only. Connected
// clients are notified over the call backend immediately so the end
// state appears without waiting for the push channels.
func (f *AdmissionFlow) End(ctx context.Context) error {
	f.mu.Lock()
	token := f.hostToken
	f.mu.Unlock()
	if token == "" {
		return errors.New("only the host can end the session")
	}

	if raw, err := json.Marshal(appMessage{Type: "decisra:session-ending", SessionID: f.sessionID}); err == nil {
		_ = f.call.SendAppMessage(raw)
	}

	if err := f.client.Sessions.End(ctx, f.sessionID, token); err != nil {
		return err
	}

	if raw, err := json.Marshal(appMessage{Type: "decisra:session-ended", SessionID: f.sessionID}); err == nil {
		_ = f.call.SendAppMessage(raw)
	}

	f.transitionEnded(EndedBySession)
	return nil
}

// transitionEnded moves to the terminal Ended state, tears everything
// down and clears all cached per-session keys.
func (f *AdmissionFlow) transitionEnded(reason EndedReason) {
	f.mu.Lock()
	if f.state == StateEnded {
		f.mu.Unlock()
		return
	}
	f.endedReason = reason
	isHost := f.hostToken != ""
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
	snap := f.setStateLocked(StateEnded)
	f.mu.Unlock()

	f.stopWatch()
	_ = f.call.Destroy()

	f.clearJoinKeys()
	_ = f.client.store.Delete(kv.Key(f.sessionID, keyExpiresAt))
	_ = f.client.store.Delete(kv.Key(f.sessionID, keyMustReRequest))
	if isHost {
		_ = f.client.store.Delete(kv.Key(f.sessionID, keyHostToken))
	}

	f.emit(snap)
}

func (f *AdmissionFlow) clearJoinKeys() {
	_ = f.client.store.Delete(kv.Key(f.sessionID, keyJoin))
	_ = f.client.store.Delete(kv.Key(f.sessionID, keyJoinRequest))
}

func (f *AdmissionFlow) readMarker(name string) bool {
	raw, err := f.client.store.Get(kv.Key(f.sessionID, name))
	return err == nil && string(raw) == "1"
}

// Close releases timers, subscriptions and the call handle. Idempotent.
func (f *AdmissionFlow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
	eventsCancel := f.eventsCancel
	f.eventsCancel = nil
	f.mu.Unlock()

	f.stopWatch()
	if eventsCancel != nil {
		eventsCancel()
	}
	_ = f.call.Destroy()
}
