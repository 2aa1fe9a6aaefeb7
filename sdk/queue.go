package decisra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// JoinRequest is one pending admission request as seen by the host.
type JoinRequest struct {
	ID            string `json:"requestId"`
	RequestedRole Role   `json:"requestedRole"`
	DisplayName   string `json:"displayName,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// requestsEnvelope is the host stream's full-list payload.
type requestsEnvelope struct {
	SessionID string        `json:"sessionId"`
	Requests  []JoinRequest `json:"requests"`
}

// Label returns the name shown to the host. Requests without a display
// name get a stable per-role ordinal, assigned in list order.
func queueLabel(req JoinRequest, ordinal int) string {
	if req.DisplayName != "" {
		return req.DisplayName
	}
	switch req.RequestedRole {
	case RoleObserver:
		return fmt.Sprintf("Observer %d", ordinal)
	default:
		return fmt.Sprintf("Participant %d", ordinal)
	}
}

// QueueEntry pairs a request with its display label.
type QueueEntry struct {
	JoinRequest
	Label string
}

// HostQueue maintains the host's live view of pending join requests.
// The server pushes the full pending list on every change; the queue
// replaces its state wholesale, so a dropped event can never leave a
// phantom entry behind.
type HostQueue struct {
	client    *Client
	sessionID string
	hostToken string
	onChange  func([]QueueEntry)
	onEnded   func()

	mu      sync.Mutex
	entries []QueueEntry
	cancel  context.CancelFunc
	started bool
}

// QueueOption configures a HostQueue.
type QueueOption func(*HostQueue)

// WithQueueChange registers a callback delivered after every list
// replacement, with the entries already labelled.
func WithQueueChange(fn func([]QueueEntry)) QueueOption {
	return func(q *HostQueue) { q.onChange = fn }
}

// WithQueueEnded registers a callback for the session-end push.
func WithQueueEnded(fn func()) QueueOption {
	return func(q *HostQueue) { q.onEnded = fn }
}

// NewHostQueue creates the queue. Call Start to open the stream.
func NewHostQueue(client *Client, sessionID, hostToken string, opts ...QueueOption) *HostQueue {
	q := &HostQueue{client: client, sessionID: sessionID, hostToken: hostToken}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start opens the join-requests stream and keeps it alive until ctx is
// cancelled or Stop is called. Reconnects are handled underneath; each
// successful (re)connect delivers a fresh full list.
func (q *HostQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.started = true
	streamCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.mu.Unlock()

	streamURL := q.client.apiURL("/api/session/" + url.PathEscape(q.sessionID) + "/join-requests/stream")

	go func() {
		_ = q.client.Subscribe(streamCtx, streamURL, SubscribeOptions{
			Bearer:  q.hostToken,
			OnEvent: q.handleEvent,
		})
	}()
	return nil
}

// Stop tears down the stream. Idempotent.
func (q *HostQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (q *HostQueue) handleEvent(event StreamEvent) {
	switch event.Name {
	case "requests":
		var payload requestsEnvelope
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		q.replace(payload.Requests)
	case "ended":
		q.replace(nil)
		if q.onEnded != nil {
			q.onEnded()
		}
	}
}

// replace swaps the whole list and re-derives anonymous labels.
// Ordinals follow list order per role, so labels stay stable while the
// server keeps the list ordered by arrival.
func (q *HostQueue) replace(requests []JoinRequest) {
	entries := make([]QueueEntry, 0, len(requests))
	participants, observers := 0, 0
	for _, req := range requests {
		var ordinal int
		if req.RequestedRole == RoleObserver {
			observers++
			ordinal = observers
		} else {
			participants++
			ordinal = participants
		}
		entries = append(entries, QueueEntry{JoinRequest: req, Label: queueLabel(req, ordinal)})
	}

	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()

	if q.onChange != nil {
		q.onChange(entries)
	}
}

// Entries returns the current pending list.
func (q *HostQueue) Entries() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Admit approves a pending request. The entry is removed locally right
// away; the server's next full-list push reconciles any race. Admitting
// an already resolved request is not an error.
func (q *HostQueue) Admit(ctx context.Context, requestID string) error {
	return q.decide(ctx, requestID, "admit")
}

// Deny rejects a pending request. Idempotent like Admit.
func (q *HostQueue) Deny(ctx context.Context, requestID string) error {
	return q.decide(ctx, requestID, "deny")
}

func (q *HostQueue) decide(ctx context.Context, requestID, verb string) error {
	path := "/api/session/" + url.PathEscape(q.sessionID) +
		"/join-requests/" + url.PathEscape(requestID) + "/" + verb
	err := q.client.doJSON(ctx, http.MethodPost, path, q.hostToken, nil, nil)
	if err != nil && !apiErrorStatus(err, http.StatusConflict) && !apiErrorStatus(err, http.StatusNotFound) {
		return err
	}
	q.removeLocal(requestID)
	return nil
}

func (q *HostQueue) removeLocal(requestID string) {
	q.mu.Lock()
	kept := q.entries[:0]
	removed := false
	for _, entry := range q.entries {
		if entry.ID == requestID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	entries := make([]QueueEntry, len(kept))
	copy(entries, kept)
	q.mu.Unlock()

	if removed && q.onChange != nil {
		q.onChange(entries)
	}
}
