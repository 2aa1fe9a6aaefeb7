package decisra

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/decisra/decisra-go/pkg/kv"
)

const quotaStateKey = "aiState"

// QuotaState is the persisted assistant usage snapshot for one session.
// Nil counters mean "unknown" (the backend has not reported them yet).
type QuotaState struct {
	Remaining      *int      `json:"remaining"`
	Used           *int      `json:"used"`
	Limit          *int      `json:"limit"`
	DisabledReason string    `json:"disabledReason,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// QuotaPatch is a partial update. Nil fields leave the current value
// unchanged. Snapshot marks the patch as a fresh server-reported value,
// which is the only way Used may decrease.
type QuotaPatch struct {
	Remaining      *int
	Used           *int
	Limit          *int
	DisabledReason *string
	Snapshot       bool
}

// quotaCache wraps the kv store with read-merge-write semantics for one
// session's QuotaState. Writers never blindly overwrite: each write
// merges over the last known value, falling back to the backing store
// when there is no in-memory value yet.
type quotaCache struct {
	store     kv.Store
	sessionID string
	now       func() time.Time

	mu   sync.Mutex
	last *QuotaState
}

func newQuotaCache(store kv.Store, sessionID string, now func() time.Time) *quotaCache {
	if now == nil {
		now = time.Now
	}
	return &quotaCache{store: store, sessionID: sessionID, now: now}
}

// Read returns the last known state, loading from the backing store on
// first use. Malformed cached JSON is treated as no cached state.
func (q *quotaCache) Read() *QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

func (q *quotaCache) readLocked() *QuotaState {
	if q.last != nil {
		copied := *q.last
		return &copied
	}
	raw, err := q.store.Get(kv.Key(q.sessionID, quotaStateKey))
	if err != nil {
		return nil
	}
	var state QuotaState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil
	}
	q.last = &state
	copied := state
	return &copied
}

// Write merges patch over the last known value, stamps UpdatedAt and
// persists the result. Used never decreases unless the patch is a fresh
// server snapshot.
func (q *quotaCache) Write(patch QuotaPatch) QuotaState {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := QuotaState{}
	if prev := q.readLocked(); prev != nil {
		next = *prev
	}

	if patch.Remaining != nil {
		v := *patch.Remaining
		next.Remaining = &v
	}
	if patch.Used != nil {
		decrease := next.Used != nil && *patch.Used < *next.Used
		if !decrease || patch.Snapshot {
			v := *patch.Used
			next.Used = &v
		}
	}
	if patch.Limit != nil {
		v := *patch.Limit
		next.Limit = &v
	}
	if patch.DisabledReason != nil {
		next.DisabledReason = *patch.DisabledReason
	}
	next.UpdatedAt = q.now()

	q.last = &next
	if raw, err := json.Marshal(next); err == nil {
		_ = q.store.Set(kv.Key(q.sessionID, quotaStateKey), raw)
	}
	return next
}

// Clear drops the cached state for this session.
func (q *quotaCache) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last = nil
	_ = q.store.Delete(kv.Key(q.sessionID, quotaStateKey))
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
