package decisra

import "context"

// CallEventKind classifies events from the call backend.
type CallEventKind string

const (
	CallParticipantJoined  CallEventKind = "participant-joined"
	CallParticipantUpdated CallEventKind = "participant-updated"
	CallParticipantLeft    CallEventKind = "participant-left"
	CallTrackStarted       CallEventKind = "track-started"
	CallTrackStopped       CallEventKind = "track-stopped"
	CallAppMessage         CallEventKind = "app-message"
	CallLeftMeeting        CallEventKind = "left-meeting"
)

// CallEvent is an event surfaced by the call backend.
type CallEvent struct {
	Kind CallEventKind
	// ParticipantID and Name are set for roster and track events.
	ParticipantID string
	Name          string
	// Data carries the payload of app-message events.
	Data []byte
}

// CallBackend is the audio/video transport adapter. The engine only
// consumes its events and never duplicates its internal reconnection
// logic. Destroy must be idempotent: destroying a handle that is
// already gone is a no-op, not an error.
type CallBackend interface {
	Join(ctx context.Context, creds CallCredentials) error
	Leave(ctx context.Context) error
	SetMuted(muted bool) error
	SendAppMessage(data []byte) error
	Events() <-chan CallEvent
	Destroy() error
}

// NopCallBackend is a CallBackend for headless consumers and tests.
type NopCallBackend struct{}

func (NopCallBackend) Join(context.Context, CallCredentials) error { return nil }
func (NopCallBackend) Leave(context.Context) error                 { return nil }
func (NopCallBackend) SetMuted(bool) error                         { return nil }
func (NopCallBackend) SendAppMessage([]byte) error                 { return nil }
func (NopCallBackend) Events() <-chan CallEvent                    { return nil }
func (NopCallBackend) Destroy() error                              { return nil }
