package sharing

import "termshare/pkg/frame"

// EventKind names a published notification.
type EventKind string

const (
	EventShareStarted     EventKind = "share-started"
	EventObserverJoined   EventKind = "observer-joined"
	EventObserverLeft     EventKind = "observer-left"
	EventControlRequested EventKind = "control-requested"
	EventControlGranted   EventKind = "control-granted"
	EventControlRevoked   EventKind = "control-revoked"
	EventShareStopped     EventKind = "share-stopped"
	EventOutput           EventKind = "output"
	EventMetadata         EventKind = "metadata"
)

// StopReason explains a share-stopped notification.
type StopReason string

const (
	StopHostStopped StopReason = "host-stopped"
	StopError       StopReason = "error"
	StopExpired     StopReason = "expired"
)

// Event is one notification published to the UI layer. Host-side
// events carry SessionID; observer-side events carry ShareCode.
type Event struct {
	Kind        EventKind
	SessionID   string
	ShareCode   string
	ObserverID  string
	DisplayName string
	Reason      StopReason
	Output      []byte
	Metadata    *frame.MetadataPayload
}

// Handler consumes published notifications. Handlers run on the
// share's own goroutines and must not block.
type Handler func(Event)
