package domain

import (
	"encoding/json"
	"time"
)

// EnvelopeVersion is bumped on incompatible changes of the event contract.
const EnvelopeVersion = 1

type EventKind string

const (
	EventParticipantJoined       EventKind = "participant-joined"
	EventParticipantLeft         EventKind = "participant-left"
	EventParticipantReconnecting EventKind = "participant-reconnecting"
	EventParticipantReconnected  EventKind = "participant-reconnected"
	EventStatusChanged           EventKind = "status-changed"
	EventChatMessage             EventKind = "chat-message"
	EventWhiteboardOp            EventKind = "whiteboard-op"
	EventRecordingStateChanged   EventKind = "recording-state-changed"
	EventRecordingError          EventKind = "recording-error"
	EventHostChanged             EventKind = "host-changed"
	EventSettingsChanged         EventKind = "settings-changed"
	EventMeetingEnded            EventKind = "meeting-ended"
	EventReconnectSnapshot       EventKind = "reconnect-snapshot"
)

// Ordered reports whether events of this kind form the per-meeting
// append-only log and carry a sequence number.
func (k EventKind) Ordered() bool {
	return k == EventChatMessage || k == EventWhiteboardOp
}

// Event is the tagged envelope fanned out to room subscribers.
// Seq is zero for last-writer-wins kinds.
type Event struct {
	Kind      EventKind `json:"type"`
	MeetingID MeetingID `json:"meetingId"`
	Seq       uint64    `json:"seq,omitempty"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

type ParticipantRef struct {
	ParticipantID ParticipantID `json:"participantId"`
	Reason        string        `json:"reason,omitempty"`
}

type StatusChanged struct {
	ParticipantID ParticipantID `json:"participantId"`
	Field         StatusField   `json:"field"`
	Value         bool          `json:"value"`
}

type ChatMessage struct {
	ParticipantID ParticipantID `json:"participantId"`
	Name          string        `json:"name"`
	Text          string        `json:"text"`
}

type WhiteboardOp struct {
	ParticipantID ParticipantID   `json:"participantId"`
	Op            json.RawMessage `json:"op"`
}

type RecordingChanged struct {
	State  RecordingState `json:"state"`
	HostID ParticipantID  `json:"hostId,omitempty"`
}

type RecordingFailed struct {
	Action RecordingAction `json:"action"`
	Reason string          `json:"reason"`
	State  RecordingState  `json:"state"`
}

type HostChanged struct {
	From ParticipantID `json:"from"`
	To   ParticipantID `json:"to"`
}

type SettingsChanged struct {
	Settings Settings `json:"settings"`
}

type EndReason struct {
	Reason string `json:"reason"`
}

type Snapshot struct {
	Meeting MeetingView `json:"meeting"`
	LastSeq uint64      `json:"lastSeq"`
}
