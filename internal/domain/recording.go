package domain

type RecordingState string

const (
	RecordingOff      RecordingState = "off"
	RecordingStarting RecordingState = "starting"
	RecordingOn       RecordingState = "on"
	RecordingStopping RecordingState = "stopping"
)

// Transitional reports whether a backend confirmation is awaited.
func (s RecordingState) Transitional() bool {
	return s == RecordingStarting || s == RecordingStopping
}

type RecordingAction string

const (
	RecordingStart RecordingAction = "start"
	RecordingStop  RecordingAction = "stop"
)

func ParseRecordingAction(s string) (RecordingAction, error) {
	switch a := RecordingAction(s); a {
	case RecordingStart, RecordingStop:
		return a, nil
	}
	return "", NewInvalidField("recording action must be start or stop")
}

// Recording is off with no authorizer, or carries exactly one host reference.
// Epoch increases on every request so late confirmations can be told apart.
type Recording struct {
	State  RecordingState `json:"state"`
	HostID ParticipantID  `json:"hostId,omitempty"`
	Handle string         `json:"-"`
	Epoch  uint64         `json:"-"`
}
