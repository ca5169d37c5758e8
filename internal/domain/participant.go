package domain

import (
	"sort"
	"time"
)

type ParticipantID string

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// ConnState is the presence of a participant as seen by the room.
type ConnState string

const (
	ConnConnected ConnState = "connected"
	ConnPending   ConnState = "disconnected-pending"
	ConnLeft      ConnState = "left"
)

// StatusField names one of the last-writer-wins flags a participant may toggle.
type StatusField string

const (
	FieldAudio       StatusField = "audio"
	FieldVideo       StatusField = "video"
	FieldScreenShare StatusField = "screenShare"
	FieldHandRaised  StatusField = "handRaised"
)

var statusFields = map[StatusField]struct{}{
	FieldAudio:       {},
	FieldVideo:       {},
	FieldScreenShare: {},
	FieldHandRaised:  {},
}

func ParseStatusField(s string) (StatusField, error) {
	f := StatusField(s)
	if _, ok := statusFields[f]; !ok {
		return "", NewInvalidField("status field " + s + " is not toggleable")
	}
	return f, nil
}

// StatusChange is one validated flag assignment.
type StatusChange struct {
	Field StatusField
	Value bool
}

// ParseStatusPatch validates every key of a partial status update.
// The result is ordered by field name so broadcasts are deterministic.
func ParseStatusPatch(patch map[string]bool) ([]StatusChange, error) {
	if len(patch) == 0 {
		return nil, NewInvalidField("status update is empty")
	}
	out := make([]StatusChange, 0, len(patch))
	for k, v := range patch {
		f, err := ParseStatusField(k)
		if err != nil {
			return nil, err
		}
		out = append(out, StatusChange{Field: f, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

// Participant is a role-bearing slot in a meeting, distinct from the user
// account behind it. The id survives reconnects.
type Participant struct {
	ID       ParticipantID
	UserID   UserID
	Name     string
	Role     Role
	JoinedAt time.Time

	Audio       bool
	Video       bool
	ScreenShare bool
	HandRaised  bool

	Conn ConnState
}

func (p *Participant) Flag(f StatusField) bool {
	switch f {
	case FieldAudio:
		return p.Audio
	case FieldVideo:
		return p.Video
	case FieldScreenShare:
		return p.ScreenShare
	case FieldHandRaised:
		return p.HandRaised
	}
	return false
}

func (p *Participant) SetFlag(f StatusField, v bool) {
	switch f {
	case FieldAudio:
		p.Audio = v
	case FieldVideo:
		p.Video = v
	case FieldScreenShare:
		p.ScreenShare = v
	case FieldHandRaised:
		p.HandRaised = v
	}
}

// ParticipantView is the read-only projection sent to clients.
type ParticipantView struct {
	ID          ParticipantID `json:"id"`
	UserID      UserID        `json:"userId"`
	Name        string        `json:"name"`
	Role        Role          `json:"role"`
	JoinedAt    time.Time     `json:"joinedAt"`
	Audio       bool          `json:"audio"`
	Video       bool          `json:"video"`
	ScreenShare bool          `json:"screenShare"`
	HandRaised  bool          `json:"handRaised"`
	Conn        ConnState     `json:"conn"`
}

func (p *Participant) View() ParticipantView {
	return ParticipantView{
		ID:          p.ID,
		UserID:      p.UserID,
		Name:        p.Name,
		Role:        p.Role,
		JoinedAt:    p.JoinedAt,
		Audio:       p.Audio,
		Video:       p.Video,
		ScreenShare: p.ScreenShare,
		HandRaised:  p.HandRaised,
		Conn:        p.Conn,
	}
}
