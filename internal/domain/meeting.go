package domain

import (
	"time"
	"unicode/utf8"
)

const MaxMeetingNameLen = 128

type MeetingID string

type MeetingState string

const (
	MeetingCreated MeetingState = "created"
	MeetingActive  MeetingState = "active"
	MeetingEnded   MeetingState = "ended"
)

type Settings struct {
	AllowChat        bool `json:"allowChat"`
	AllowScreenShare bool `json:"allowScreenShare"`
	MuteOnEntry      bool `json:"muteOnEntry"`
	VideoOffOnEntry  bool `json:"videoOffOnEntry"`
	RequireLobby     bool `json:"requireLobby"`
	AllowRecording   bool `json:"allowRecording"`
}

func DefaultSettings() Settings {
	return Settings{
		AllowChat:        true,
		AllowScreenShare: true,
		MuteOnEntry:      true,
		VideoOffOnEntry:  true,
		RequireLobby:     false,
		AllowRecording:   false,
	}
}

// SettingsPatch is a partial settings update; nil fields are left untouched.
type SettingsPatch struct {
	AllowChat        *bool `json:"allowChat,omitempty"`
	AllowScreenShare *bool `json:"allowScreenShare,omitempty"`
	MuteOnEntry      *bool `json:"muteOnEntry,omitempty"`
	VideoOffOnEntry  *bool `json:"videoOffOnEntry,omitempty"`
	RequireLobby     *bool `json:"requireLobby,omitempty"`
	AllowRecording   *bool `json:"allowRecording,omitempty"`
}

func (s Settings) Apply(p *SettingsPatch) Settings {
	if p == nil {
		return s
	}
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.AllowChat, p.AllowChat)
	set(&s.AllowScreenShare, p.AllowScreenShare)
	set(&s.MuteOnEntry, p.MuteOnEntry)
	set(&s.VideoOffOnEntry, p.VideoOffOnEntry)
	set(&s.RequireLobby, p.RequireLobby)
	set(&s.AllowRecording, p.AllowRecording)
	return s
}

func ValidateMeetingName(name string) error {
	if name == "" {
		return NewInvalidField("meeting name is empty")
	}
	if utf8.RuneCountInString(name) > MaxMeetingNameLen {
		return NewInvalidField("meeting name too long")
	}
	return nil
}

// Meeting is the authoritative record of one live session.
// It is only ever touched from inside the store's serialized mutation,
// so it carries no locks of its own.
type Meeting struct {
	ID         MeetingID
	Name       string
	HostUserID UserID
	// HostID is the participant slot holding the host role, empty until the
	// host user joins for the first time.
	HostID    ParticipantID
	CreatedAt time.Time
	EndedAt   time.Time
	Settings  Settings
	State     MeetingState
	Recording Recording
	Version   uint64

	participants []*Participant
	seq          uint64
	log          []Event
}

func NewMeeting(id MeetingID, name string, host UserID, settings Settings, now time.Time) *Meeting {
	return &Meeting{
		ID:         id,
		Name:       name,
		HostUserID: host,
		CreatedAt:  now,
		Settings:   settings,
		State:      MeetingCreated,
		Recording:  Recording{State: RecordingOff},
	}
}

// Participant returns the active (not left) participant with the given id.
func (m *Meeting) Participant(id ParticipantID) *Participant {
	for _, p := range m.participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ParticipantByUser returns the live slot held by the user, if any.
func (m *Meeting) ParticipantByUser(uid UserID) *Participant {
	for _, p := range m.participants {
		if p.UserID == uid {
			return p
		}
	}
	return nil
}

// Roster lists active participants in join order.
func (m *Meeting) Roster() []*Participant {
	out := make([]*Participant, len(m.participants))
	copy(out, m.participants)
	return out
}

func (m *Meeting) Empty() bool { return len(m.participants) == 0 }

// Admit appends a participant and activates the meeting on the first join.
// The host role is granted when the slot belongs to the host user.
func (m *Meeting) Admit(p *Participant) {
	if p.UserID == m.HostUserID {
		if prev := m.Participant(m.HostID); prev != nil {
			prev.Role = RoleParticipant
		}
		p.Role = RoleHost
		m.HostID = p.ID
	} else {
		p.Role = RoleParticipant
	}
	p.Audio = !m.Settings.MuteOnEntry
	p.Video = !m.Settings.VideoOffOnEntry
	p.Conn = ConnConnected
	m.participants = append(m.participants, p)
	if m.State == MeetingCreated {
		m.State = MeetingActive
	}
}

// Remove marks the participant left and drops it from the roster.
func (m *Meeting) Remove(id ParticipantID) *Participant {
	for i, p := range m.participants {
		if p.ID == id {
			p.Conn = ConnLeft
			m.participants = append(m.participants[:i], m.participants[i+1:]...)
			return p
		}
	}
	return nil
}

// SwapHost moves the host role atomically; there is never a moment with
// zero or two hosts.
func (m *Meeting) SwapHost(to *Participant) ParticipantID {
	from := m.HostID
	if prev := m.Participant(from); prev != nil {
		prev.Role = RoleParticipant
	}
	to.Role = RoleHost
	m.HostID = to.ID
	m.HostUserID = to.UserID
	if m.Recording.State != RecordingOff {
		m.Recording.HostID = to.ID
	}
	return from
}

func (m *Meeting) IsHost(id ParticipantID) bool {
	return id != "" && m.HostID == id
}

// NextSeq reserves the next sequence number of the ordered log.
func (m *Meeting) NextSeq() uint64 {
	m.seq++
	return m.seq
}

func (m *Meeting) LastSeq() uint64 { return m.seq }

// Append records an ordered event in the log. Events must be appended in
// the order their sequence numbers were reserved.
func (m *Meeting) Append(ev Event) {
	m.log = append(m.log, ev)
}

// Since returns the ordered events with a sequence number above seq.
func (m *Meeting) Since(seq uint64) []Event {
	if seq >= m.seq {
		return nil
	}
	// Sequence numbers start at 1 and are dense, so the index is direct.
	start := int(seq)
	if start < 0 || start > len(m.log) {
		start = 0
	}
	out := make([]Event, len(m.log)-start)
	copy(out, m.log[start:])
	return out
}

// End makes the meeting terminal. Every participant is dropped and the
// recording is cleared; the returned event is the last one of the room.
func (m *Meeting) End(now time.Time, reason string) Event {
	for _, p := range m.participants {
		p.Conn = ConnLeft
	}
	m.participants = nil
	m.Recording = Recording{State: RecordingOff, Epoch: m.Recording.Epoch + 1}
	m.State = MeetingEnded
	m.EndedAt = now
	return Event{Kind: EventMeetingEnded, MeetingID: m.ID, At: now, Payload: EndReason{Reason: reason}}
}

// MeetingView is the read-only projection of a meeting.
type MeetingView struct {
	ID           MeetingID         `json:"id"`
	Name         string            `json:"name"`
	HostUserID   UserID            `json:"hostUserId"`
	HostID       ParticipantID     `json:"hostId,omitempty"`
	State        MeetingState      `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	EndedAt      *time.Time        `json:"endedAt,omitempty"`
	Settings     Settings          `json:"settings"`
	Recording    Recording         `json:"recording"`
	Participants []ParticipantView `json:"participants"`
	LastSeq      uint64            `json:"lastSeq"`
}

func (m *Meeting) View() MeetingView {
	v := MeetingView{
		ID:           m.ID,
		Name:         m.Name,
		HostUserID:   m.HostUserID,
		HostID:       m.HostID,
		State:        m.State,
		CreatedAt:    m.CreatedAt,
		Settings:     m.Settings,
		Recording:    m.Recording,
		Participants: make([]ParticipantView, 0, len(m.participants)),
		LastSeq:      m.seq,
	}
	if !m.EndedAt.IsZero() {
		t := m.EndedAt
		v.EndedAt = &t
	}
	for _, p := range m.participants {
		v.Participants = append(v.Participants, p.View())
	}
	return v
}

// Summary is the list item shape.
type MeetingSummary struct {
	ID               MeetingID    `json:"id"`
	Name             string       `json:"name"`
	State            MeetingState `json:"state"`
	ParticipantCount int          `json:"participantCount"`
}

func (m *Meeting) Summary() MeetingSummary {
	return MeetingSummary{ID: m.ID, Name: m.Name, State: m.State, ParticipantCount: len(m.participants)}
}
