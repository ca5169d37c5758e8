package orch

import (
	"context"
	"encoding/json"

	"github.com/dkeye/liveroom/internal/domain"
)

// UpdateStatus applies a partial flag update, last writer wins. Only the
// fields named in patch are touched.
func (o *Orchestrator) UpdateStatus(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, patch map[string]bool) error {
	changes, err := domain.ParseStatusPatch(patch)
	if err != nil {
		return err
	}
	return o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		p := m.Participant(pid)
		if p == nil {
			return nil, domain.ErrParticipantNotFound
		}
		for _, c := range changes {
			if c.Field == domain.FieldScreenShare && c.Value && !m.Settings.AllowScreenShare && !m.IsHost(pid) {
				return nil, domain.NewForbidden("screen sharing is disabled for this meeting")
			}
		}
		events := make([]domain.Event, 0, len(changes))
		for _, c := range changes {
			p.SetFlag(c.Field, c.Value)
			events = append(events, domain.Event{
				Kind:    domain.EventStatusChanged,
				Payload: domain.StatusChanged{ParticipantID: pid, Field: c.Field, Value: c.Value},
			})
		}
		return events, nil
	})
}

// ModerateStatus lets the host switch another participant's flags off, for
// instance to mute them. Switching a flag on stays the owner's call.
func (o *Orchestrator) ModerateStatus(ctx context.Context, id domain.MeetingID, host, target domain.ParticipantID, patch map[string]bool) error {
	changes, err := domain.ParseStatusPatch(patch)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if c.Value {
			return domain.NewForbidden("only the participant can switch " + string(c.Field) + " on")
		}
	}
	return o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(host) == nil || !m.IsHost(host) {
			return nil, domain.NewForbidden("only the host can change another participant")
		}
		p := m.Participant(target)
		if p == nil {
			return nil, domain.ErrParticipantNotFound
		}
		events := make([]domain.Event, 0, len(changes))
		for _, c := range changes {
			p.SetFlag(c.Field, c.Value)
			events = append(events, domain.Event{
				Kind:    domain.EventStatusChanged,
				Payload: domain.StatusChanged{ParticipantID: target, Field: c.Field, Value: c.Value},
			})
		}
		return events, nil
	})
}

// PostChat accepts a chat message and gives it the next sequence number of
// the meeting.
func (o *Orchestrator) PostChat(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, text string) (domain.Event, error) {
	text, err := domain.NormalizeChatText(text)
	if err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	err = o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		p := m.Participant(pid)
		if p == nil {
			return nil, domain.ErrParticipantNotFound
		}
		if !m.Settings.AllowChat {
			return nil, domain.NewForbidden("chat is disabled for this meeting")
		}
		ev = o.sequenced(m, domain.EventChatMessage, domain.ChatMessage{ParticipantID: pid, Name: p.Name, Text: text})
		return []domain.Event{ev}, nil
	})
	return ev, err
}

// PostWhiteboard accepts an opaque whiteboard operation into the ordered log.
func (o *Orchestrator) PostWhiteboard(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, op json.RawMessage) (domain.Event, error) {
	if err := domain.ValidateWhiteboardOp(op); err != nil {
		return domain.Event{}, err
	}
	var ev domain.Event
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(pid) == nil {
			return nil, domain.ErrParticipantNotFound
		}
		ev = o.sequenced(m, domain.EventWhiteboardOp, domain.WhiteboardOp{ParticipantID: pid, Op: op})
		return []domain.Event{ev}, nil
	})
	return ev, err
}

// sequenced stamps an ordered event and appends it to the meeting log.
func (o *Orchestrator) sequenced(m *domain.Meeting, kind domain.EventKind, payload any) domain.Event {
	ev := domain.Event{
		Kind:      kind,
		MeetingID: m.ID,
		Seq:       m.NextSeq(),
		At:        o.now(),
		Payload:   payload,
	}
	m.Append(ev)
	return ev
}
