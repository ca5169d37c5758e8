package orch

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/domain"
)

// JoinResult is the joiner's own slot plus the full meeting state.
type JoinResult struct {
	Participant domain.ParticipantView `json:"participant"`
	Meeting     domain.MeetingView     `json:"meeting"`
	Resumed     bool                   `json:"resumed"`
}

func (o *Orchestrator) CreateMeeting(ctx context.Context, name string, host domain.User, settings *domain.Settings) (domain.MeetingView, error) {
	s := domain.DefaultSettings()
	if settings != nil {
		s = *settings
	}
	return o.Store.Create(ctx, name, host.ID, s)
}

func (o *Orchestrator) GetMeeting(ctx context.Context, id domain.MeetingID) (domain.MeetingView, error) {
	return o.Store.Get(ctx, id)
}

func (o *Orchestrator) ListMeetings(ctx context.Context) []domain.MeetingSummary {
	return o.Store.List(ctx)
}

// Join admits user into the meeting. A user who still holds a live slot gets
// that slot back with the same participant id and nobody is told.
func (o *Orchestrator) Join(ctx context.Context, id domain.MeetingID, user domain.User) (JoinResult, error) {
	if user.ID == "" {
		return JoinResult{}, domain.NewInvalidField("user id is empty")
	}
	if err := domain.ValidateDisplayName(user.Name); err != nil {
		return JoinResult{}, err
	}

	var res JoinResult
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		o.cancelEndGrace(m.ID)

		if p := m.ParticipantByUser(user.ID); p != nil {
			o.Presence.Expect(m, p.ID)
			res = JoinResult{Participant: p.View(), Meeting: m.View(), Resumed: true}
			return nil, nil
		}

		p := &domain.Participant{
			ID:       domain.ParticipantID(uuid.NewString()),
			UserID:   user.ID,
			Name:     user.Name,
			JoinedAt: o.now(),
		}
		m.Admit(p)
		o.Presence.Expect(m, p.ID)
		res = JoinResult{Participant: p.View(), Meeting: m.View()}
		return []domain.Event{{Kind: domain.EventParticipantJoined, Payload: p.View()}}, nil
	})
	if err != nil {
		return JoinResult{}, err
	}
	log.Info().Str("module", "app.orch").Str("meeting", string(id)).Str("participant", string(res.Participant.ID)).
		Bool("resumed", res.Resumed).Msg("joined")
	return res, nil
}

// Leave removes the participant at once, without a grace window. The last
// one out starts the end grace of the meeting.
func (o *Orchestrator) Leave(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID) error {
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(pid) == nil {
			return nil, domain.ErrParticipantNotFound
		}
		o.Presence.Release(m, pid)
		m.Remove(pid)
		if m.Empty() {
			o.armEndGrace(m.ID)
		}
		return []domain.Event{{
			Kind:    domain.EventParticipantLeft,
			Payload: domain.ParticipantRef{ParticipantID: pid, Reason: "left"},
		}}, nil
	})
	if err != nil {
		return err
	}
	o.Bus.Drop(id, pid)
	log.Info().Str("module", "app.orch").Str("meeting", string(id)).Str("participant", string(pid)).Msg("left")
	return nil
}

// EndMeeting is host-only. Every subscriber receives meeting-ended and is
// then disconnected.
func (o *Orchestrator) EndMeeting(ctx context.Context, id domain.MeetingID, requester domain.ParticipantID) error {
	var rec domain.Recording
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(requester) == nil || !m.IsHost(requester) {
			return nil, domain.NewForbidden("only the host can end the meeting")
		}
		rec = m.Recording
		return []domain.Event{m.End(o.now(), "ended by host")}, nil
	})
	if err != nil {
		return err
	}
	o.afterEnd(id, rec)
	return nil
}

// Attach binds a socket to a participant slot, first connect or reconnect.
func (o *Orchestrator) Attach(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, lastSeq uint64) (*reconnect.Resume, error) {
	return o.Reconnect.Rejoin(ctx, id, pid, lastSeq)
}

// Detach reports that the socket identified by token went away.
func (o *Orchestrator) Detach(id domain.MeetingID, pid domain.ParticipantID, token uint64) {
	o.Bus.Detach(id, pid, token)
	if err := o.Presence.Disconnect(context.Background(), id, pid, token); err != nil {
		log.Debug().Err(err).Str("module", "app.orch").Str("meeting", string(id)).Str("participant", string(pid)).Msg("detach")
	}
}

func (o *Orchestrator) Heartbeat(id domain.MeetingID, pid domain.ParticipantID, token uint64) bool {
	return o.Presence.Heartbeat(id, pid, token)
}

// ParticipantOf returns the live slot the user holds in the meeting.
func (o *Orchestrator) ParticipantOf(ctx context.Context, id domain.MeetingID, uid domain.UserID) (domain.ParticipantView, error) {
	var (
		view  domain.ParticipantView
		found bool
		ended bool
	)
	err := o.Store.View(ctx, id, func(m *domain.Meeting) {
		ended = m.State == domain.MeetingEnded
		if p := m.ParticipantByUser(uid); p != nil {
			view, found = p.View(), true
		}
	})
	switch {
	case err != nil:
		return domain.ParticipantView{}, err
	case ended:
		return domain.ParticipantView{}, domain.ErrMeetingNotFound
	case !found:
		return domain.ParticipantView{}, domain.ErrParticipantNotFound
	}
	return view, nil
}
