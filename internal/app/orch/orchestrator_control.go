package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/domain"
)

// RequestRecording starts or stops recording on behalf of the host and waits
// for the backend to confirm.
func (o *Orchestrator) RequestRecording(ctx context.Context, id domain.MeetingID, requester domain.ParticipantID, action domain.RecordingAction) (domain.RecordingState, error) {
	return o.Recording.Request(ctx, id, requester, action)
}

// UpdateSettings is host-only. Settings already applied to a participant,
// such as entry mute, are not revisited.
func (o *Orchestrator) UpdateSettings(ctx context.Context, id domain.MeetingID, requester domain.ParticipantID, patch *domain.SettingsPatch) (domain.Settings, error) {
	if patch == nil || *patch == (domain.SettingsPatch{}) {
		return domain.Settings{}, domain.NewInvalidField("settings update is empty")
	}
	var out domain.Settings
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(requester) == nil || !m.IsHost(requester) {
			return nil, domain.NewForbidden("only the host can change settings")
		}
		m.Settings = m.Settings.Apply(patch)
		out = m.Settings
		return []domain.Event{{Kind: domain.EventSettingsChanged, Payload: domain.SettingsChanged{Settings: out}}}, nil
	})
	return out, err
}

// TransferHost hands the host role to another participant in one step.
func (o *Orchestrator) TransferHost(ctx context.Context, id domain.MeetingID, requester, target domain.ParticipantID) error {
	err := o.Store.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Participant(requester) == nil || !m.IsHost(requester) {
			return nil, domain.NewForbidden("only the host can transfer the host role")
		}
		to := m.Participant(target)
		if to == nil {
			return nil, domain.ErrParticipantNotFound
		}
		if target == requester {
			return nil, domain.NewInvalidField("participant is already the host")
		}
		from := m.SwapHost(to)
		return []domain.Event{{Kind: domain.EventHostChanged, Payload: domain.HostChanged{From: from, To: target}}}, nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("module", "app.orch").Str("meeting", string(id)).Str("from", string(requester)).Str("to", string(target)).Msg("host transferred")
	return nil
}
