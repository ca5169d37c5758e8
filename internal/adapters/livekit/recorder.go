// Package livekit drives meeting recordings through LiveKit egress and turns
// LiveKit webhooks into recording confirmations. The LiveKit room of a
// meeting is named after the meeting id.
package livekit

import (
	"context"
	"errors"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

// egressClient is the part of lksdk.EgressClient we use.
type egressClient interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
}

// Recorder implements core.RecordingBackend with room composite egress.
type Recorder struct {
	client egressClient
	prefix string
	// Confirmer is told right away when egress is already active on start.
	Confirmer core.RecordingConfirmer
}

var _ core.RecordingBackend = (*Recorder)(nil)

func NewRecorder(url, apiKey, apiSecret, outputPrefix string) *Recorder {
	return &Recorder{
		client: lksdk.NewEgressClient(url, apiKey, apiSecret),
		prefix: outputPrefix,
	}
}

func (r *Recorder) StartRecording(ctx context.Context, id domain.MeetingID) (string, error) {
	info, err := r.client.StartRoomCompositeEgress(ctx, &livekit.RoomCompositeEgressRequest{
		RoomName: string(id),
		Layout:   "grid",
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: r.prefix + "{room_name}-{time}.mp4",
		}},
	})
	if err != nil {
		return "", fmt.Errorf("start egress: %w", err)
	}
	log.Info().Str("module", "adapters.livekit").Str("meeting", string(id)).Str("egress", info.GetEgressId()).
		Str("status", info.GetStatus().String()).Msg("egress requested")
	switch info.GetStatus() {
	case livekit.EgressStatus_EGRESS_ACTIVE:
		if r.Confirmer != nil {
			go r.Confirmer.Confirm(id, domain.RecordingStart, info.GetEgressId())
		}
	case livekit.EgressStatus_EGRESS_FAILED, livekit.EgressStatus_EGRESS_ABORTED:
		return "", errors.New("egress failed: " + info.GetError())
	}
	return info.GetEgressId(), nil
}

func (r *Recorder) StopRecording(ctx context.Context, id domain.MeetingID, handle string) error {
	if handle == "" {
		return errors.New("no egress to stop")
	}
	info, err := r.client.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: handle})
	if err != nil {
		return fmt.Errorf("stop egress: %w", err)
	}
	log.Info().Str("module", "adapters.livekit").Str("meeting", string(id)).Str("egress", handle).
		Str("status", info.GetStatus().String()).Msg("egress stop requested")
	if info.GetStatus() == livekit.EgressStatus_EGRESS_COMPLETE && r.Confirmer != nil {
		go r.Confirmer.Confirm(id, domain.RecordingStop, handle)
	}
	return nil
}
