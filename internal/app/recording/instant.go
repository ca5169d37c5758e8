package recording

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

// InstantBackend confirms every command right away. It stands in for a media
// backend when none is configured.
type InstantBackend struct {
	Confirmer core.RecordingConfirmer
	seq       atomic.Uint64
}

var _ core.RecordingBackend = (*InstantBackend)(nil)

func (b *InstantBackend) StartRecording(_ context.Context, id domain.MeetingID) (string, error) {
	handle := fmt.Sprintf("local-%s-%d", id, b.seq.Add(1))
	if b.Confirmer != nil {
		go b.Confirmer.Confirm(id, domain.RecordingStart, handle)
	}
	return handle, nil
}

func (b *InstantBackend) StopRecording(_ context.Context, id domain.MeetingID, handle string) error {
	if b.Confirmer != nil {
		go b.Confirmer.Confirm(id, domain.RecordingStop, handle)
	}
	return nil
}
