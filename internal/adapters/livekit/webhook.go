package livekit

import (
	"errors"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const (
	eventEgressStarted = "egress_started"
	eventEgressUpdated = "egress_updated"
	eventEgressEnded   = "egress_ended"
)

// Webhook receives signed LiveKit callbacks and feeds egress outcomes to the
// recording state machine.
type Webhook struct {
	keys      auth.KeyProvider
	confirmer core.RecordingConfirmer
}

func NewWebhook(apiKey, apiSecret string, confirmer core.RecordingConfirmer) *Webhook {
	return &Webhook{keys: auth.NewSimpleKeyProvider(apiKey, apiSecret), confirmer: confirmer}
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, w.keys)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.livekit").Msg("rejected webhook")
		http.Error(rw, "invalid webhook", http.StatusUnauthorized)
		return
	}
	w.dispatch(event)
	rw.WriteHeader(http.StatusOK)
}

// dispatch maps egress lifecycle events onto confirmations. The confirmer
// ignores outcomes that match nothing in flight, so an ended egress is
// offered as a stop confirmation, a start failure and a lost recording.
func (w *Webhook) dispatch(event *livekit.WebhookEvent) {
	info := event.GetEgressInfo()
	if info == nil {
		return
	}
	meeting := domain.MeetingID(info.GetRoomName())
	log.Debug().Str("module", "adapters.livekit").Str("event", event.GetEvent()).Str("meeting", string(meeting)).
		Str("egress", info.GetEgressId()).Str("status", info.GetStatus().String()).Msg("webhook")

	switch event.GetEvent() {
	case eventEgressStarted, eventEgressUpdated:
		switch info.GetStatus() {
		case livekit.EgressStatus_EGRESS_ACTIVE:
			w.confirmer.Confirm(meeting, domain.RecordingStart, info.GetEgressId())
		case livekit.EgressStatus_EGRESS_FAILED, livekit.EgressStatus_EGRESS_ABORTED:
			w.confirmer.Fail(meeting, domain.RecordingStart, egressError(info))
		}
	case eventEgressEnded:
		w.confirmer.Confirm(meeting, domain.RecordingStop, info.GetEgressId())
		err := egressError(info)
		if info.GetStatus() != livekit.EgressStatus_EGRESS_COMPLETE {
			w.confirmer.Fail(meeting, domain.RecordingStart, err)
		}
		// no-op unless the recording is still on with this egress
		w.confirmer.Lost(meeting, info.GetEgressId(), err)
	}
}

func egressError(info *livekit.EgressInfo) error {
	if msg := info.GetError(); msg != "" {
		return errors.New("egress " + info.GetStatus().String() + ": " + msg)
	}
	return errors.New("egress " + info.GetStatus().String())
}
