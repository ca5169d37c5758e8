// Package reconnect brings a (re)connecting socket up to date: it resumes
// presence, backfills the ordered events the client missed and sends a
// snapshot of the last-writer-wins state before live delivery starts.
package reconnect

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/presence"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const DefaultReplayTimeout = 10 * time.Second

type Handler struct {
	Store         core.Store
	Presence      *presence.Tracker
	Bus           *bus.Bus
	ReplayTimeout time.Duration
	Now           func() time.Time
}

// Resume is everything a connection needs to start delivering. Replay and
// Snapshot are consistent with the point Sub started receiving live events.
type Resume struct {
	Sub       *bus.Subscription
	Token     uint64
	Replay    []domain.Event
	Snapshot  domain.Event
	Watermark uint64

	replayTimeout time.Duration
}

// Rejoin validates the meeting and participant, resumes presence and opens
// a fresh subscription, all in one serialized mutation so that no ordered
// event can fall between the backfill and the live stream. lastSeq is the
// highest sequence number the client has applied; zero on a first connect.
func (h *Handler) Rejoin(ctx context.Context, meeting domain.MeetingID, pid domain.ParticipantID, lastSeq uint64) (*Resume, error) {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	timeout := h.ReplayTimeout
	if timeout <= 0 {
		timeout = DefaultReplayTimeout
	}

	res := &Resume{replayTimeout: timeout}
	err := h.Store.Mutate(ctx, meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		token, events, err := h.Presence.Attach(m, pid)
		if err != nil {
			return nil, err
		}
		res.Token = token
		res.Sub = h.Bus.Subscribe(meeting, pid, token)
		res.Replay = m.Since(lastSeq)
		res.Watermark = m.LastSeq()
		res.Snapshot = domain.Event{
			Kind:      domain.EventReconnectSnapshot,
			MeetingID: m.ID,
			At:        now(),
			Payload:   domain.Snapshot{Meeting: m.View(), LastSeq: m.LastSeq()},
		}
		return events, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrMeetingNotFound) {
			return nil, domain.NewRejoinDenied("meeting is over", err)
		}
		return nil, err
	}
	log.Info().Str("module", "app.reconnect").Str("meeting", string(meeting)).Str("participant", string(pid)).
		Uint64("last_seq", lastSeq).Int("replay", len(res.Replay)).Msg("rejoined")
	return res, nil
}

// Deliver writes the backfill, then the snapshot, then the live stream until
// the subscription or ctx ends. The backfill is bounded by the replay
// timeout and abandoned as soon as the subscription is replaced; the next
// reconnect starts over from whatever the client reports.
func (r *Resume) Deliver(ctx context.Context, send func(domain.Event) error) error {
	rctx, cancel := context.WithTimeout(ctx, r.replayTimeout)
	for _, ev := range r.Replay {
		select {
		case <-r.Sub.Done():
			cancel()
			return r.Sub.Err()
		case <-rctx.Done():
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domain.NewBackendTimeout("replay did not complete")
		default:
		}
		if err := send(ev); err != nil {
			cancel()
			return err
		}
	}
	cancel()

	if err := send(r.Snapshot); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-r.Sub.Events():
			if !ok {
				return r.Sub.Err()
			}
			if ev.Kind.Ordered() && ev.Seq <= r.Watermark {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}
