// Package orch is the session lifecycle controller. It composes the store,
// presence, bus, recording and reconnect components and is the only thing
// the HTTP and socket adapters talk to.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/presence"
	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/app/recording"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const DefaultEndGrace = 60 * time.Second

type Orchestrator struct {
	Store     core.Store
	Presence  *presence.Tracker
	Bus       *bus.Bus
	Recording *recording.Machine
	Backend   core.RecordingBackend
	Reconnect *reconnect.Handler
	// EndGrace is how long an emptied meeting waits for someone to come
	// back before it ends on its own.
	EndGrace time.Duration
	Now      func() time.Time

	mu     sync.Mutex
	epoch  uint64
	timers map[domain.MeetingID]endTimer
}

type endTimer struct {
	epoch uint64
	t     *time.Timer
}

// Bind installs the callbacks that tie presence and the bus back into the
// lifecycle. Call once before serving.
func (o *Orchestrator) Bind() {
	o.Presence.OnEmpty(func(m *domain.Meeting) { o.armEndGrace(m.ID) })
	o.Bus.OnDrop(func(sub *bus.Subscription) {
		if err := o.Presence.Disconnect(context.Background(), sub.Meeting, sub.Participant, sub.Token); err != nil {
			log.Debug().Err(err).Str("module", "app.orch").Str("meeting", string(sub.Meeting)).Msg("disconnect after kick")
		}
	})
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) endGrace() time.Duration {
	if o.EndGrace > 0 {
		return o.EndGrace
	}
	return DefaultEndGrace
}

// armEndGrace starts the countdown of an emptied meeting. It is called from
// inside the meeting's mutation.
func (o *Orchestrator) armEndGrace(id domain.MeetingID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.timers == nil {
		o.timers = make(map[domain.MeetingID]endTimer)
	}
	if prev, ok := o.timers[id]; ok {
		prev.t.Stop()
	}
	o.epoch++
	ep := o.epoch
	o.timers[id] = endTimer{epoch: ep, t: time.AfterFunc(o.endGrace(), func() { o.expireEmpty(id, ep) })}
	log.Info().Str("module", "app.orch").Str("meeting", string(id)).Dur("grace", o.endGrace()).Msg("meeting empty, end grace started")
}

func (o *Orchestrator) cancelEndGrace(id domain.MeetingID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.timers[id]; ok {
		prev.t.Stop()
		delete(o.timers, id)
	}
}

func (o *Orchestrator) expireEmpty(id domain.MeetingID, epoch uint64) {
	var rec domain.Recording
	ended := false
	err := o.Store.Mutate(context.Background(), id, func(m *domain.Meeting) ([]domain.Event, error) {
		o.mu.Lock()
		cur, ok := o.timers[id]
		current := ok && cur.epoch == epoch
		if current {
			delete(o.timers, id)
		}
		o.mu.Unlock()
		if !current || !m.Empty() {
			return nil, nil
		}
		rec = m.Recording
		ended = true
		return []domain.Event{m.End(o.now(), "empty")}, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "app.orch").Str("meeting", string(id)).Msg("end grace skipped")
		return
	}
	if ended {
		o.afterEnd(id, rec)
	}
}

// afterEnd releases everything held outside the store for an ended meeting.
func (o *Orchestrator) afterEnd(id domain.MeetingID, rec domain.Recording) {
	o.cancelEndGrace(id)
	o.Presence.ForgetMeeting(id)
	if o.Recording != nil {
		o.Recording.Abort(id)
	}
	if o.Backend != nil && rec.State != domain.RecordingOff && rec.Handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.Backend.StopRecording(ctx, id, rec.Handle); err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("meeting", string(id)).Msg("stop recording of ended meeting")
		}
	}
	log.Info().Str("module", "app.orch").Str("meeting", string(id)).Msg("meeting released")
}
