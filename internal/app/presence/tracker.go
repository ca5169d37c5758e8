// Package presence turns transport signals into participant connection
// state without ever declaring someone gone while a reconnect is plausible.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const DefaultGrace = 30 * time.Second

type key struct {
	meeting domain.MeetingID
	pid     domain.ParticipantID
}

// entry is the transport-side view of one participant. epoch invalidates
// armed timers; token identifies the attached connection.
type entry struct {
	epoch    uint64
	token    uint64
	attached bool
	timer    *time.Timer
	lastSeen time.Time
}

// EmptyFunc is called from inside a mutation when a grace expiry leaves the
// roster empty.
type EmptyFunc func(m *domain.Meeting)

// Tracker owns the grace timers. Every state change for a participant
// happens inside the meeting's serialized mutation, so the epoch comparison
// in an expiring timer is always consistent with the roster.
type Tracker struct {
	store core.Store
	grace time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	onEmpty EmptyFunc
}

func NewTracker(store core.Store, grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Tracker{
		store:   store,
		grace:   grace,
		now:     time.Now,
		entries: make(map[key]*entry),
	}
}

func (t *Tracker) Grace() time.Duration { return t.grace }

// OnEmpty installs the hook fired when the last participant times out.
func (t *Tracker) OnEmpty(fn EmptyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEmpty = fn
}

func (t *Tracker) entry(k key) *entry {
	e, ok := t.entries[k]
	if !ok {
		e = &entry{}
		t.entries[k] = e
	}
	return e
}

// arm restarts the grace window for k. Caller holds t.mu.
func (t *Tracker) arm(k key, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.epoch++
	ep := e.epoch
	e.timer = time.AfterFunc(t.grace, func() { t.expire(k, ep) })
}

// Expect starts the attach window of a participant that joined without a
// live connection. Must run inside a Store.Mutate callback.
func (t *Tracker) Expect(m *domain.Meeting, pid domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{m.ID, pid}
	e := t.entry(k)
	if e.attached {
		return
	}
	t.arm(k, e)
}

// Attach binds a new connection to the participant, cancelling any pending
// grace timer. A participant coming back from disconnected-pending yields a
// reconnected status event; nobody sees a leave or join. Must run inside a
// Store.Mutate callback.
func (t *Tracker) Attach(m *domain.Meeting, pid domain.ParticipantID) (uint64, []domain.Event, error) {
	p := m.Participant(pid)
	if p == nil {
		return 0, nil, domain.NewRejoinDenied("participant has left")
	}
	t.mu.Lock()
	k := key{m.ID, pid}
	e := t.entry(k)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.epoch++
	e.token++
	e.attached = true
	e.lastSeen = t.now()
	token := e.token
	t.mu.Unlock()

	var events []domain.Event
	if p.Conn == domain.ConnPending {
		events = append(events, domain.Event{
			Kind:    domain.EventParticipantReconnected,
			Payload: domain.ParticipantRef{ParticipantID: pid},
		})
	}
	p.Conn = domain.ConnConnected
	return token, events, nil
}

// Release forgets a participant that left explicitly. Must run inside a
// Store.Mutate callback.
func (t *Tracker) Release(m *domain.Meeting, pid domain.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{m.ID, pid}
	if e, ok := t.entries[k]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, k)
	}
}

// ForgetMeeting drops every timer of an ended meeting.
func (t *Tracker) ForgetMeeting(id domain.MeetingID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.meeting != id {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.entries, k)
	}
}

// Connect attaches a connection outside of any other mutation.
func (t *Tracker) Connect(ctx context.Context, meeting domain.MeetingID, pid domain.ParticipantID) (uint64, error) {
	var token uint64
	err := t.store.Mutate(ctx, meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		tok, events, err := t.Attach(m, pid)
		if err != nil {
			return nil, err
		}
		token = tok
		return events, nil
	})
	return token, err
}

// Disconnect reports a transport drop of the connection identified by token.
// Drops of a connection that was already replaced are ignored.
func (t *Tracker) Disconnect(ctx context.Context, meeting domain.MeetingID, pid domain.ParticipantID, token uint64) error {
	return t.store.Mutate(ctx, meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		p := m.Participant(pid)
		if p == nil {
			return nil, nil
		}
		t.mu.Lock()
		k := key{m.ID, pid}
		e, ok := t.entries[k]
		if !ok || !e.attached || e.token != token {
			t.mu.Unlock()
			return nil, nil
		}
		e.attached = false
		t.arm(k, e)
		t.mu.Unlock()

		p.Conn = domain.ConnPending
		log.Info().Str("module", "app.presence").Str("meeting", string(meeting)).Str("participant", string(pid)).Msg("disconnected, grace started")
		return []domain.Event{{
			Kind:    domain.EventParticipantReconnecting,
			Payload: domain.ParticipantRef{ParticipantID: pid},
		}}, nil
	})
}

// Heartbeat confirms the connection is alive. It changes no state and
// reports whether token is still the participant's current connection.
func (t *Tracker) Heartbeat(meeting domain.MeetingID, pid domain.ParticipantID, token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{meeting, pid}]
	if !ok || !e.attached || e.token != token {
		return false
	}
	e.lastSeen = t.now()
	return true
}

// LastSeen is the time of the last attach or heartbeat.
func (t *Tracker) LastSeen(meeting domain.MeetingID, pid domain.ParticipantID) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{meeting, pid}]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

func (t *Tracker) expire(k key, epoch uint64) {
	err := t.store.Mutate(context.Background(), k.meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		t.mu.Lock()
		e, ok := t.entries[k]
		if !ok || e.epoch != epoch || e.attached {
			t.mu.Unlock()
			return nil, nil
		}
		delete(t.entries, k)
		onEmpty := t.onEmpty
		t.mu.Unlock()

		if m.Remove(k.pid) == nil {
			return nil, nil
		}
		log.Info().Str("module", "app.presence").Str("meeting", string(k.meeting)).Str("participant", string(k.pid)).Msg("grace expired, participant left")
		if m.Empty() && onEmpty != nil {
			onEmpty(m)
		}
		return []domain.Event{{
			Kind:    domain.EventParticipantLeft,
			Payload: domain.ParticipantRef{ParticipantID: k.pid, Reason: "timeout"},
		}}, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "app.presence").Str("meeting", string(k.meeting)).Msg("expire skipped")
	}
}
