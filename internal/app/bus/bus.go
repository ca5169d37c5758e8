// Package bus fans committed meeting changes out to the connected
// participants of each room.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const defaultQueueSize = 256

// DropHandler is told about subscribers kicked for backpressure. It runs on
// its own goroutine, never on the publishing path.
type DropHandler func(sub *Subscription)

type room struct {
	mu   sync.Mutex
	subs map[domain.ParticipantID]*Subscription
}

// PublishResult reports delivery stats for one event.
type PublishResult struct {
	SentTo  int
	Dropped int
	Kicked  []*Subscription
}

type Bus struct {
	mu    sync.RWMutex
	rooms map[domain.MeetingID]*room

	queueSize int
	policy    Policy
	onDrop    DropHandler
}

var _ core.ChangeSink = (*Bus)(nil)

func New(queueSize int, policy Policy) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Bus{
		rooms:     make(map[domain.MeetingID]*room),
		queueSize: queueSize,
		policy:    policy,
	}
}

// OnDrop installs the handler for kicked subscribers.
func (b *Bus) OnDrop(h DropHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = h
}

func (b *Bus) room(id domain.MeetingID, create bool) *room {
	b.mu.RLock()
	r, ok := b.rooms[id]
	b.mu.RUnlock()
	if ok || !create {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.rooms[id]; ok {
		return r
	}
	r = &room{subs: make(map[domain.ParticipantID]*Subscription)}
	b.rooms[id] = r
	return r
}

// Subscribe opens the feed of one participant connection. An older feed of
// the same participant is closed with ErrReplaced: there is exactly one live
// subscription per participant.
func (b *Bus) Subscribe(meeting domain.MeetingID, pid domain.ParticipantID, token uint64) *Subscription {
	sub := newSubscription(meeting, pid, token, b.queueSize)
	r := b.room(meeting, true)
	r.mu.Lock()
	if old, ok := r.subs[pid]; ok {
		old.close(ErrReplaced)
	}
	r.subs[pid] = sub
	r.mu.Unlock()
	log.Debug().Str("module", "app.bus").Str("meeting", string(meeting)).Str("participant", string(pid)).Uint64("token", token).Msg("subscribed")
	return sub
}

// Unsubscribe closes sub if it is still the participant's live feed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	r := b.room(sub.Meeting, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[sub.Participant]; ok && cur == sub {
		delete(r.subs, sub.Participant)
	}
	sub.close(ErrDetached)
}

// Detach closes the participant's feed if it still belongs to the connection
// identified by token.
func (b *Bus) Detach(meeting domain.MeetingID, pid domain.ParticipantID, token uint64) {
	r := b.room(meeting, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[pid]; ok && sub.Token == token {
		delete(r.subs, pid)
		sub.close(ErrDetached)
	}
}

// Drop closes whatever feed the participant has, e.g. after an explicit leave.
func (b *Bus) Drop(meeting domain.MeetingID, pid domain.ParticipantID) {
	r := b.room(meeting, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[pid]; ok {
		delete(r.subs, pid)
		sub.close(ErrDetached)
	}
}

// CloseRoom ends every feed of a meeting after whatever is already queued.
func (b *Bus) CloseRoom(meeting domain.MeetingID) {
	b.mu.Lock()
	r, ok := b.rooms[meeting]
	delete(b.rooms, meeting)
	b.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, sub := range r.subs {
		sub.close(ErrRoomClosed)
		delete(r.subs, pid)
	}
	log.Info().Str("module", "app.bus").Str("meeting", string(meeting)).Msg("room closed")
}

// Subscribers returns the number of live feeds in a meeting.
func (b *Bus) Subscribers(meeting domain.MeetingID) int {
	r := b.room(meeting, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Consume implements core.ChangeSink. It is called in commit order for each
// meeting, which is what gives subscribers non-decreasing sequence numbers.
func (b *Bus) Consume(ch core.Change) {
	for _, ev := range ch.Events {
		res := b.Publish(ev)
		if len(res.Kicked) > 0 {
			b.kick(res.Kicked)
		}
	}
	if ch.Ended {
		b.CloseRoom(ch.MeetingID)
	}
}

// Publish offers ev to every live feed of its meeting without blocking.
func (b *Bus) Publish(ev domain.Event) PublishResult {
	res := PublishResult{}
	r := b.room(ev.MeetingID, false)
	if r == nil {
		return res
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, sub := range r.subs {
		if sub.offer(ev) {
			res.SentTo++
			continue
		}
		switch b.policy.OnBackPressure(sub, ev) {
		case DropEvent:
			res.Dropped++
		case KickSubscriber:
			delete(r.subs, pid)
			sub.close(ErrOverflow)
			res.Kicked = append(res.Kicked, sub)
		}
	}
	log.Debug().Str("module", "app.bus").Str("meeting", string(ev.MeetingID)).Str("kind", string(ev.Kind)).
		Int("sent_to", res.SentTo).Int("dropped", res.Dropped).Int("kicked", len(res.Kicked)).Msg("broadcast result")
	return res
}

func (b *Bus) kick(subs []*Subscription) {
	b.mu.RLock()
	h := b.onDrop
	b.mu.RUnlock()
	for _, sub := range subs {
		log.Warn().Str("module", "app.bus").Str("meeting", string(sub.Meeting)).Str("participant", string(sub.Participant)).Msg("slow subscriber kicked")
		if h != nil {
			go h(sub)
		}
	}
}
