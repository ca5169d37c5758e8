// Package session is the in-process Session Store: one goroutine per meeting
// drains a mailbox of mutations, so meetings proceed in parallel while every
// change to one meeting is strictly serialized.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const defaultMailbox = 64

type Options struct {
	// Retention is how long an ended meeting stays readable before Sweep
	// evicts it.
	Retention time.Duration
	Mailbox   int
	Owner     core.Ownership
	Now       func() time.Time
}

type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	rooms map[domain.MeetingID]*room
	sinks []core.ChangeSink

	retention time.Duration
	mailbox   int
	owner     core.Ownership
	now       func() time.Time
}

var _ core.Store = (*Store)(nil)

func NewStore(parent context.Context, opts Options, sinks ...core.ChangeSink) *Store {
	ctx, cancel := context.WithCancel(parent)
	if opts.Mailbox <= 0 {
		opts.Mailbox = defaultMailbox
	}
	if opts.Owner == nil {
		opts.Owner = core.LocalOwnership{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[domain.MeetingID]*room),
		sinks:     sinks,
		retention: opts.Retention,
		mailbox:   opts.Mailbox,
		owner:     opts.Owner,
		now:       opts.Now,
	}
}

// AddSink registers another consumer of committed changes. Sinks must be
// registered before meetings are created.
func (s *Store) AddSink(sink core.ChangeSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Store) Create(ctx context.Context, name string, host domain.UserID, settings domain.Settings) (domain.MeetingView, error) {
	if err := domain.ValidateMeetingName(name); err != nil {
		return domain.MeetingView{}, err
	}
	if host == "" {
		return domain.MeetingView{}, domain.NewInvalidField("host id is empty")
	}
	id := domain.MeetingID(uuid.NewString())
	if err := s.owner.Claim(ctx, id); err != nil {
		return domain.MeetingView{}, err
	}
	m := domain.NewMeeting(id, name, host, settings, s.now())
	r := newRoom(m, s.mailbox)

	s.mu.Lock()
	s.rooms[id] = r
	s.mu.Unlock()

	go r.run(s.ctx, s.apply)
	log.Info().Str("module", "app.session").Str("meeting", string(id)).Str("host", string(host)).Msg("meeting created")
	return m.View(), nil
}

func (s *Store) lookup(id domain.MeetingID) (*room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *Store) Get(ctx context.Context, id domain.MeetingID) (domain.MeetingView, error) {
	var v domain.MeetingView
	err := s.View(ctx, id, func(m *domain.Meeting) { v = m.View() })
	return v, err
}

func (s *Store) List(ctx context.Context) []domain.MeetingSummary {
	s.mu.RLock()
	rooms := lo.Values(s.rooms)
	s.mu.RUnlock()

	out := make([]domain.MeetingSummary, 0, len(rooms))
	for _, r := range rooms {
		var sum domain.MeetingSummary
		if err := r.submit(ctx, op{read: func(m *domain.Meeting) { sum = m.Summary() }}); err != nil {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) View(ctx context.Context, id domain.MeetingID, fn func(m *domain.Meeting)) error {
	r, ok := s.lookup(id)
	if !ok {
		return domain.ErrMeetingNotFound
	}
	return r.submit(ctx, op{read: fn})
}

func (s *Store) Mutate(ctx context.Context, id domain.MeetingID, fn core.MutateFunc) error {
	r, ok := s.lookup(id)
	if !ok {
		return domain.ErrMeetingNotFound
	}
	return r.submit(ctx, op{ctx: ctx, write: fn})
}

func (s *Store) End(ctx context.Context, id domain.MeetingID, reason string) error {
	return s.Mutate(ctx, id, func(m *domain.Meeting) ([]domain.Event, error) {
		return []domain.Event{m.End(s.now(), reason)}, nil
	})
}

// apply runs on the room goroutine.
func (s *Store) apply(r *room, o op) error {
	m := r.meeting
	if o.read != nil {
		o.read(m)
		return nil
	}
	if m.State == domain.MeetingEnded {
		return domain.ErrMeetingNotFound
	}
	if o.ctx != nil {
		if err := o.ctx.Err(); err != nil {
			return err
		}
	}
	ctx := o.ctx
	if ctx == nil {
		ctx = s.ctx
	}
	if err := s.owner.Claim(ctx, m.ID); err != nil {
		return err
	}

	events, err := o.write(m)
	if err != nil {
		return err
	}
	m.Version++
	now := s.now()
	for i := range events {
		events[i].MeetingID = m.ID
		if events[i].At.IsZero() {
			events[i].At = now
		}
	}
	ended := m.State == domain.MeetingEnded
	if ended {
		s.mu.Lock()
		r.evictAt = now.Add(s.retention)
		s.mu.Unlock()
		log.Info().Str("module", "app.session").Str("meeting", string(m.ID)).Msg("meeting ended")
	}

	change := core.Change{MeetingID: m.ID, Version: m.Version, Events: events, Ended: ended}
	s.mu.RLock()
	sinks := s.sinks
	s.mu.RUnlock()
	for _, sink := range sinks {
		sink.Consume(change)
	}
	return nil
}

// Sweep evicts ended meetings whose retention has passed and returns how
// many were dropped. Evicted ids report MeetingNotFound like unknown ones.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var evicted []*room
	for id, r := range s.rooms {
		if r.evictAt.IsZero() || r.evictAt.After(now) {
			continue
		}
		delete(s.rooms, id)
		evicted = append(evicted, r)
	}
	s.mu.Unlock()

	for _, r := range evicted {
		r.stop()
		if err := s.owner.Release(ctx, r.id); err != nil {
			log.Warn().Err(err).Str("module", "app.session").Str("meeting", string(r.id)).Msg("release ownership")
		}
		log.Info().Str("module", "app.session").Str("meeting", string(r.id)).Msg("meeting evicted")
	}
	return len(evicted)
}

// Close stops every room goroutine.
func (s *Store) Close() {
	s.cancel()
}
