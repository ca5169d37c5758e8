package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

type recordingSink struct {
	mu      sync.Mutex
	changes []core.Change
}

func (s *recordingSink) Consume(ch core.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ch)
}

func (s *recordingSink) all() []core.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Change(nil), s.changes...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type denyOwnership struct{}

func (denyOwnership) Claim(context.Context, domain.MeetingID) error {
	return domain.NewUnavailable("owned elsewhere")
}
func (denyOwnership) Release(context.Context, domain.MeetingID) error { return nil }

func newTestStore(t *testing.T, opts Options, sinks ...core.ChangeSink) *Store {
	t.Helper()
	s := NewStore(context.Background(), opts, sinks...)
	t.Cleanup(s.Close)
	return s
}

func TestCreateValidates(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Create(ctx, "", "tutor", domain.DefaultSettings())
	assert.ErrorIs(t, err, domain.ErrInvalidField)
	_, err = s.Create(ctx, "Algebra", "", domain.DefaultSettings())
	assert.ErrorIs(t, err, domain.ErrInvalidField)

	v, err := s.Create(ctx, "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, domain.MeetingCreated, v.State)
	assert.Empty(t, v.Participants)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
}

func TestMutateStampsAndPublishes(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}
	s := newTestStore(t, Options{Now: clk.Now}, sink)
	ctx := context.Background()
	v, err := s.Create(ctx, "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)

	err = s.Mutate(ctx, v.ID, func(m *domain.Meeting) ([]domain.Event, error) {
		return []domain.Event{{Kind: domain.EventSettingsChanged}}, nil
	})
	require.NoError(t, err)

	changes := sink.all()
	require.Len(t, changes, 1)
	assert.Equal(t, v.ID, changes[0].MeetingID)
	assert.Equal(t, uint64(1), changes[0].Version)
	assert.False(t, changes[0].Ended)
	require.Len(t, changes[0].Events, 1)
	assert.Equal(t, v.ID, changes[0].Events[0].MeetingID)
	assert.Equal(t, clk.Now(), changes[0].Events[0].At)
}

func TestMutateErrorCommitsNothing(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStore(t, Options{}, sink)
	ctx := context.Background()
	v, err := s.Create(ctx, "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)

	boom := domain.NewForbidden("nope")
	err = s.Mutate(ctx, v.ID, func(m *domain.Meeting) ([]domain.Event, error) { return nil, boom })
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Empty(t, sink.all())

	var version uint64
	require.NoError(t, s.View(ctx, v.ID, func(m *domain.Meeting) { version = m.Version }))
	assert.Zero(t, version)
}

func TestMutationsAreSerialized(t *testing.T) {
	s := newTestStore(t, Options{Mailbox: 4})
	ctx := context.Background()
	v, err := s.Create(ctx, "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Mutate(ctx, v.ID, func(m *domain.Meeting) ([]domain.Event, error) {
				seq := m.NextSeq()
				m.Append(domain.Event{Kind: domain.EventChatMessage, Seq: seq})
				return nil, nil
			})
		}()
	}
	wg.Wait()

	var log []domain.Event
	require.NoError(t, s.View(ctx, v.ID, func(m *domain.Meeting) { log = m.Since(0) }))
	require.Len(t, log, writers)
	for i, ev := range log {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestEndedMeetingIsImmutable(t *testing.T) {
	sink := &recordingSink{}
	s := newTestStore(t, Options{Retention: time.Minute}, sink)
	ctx := context.Background()
	v, err := s.Create(ctx, "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)

	require.NoError(t, s.End(ctx, v.ID, "ended by host"))
	changes := sink.all()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Ended)
	assert.Equal(t, domain.EventMeetingEnded, changes[0].Events[0].Kind)

	err = s.Mutate(ctx, v.ID, func(m *domain.Meeting) ([]domain.Event, error) { return nil, nil })
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
	assert.ErrorIs(t, s.End(ctx, v.ID, "again"), domain.ErrMeetingNotFound)

	got, err := s.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MeetingEnded, got.State)
}

func TestSweepEvictsAfterRetention(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := newTestStore(t, Options{Retention: 10 * time.Minute, Now: clk.Now})
	ctx := context.Background()
	ended, err := s.Create(ctx, "Ended", "tutor", domain.DefaultSettings())
	require.NoError(t, err)
	live, err := s.Create(ctx, "Live", "tutor", domain.DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, s.End(ctx, ended.ID, "ended by host"))

	assert.Zero(t, s.Sweep(ctx))
	clk.Advance(11 * time.Minute)
	assert.Equal(t, 1, s.Sweep(ctx))

	_, err = s.Get(ctx, ended.ID)
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
	_, err = s.Get(ctx, live.ID)
	assert.NoError(t, err)
	assert.Len(t, s.List(ctx), 1)
}

func TestOwnershipGuardsWrites(t *testing.T) {
	s := newTestStore(t, Options{Owner: denyOwnership{}})
	_, err := s.Create(context.Background(), "Algebra", "tutor", domain.DefaultSettings())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestListIsSorted(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, name, "tutor", domain.DefaultSettings())
		require.NoError(t, err)
	}
	list := s.List(ctx)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
}

func TestCancelledWriteIsSkipped(t *testing.T) {
	s := newTestStore(t, Options{})
	v, err := s.Create(context.Background(), "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err = s.Mutate(ctx, v.ID, func(m *domain.Meeting) ([]domain.Event, error) {
		called = true
		return nil, nil
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := NewJanitor(s, "every now and then")
	assert.Error(t, err)

	j, err := NewJanitor(s, "@every 1h")
	require.NoError(t, err)
	j.Start()
	j.Stop()
}
