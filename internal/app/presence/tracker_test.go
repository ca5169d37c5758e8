package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const grace = 40 * time.Millisecond

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Consume(ch core.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ch.Events...)
}

func (l *eventLog) kinds() []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	store   *session.Store
	tracker *Tracker
	log     *eventLog
	meeting domain.MeetingID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := &eventLog{}
	store := session.NewStore(context.Background(), session.Options{}, l)
	t.Cleanup(store.Close)
	v, err := store.Create(context.Background(), "Algebra", "tutor", domain.DefaultSettings())
	require.NoError(t, err)
	return &fixture{store: store, tracker: NewTracker(store, grace), log: l, meeting: v.ID}
}

// join admits a participant and opens its attach window.
func (f *fixture) join(t *testing.T, pid domain.ParticipantID) {
	t.Helper()
	err := f.store.Mutate(context.Background(), f.meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		m.Admit(&domain.Participant{ID: pid, UserID: domain.UserID(pid), Name: string(pid)})
		f.tracker.Expect(m, pid)
		return nil, nil
	})
	require.NoError(t, err)
}

func (f *fixture) participant(t *testing.T, pid domain.ParticipantID) *domain.ParticipantView {
	t.Helper()
	var out *domain.ParticipantView
	require.NoError(t, f.store.View(context.Background(), f.meeting, func(m *domain.Meeting) {
		if p := m.Participant(pid); p != nil {
			v := p.View()
			out = &v
		}
	}))
	return out
}

func TestReconnectWithinGraceIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "s")

	tok, err := f.tracker.Connect(ctx, f.meeting, "s")
	require.NoError(t, err)
	assert.True(t, f.tracker.Heartbeat(f.meeting, "s", tok))

	require.NoError(t, f.tracker.Disconnect(ctx, f.meeting, "s", tok))
	assert.Equal(t, domain.ConnPending, f.participant(t, "s").Conn)
	assert.False(t, f.tracker.Heartbeat(f.meeting, "s", tok))

	tok2, err := f.tracker.Connect(ctx, f.meeting, "s")
	require.NoError(t, err)
	assert.Greater(t, tok2, tok)

	time.Sleep(2 * grace)
	p := f.participant(t, "s")
	require.NotNil(t, p)
	assert.Equal(t, domain.ConnConnected, p.Conn)
	assert.Equal(t, []domain.EventKind{
		domain.EventParticipantReconnecting,
		domain.EventParticipantReconnected,
	}, f.log.kinds())
}

func TestGraceExpiryRemovesParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var emptied atomic.Bool
	f.tracker.OnEmpty(func(m *domain.Meeting) { emptied.Store(true) })

	f.join(t, "s")
	tok, err := f.tracker.Connect(ctx, f.meeting, "s")
	require.NoError(t, err)
	require.NoError(t, f.tracker.Disconnect(ctx, f.meeting, "s", tok))

	require.Eventually(t, func() bool { return f.participant(t, "s") == nil }, time.Second, 5*time.Millisecond)
	assert.True(t, emptied.Load())
	assert.Equal(t, []domain.EventKind{
		domain.EventParticipantReconnecting,
		domain.EventParticipantLeft,
	}, f.log.kinds())

	_, err = f.tracker.Connect(ctx, f.meeting, "s")
	assert.ErrorIs(t, err, domain.ErrRejoinDenied)
}

func TestUnattachedJoinExpires(t *testing.T) {
	f := newFixture(t)
	f.join(t, "s")
	require.Eventually(t, func() bool { return f.participant(t, "s") == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EventKind{domain.EventParticipantLeft}, f.log.kinds())
}

func TestStaleDisconnectIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "s")
	old, err := f.tracker.Connect(ctx, f.meeting, "s")
	require.NoError(t, err)
	cur, err := f.tracker.Connect(ctx, f.meeting, "s")
	require.NoError(t, err)

	require.NoError(t, f.tracker.Disconnect(ctx, f.meeting, "s", old))
	assert.Equal(t, domain.ConnConnected, f.participant(t, "s").Conn)
	assert.True(t, f.tracker.Heartbeat(f.meeting, "s", cur))
	assert.Empty(t, f.log.kinds())
}

func TestReleaseCancelsGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "s")

	err := f.store.Mutate(ctx, f.meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		f.tracker.Release(m, "s")
		return nil, nil
	})
	require.NoError(t, err)
	time.Sleep(2 * grace)
	assert.NotNil(t, f.participant(t, "s"), "released slot is not expired by a stale timer")

	_, ok := f.tracker.LastSeen(f.meeting, "s")
	assert.False(t, ok)
}

func TestForgetMeeting(t *testing.T) {
	f := newFixture(t)
	f.join(t, "a")
	f.join(t, "b")
	f.tracker.ForgetMeeting(f.meeting)
	time.Sleep(2 * grace)
	assert.NotNil(t, f.participant(t, "a"))
	assert.NotNil(t, f.participant(t, "b"))
}

func TestDefaultGrace(t *testing.T) {
	assert.Equal(t, DefaultGrace, NewTracker(nil, 0).Grace())
}
