package orch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/presence"
	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/app/recording"
	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

var (
	tutor   = domain.User{ID: "tutor", Name: "Tutor"}
	student = domain.User{ID: "student", Name: "Student"}
)

type stackOptions struct {
	grace     time.Duration
	endGrace  time.Duration
	queueSize int
	backend   core.RecordingBackend
}

// spyBackend confirms like InstantBackend and remembers stop requests.
type spyBackend struct {
	recording.InstantBackend
	mu      sync.Mutex
	stopped []string
}

func (b *spyBackend) StopRecording(ctx context.Context, id domain.MeetingID, handle string) error {
	b.mu.Lock()
	b.stopped = append(b.stopped, handle)
	b.mu.Unlock()
	return b.InstantBackend.StopRecording(ctx, id, handle)
}

func (b *spyBackend) stops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.stopped...)
}

func newStack(t *testing.T, opts stackOptions) *Orchestrator {
	t.Helper()
	if opts.grace == 0 {
		opts.grace = time.Minute
	}
	if opts.endGrace == 0 {
		opts.endGrace = time.Minute
	}
	if opts.queueSize == 0 {
		opts.queueSize = 64
	}
	b := bus.New(opts.queueSize, bus.SimplePolicy{})
	store := session.NewStore(context.Background(), session.Options{Retention: time.Minute}, b)
	t.Cleanup(store.Close)
	tracker := presence.NewTracker(store, opts.grace)

	backend := opts.backend
	if backend == nil {
		backend = &recording.InstantBackend{}
	}
	machine := recording.NewMachine(store, backend, time.Second)
	switch be := backend.(type) {
	case *recording.InstantBackend:
		be.Confirmer = machine
	case *spyBackend:
		be.Confirmer = machine
	}

	o := &Orchestrator{
		Store:     store,
		Presence:  tracker,
		Bus:       b,
		Recording: machine,
		Backend:   backend,
		Reconnect: &reconnect.Handler{Store: store, Presence: tracker, Bus: b, ReplayTimeout: time.Second},
		EndGrace:  opts.endGrace,
	}
	o.Bind()
	return o
}

func recordingSettings() *domain.Settings {
	s := domain.DefaultSettings()
	s.AllowRecording = true
	return &s
}

// client is a socket stand-in: it attaches a participant and collects what
// the room delivers to it.
type client struct {
	t      *testing.T
	pid    domain.ParticipantID
	res    *reconnect.Resume
	events chan domain.Event
	cancel context.CancelFunc
	done   chan error

	mu   sync.Mutex
	seen []domain.Event
}

func connect(t *testing.T, o *Orchestrator, id domain.MeetingID, pid domain.ParticipantID, lastSeq uint64) *client {
	t.Helper()
	res, err := o.Attach(context.Background(), id, pid, lastSeq)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{t: t, pid: pid, res: res, events: make(chan domain.Event, 256), cancel: cancel, done: make(chan error, 1)}
	go func() {
		c.done <- res.Deliver(ctx, func(ev domain.Event) error {
			c.events <- ev
			return nil
		})
	}()
	t.Cleanup(cancel)
	return c
}

// next returns the next delivered event.
func (c *client) next() domain.Event {
	c.t.Helper()
	select {
	case ev := <-c.events:
		c.mu.Lock()
		c.seen = append(c.seen, ev)
		c.mu.Unlock()
		return ev
	case <-time.After(2 * time.Second):
		c.t.Fatalf("%s: no event delivered", c.pid)
		return domain.Event{}
	}
}

// expect skips ahead to the next event of kind.
func (c *client) expect(kind domain.EventKind) domain.Event {
	c.t.Helper()
	for {
		if ev := c.next(); ev.Kind == kind {
			return ev
		}
	}
}

// quiet asserts nothing else is delivered for d.
func (c *client) quiet(d time.Duration) {
	c.t.Helper()
	select {
	case ev := <-c.events:
		c.t.Fatalf("%s: unexpected %s", c.pid, ev.Kind)
	case <-time.After(d):
	}
}

func (c *client) kinds() []domain.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventKind, 0, len(c.seen))
	for _, ev := range c.seen {
		out = append(out, ev.Kind)
	}
	return out
}

// drop simulates a transport failure of the socket.
func (c *client) drop(o *Orchestrator, id domain.MeetingID) {
	c.t.Helper()
	c.cancel()
	<-c.done
	o.Detach(id, c.pid, c.res.Token)
}

func participant(t *testing.T, o *Orchestrator, id domain.MeetingID, pid domain.ParticipantID) *domain.ParticipantView {
	t.Helper()
	v, err := o.GetMeeting(context.Background(), id)
	require.NoError(t, err)
	for i := range v.Participants {
		if v.Participants[i].ID == pid {
			return &v.Participants[i]
		}
	}
	return nil
}
