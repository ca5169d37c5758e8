package session

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

type op struct {
	ctx   context.Context
	write core.MutateFunc
	read  func(m *domain.Meeting)
	res   chan error
}

// room owns one meeting and the goroutine that serializes access to it.
type room struct {
	id      domain.MeetingID
	meeting *domain.Meeting
	ops     chan op

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// guarded by Store.mu
	evictAt time.Time
}

func newRoom(m *domain.Meeting, mailbox int) *room {
	return &room{
		id:      m.ID,
		meeting: m,
		ops:     make(chan op, mailbox),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *room) run(ctx context.Context, apply func(*room, op) error) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.quit:
			return
		case o := <-r.ops:
			o.res <- apply(r, o)
		}
	}
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// submit enqueues o and waits for its result. A cancelled ctx stops the wait;
// a write whose ctx is already done when it reaches the front is skipped.
func (r *room) submit(ctx context.Context, o op) error {
	o.res = make(chan error, 1)
	select {
	case r.ops <- o:
	case <-r.done:
		return domain.ErrMeetingNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.res:
		return err
	case <-r.done:
		return domain.ErrMeetingNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
}
