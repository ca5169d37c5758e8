package bus

import (
	"errors"
	"sync"

	"github.com/dkeye/liveroom/internal/domain"
)

var (
	ErrOverflow   = errors.New("subscriber queue overflow")
	ErrReplaced   = errors.New("subscription replaced by a newer connection")
	ErrRoomClosed = errors.New("room closed")
	ErrDetached   = errors.New("subscription detached")
)

// Subscription is the single live feed of one participant connection.
// The bus writes into a bounded queue; the connection drains it.
type Subscription struct {
	Meeting     domain.MeetingID
	Participant domain.ParticipantID
	Token       uint64

	queue chan domain.Event
	done  chan struct{}

	// guarded by the owning room's mutex
	closed bool
	err    error
	errMu  sync.Mutex
}

func newSubscription(meeting domain.MeetingID, pid domain.ParticipantID, token uint64, size int) *Subscription {
	return &Subscription{
		Meeting:     meeting,
		Participant: pid,
		Token:       token,
		queue:       make(chan domain.Event, size),
		done:        make(chan struct{}),
	}
}

// Events yields queued events and is closed when the subscription ends.
// Events queued before the close are still delivered.
func (s *Subscription) Events() <-chan domain.Event { return s.queue }

// Done is closed as soon as the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, nil while it is live.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// offer never blocks; false means the queue is full.
func (s *Subscription) offer(ev domain.Event) bool {
	if s.closed {
		return true
	}
	select {
	case s.queue <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	s.errMu.Lock()
	s.err = reason
	s.errMu.Unlock()
	close(s.done)
	close(s.queue)
}
