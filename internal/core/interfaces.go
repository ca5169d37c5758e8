// Package core holds the contracts between the coordination components.
// Nothing here knows about sockets or HTTP.
package core

import (
	"context"

	"github.com/dkeye/liveroom/internal/domain"
)

// Change describes one committed mutation of a meeting.
// Events are in commit order; Ended is set on the terminal mutation.
type Change struct {
	MeetingID domain.MeetingID
	Version   uint64
	Events    []domain.Event
	Ended     bool
}

// ChangeSink consumes committed changes. Consume is invoked from inside the
// meeting's serialized mutation, so it must never block and must never call
// back into the store.
type ChangeSink interface {
	Consume(Change)
}

// MutateFunc applies one mutation. It must validate before touching the
// meeting: returning an error after a partial write is not rolled back.
type MutateFunc func(m *domain.Meeting) ([]domain.Event, error)

// Store is the authoritative, per-meeting serialized record of meetings.
type Store interface {
	Create(ctx context.Context, name string, host domain.UserID, settings domain.Settings) (domain.MeetingView, error)
	Get(ctx context.Context, id domain.MeetingID) (domain.MeetingView, error)
	List(ctx context.Context) []domain.MeetingSummary
	// Mutate runs fn with no other mutation of the same meeting interleaved.
	// Ended meetings are immutable and report MeetingNotFound.
	Mutate(ctx context.Context, id domain.MeetingID, fn MutateFunc) error
	// View runs fn on the current state without committing a change.
	View(ctx context.Context, id domain.MeetingID, fn func(m *domain.Meeting)) error
	End(ctx context.Context, id domain.MeetingID, reason string) error
}

// Ownership decides whether this instance may write a meeting. Exactly one
// instance owns a meeting id at a time.
type Ownership interface {
	Claim(ctx context.Context, id domain.MeetingID) error
	Release(ctx context.Context, id domain.MeetingID) error
}

// LocalOwnership owns everything; it is the single-instance deployment.
type LocalOwnership struct{}

func (LocalOwnership) Claim(context.Context, domain.MeetingID) error   { return nil }
func (LocalOwnership) Release(context.Context, domain.MeetingID) error { return nil }

// RecordingBackend issues commands to the media backend. Both calls only
// acknowledge the command; the outcome arrives through a RecordingConfirmer.
type RecordingBackend interface {
	StartRecording(ctx context.Context, id domain.MeetingID) (handle string, err error)
	StopRecording(ctx context.Context, id domain.MeetingID, handle string) error
}

// RecordingConfirmer receives the backend's asynchronous outcomes.
type RecordingConfirmer interface {
	Confirm(id domain.MeetingID, action domain.RecordingAction, handle string)
	Fail(id domain.MeetingID, action domain.RecordingAction, err error)
	// Lost reports that a running recording stopped without being asked to.
	Lost(id domain.MeetingID, handle string, err error)
}
