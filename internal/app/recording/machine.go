// Package recording runs the per-meeting recording state machine:
// off -> starting -> on -> stopping -> off, host-only, one request in flight,
// and a bounded wait for the backend before falling back.
package recording

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

const DefaultTimeout = 15 * time.Second

type outcome struct {
	state domain.RecordingState
	err   error
}

// inflight is the single outstanding request of a meeting.
type inflight struct {
	epoch  uint64
	action domain.RecordingAction
	timer  *time.Timer
	done   chan outcome
}

type Machine struct {
	store   core.Store
	backend core.RecordingBackend
	timeout time.Duration

	mu      sync.Mutex
	pending map[domain.MeetingID]*inflight
}

var _ core.RecordingConfirmer = (*Machine)(nil)

func NewMachine(store core.Store, backend core.RecordingBackend, timeout time.Duration) *Machine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Machine{
		store:   store,
		backend: backend,
		timeout: timeout,
		pending: make(map[domain.MeetingID]*inflight),
	}
}

// Request asks for a start or stop on behalf of requester and waits for the
// backend outcome. Cancelling ctx stops the wait only; once the transition
// is committed the backend is asked and the outcome comes from confirmation
// or the timeout.
func (r *Machine) Request(ctx context.Context, meeting domain.MeetingID, requester domain.ParticipantID, action domain.RecordingAction) (domain.RecordingState, error) {
	var inf *inflight
	err := r.store.Mutate(ctx, meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		if !m.IsHost(requester) || m.Participant(requester) == nil {
			return nil, domain.NewForbidden("only the host can control recording")
		}
		rec := m.Recording
		var next domain.RecordingState
		switch action {
		case domain.RecordingStart:
			if !m.Settings.AllowRecording {
				return nil, domain.NewForbidden("recording is disabled for this meeting")
			}
			switch rec.State {
			case domain.RecordingOff:
				next = domain.RecordingStarting
			case domain.RecordingOn:
				return nil, domain.NewConflict("recording already on")
			default:
				return nil, domain.NewConflict("recording request already in progress")
			}
		case domain.RecordingStop:
			switch rec.State {
			case domain.RecordingOn:
				next = domain.RecordingStopping
			case domain.RecordingOff:
				return nil, domain.NewConflict("recording is not running")
			default:
				return nil, domain.NewConflict("recording request already in progress")
			}
		default:
			return nil, domain.NewInvalidField("unknown recording action")
		}

		m.Recording = domain.Recording{State: next, HostID: requester, Handle: rec.Handle, Epoch: rec.Epoch + 1}
		inf = &inflight{epoch: m.Recording.Epoch, action: action, done: make(chan outcome, 1)}
		r.mu.Lock()
		r.pending[meeting] = inf
		inf.timer = time.AfterFunc(r.timeout, func() {
			r.resolve(meeting, inf.epoch, "", domain.NewBackendTimeout("recording backend did not confirm "+string(action)))
		})
		r.mu.Unlock()

		// the backend is asked whenever the transition commits, even if
		// the caller stops waiting before Mutate returns
		go r.command(meeting, inf, rec.Handle)
		log.Info().Str("module", "app.recording").Str("meeting", string(meeting)).Str("action", string(action)).Msg("recording requested")

		return []domain.Event{stateEvent(m.Recording)}, nil
	})
	if err != nil {
		return "", err
	}

	select {
	case out := <-inf.done:
		return out.state, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// command issues the backend call bounded by the same timeout as the wait.
func (r *Machine) command(meeting domain.MeetingID, inf *inflight, handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	var err error
	switch inf.action {
	case domain.RecordingStart:
		var h string
		h, err = r.backend.StartRecording(ctx, meeting)
		if err == nil && h != "" {
			r.rememberHandle(meeting, inf.epoch, h)
		}
	case domain.RecordingStop:
		err = r.backend.StopRecording(ctx, meeting, handle)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.NewBackendTimeout("recording backend did not answer", err)
		}
		r.resolve(meeting, inf.epoch, "", err)
	}
}

func (r *Machine) rememberHandle(meeting domain.MeetingID, epoch uint64, handle string) {
	err := r.store.Mutate(context.Background(), meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		if m.Recording.Epoch == epoch && m.Recording.Handle == "" {
			m.Recording.Handle = handle
		}
		return nil, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("module", "app.recording").Str("meeting", string(meeting)).Str("handle", handle).Msg("remember handle")
	}
}

// Confirm implements core.RecordingConfirmer. Confirmations that do not
// match the request in flight are ignored.
func (r *Machine) Confirm(meeting domain.MeetingID, action domain.RecordingAction, handle string) {
	if epoch, ok := r.current(meeting, action); ok {
		r.resolve(meeting, epoch, handle, nil)
		return
	}
	log.Debug().Str("module", "app.recording").Str("meeting", string(meeting)).Str("action", string(action)).Msg("confirmation matches nothing in flight")
}

// Fail implements core.RecordingConfirmer.
func (r *Machine) Fail(meeting domain.MeetingID, action domain.RecordingAction, err error) {
	if epoch, ok := r.current(meeting, action); ok {
		r.resolve(meeting, epoch, "", err)
	}
}

func (r *Machine) current(meeting domain.MeetingID, action domain.RecordingAction) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inf, ok := r.pending[meeting]
	if !ok || inf.action != action {
		return 0, false
	}
	return inf.epoch, true
}

// Lost implements core.RecordingConfirmer. A recording that is on and still
// carries handle goes off and the room is told why.
func (r *Machine) Lost(meeting domain.MeetingID, handle string, cause error) {
	if cause == nil {
		cause = errors.New("recording stopped unexpectedly")
	}
	err := r.store.Mutate(context.Background(), meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		rec := m.Recording
		if rec.State != domain.RecordingOn || rec.Handle != handle {
			return nil, errStale
		}
		m.Recording = domain.Recording{State: domain.RecordingOff, Epoch: rec.Epoch + 1}
		return []domain.Event{
			{
				Kind:    domain.EventRecordingError,
				Payload: domain.RecordingFailed{Action: domain.RecordingStop, Reason: cause.Error(), State: domain.RecordingOff},
			},
			stateEvent(m.Recording),
		}, nil
	})
	if err == nil {
		log.Warn().Err(cause).Str("module", "app.recording").Str("meeting", string(meeting)).Msg("recording lost")
	}
}

// Abort settles an outstanding request of a meeting that just ended.
func (r *Machine) Abort(meeting domain.MeetingID) {
	r.mu.Lock()
	inf, ok := r.pending[meeting]
	if ok {
		delete(r.pending, meeting)
		inf.timer.Stop()
	}
	r.mu.Unlock()
	if ok {
		inf.done <- outcome{state: domain.RecordingOff, err: domain.ErrMeetingNotFound}
	}
}

// resolve moves a transitional state to its final one. failure reverts
// starting to off and stopping to on and tells the whole room why. The
// waiter is claimed in the same mutation that commits the final state.
func (r *Machine) resolve(meeting domain.MeetingID, epoch uint64, handle string, failure error) {
	var (
		final domain.RecordingState
		inf   *inflight
	)
	err := r.store.Mutate(context.Background(), meeting, func(m *domain.Meeting) ([]domain.Event, error) {
		rec := m.Recording
		if rec.Epoch != epoch || !rec.State.Transitional() {
			return nil, errStale
		}
		action := domain.RecordingStart
		if rec.State == domain.RecordingStopping {
			action = domain.RecordingStop
		}
		switch {
		case failure == nil && action == domain.RecordingStart:
			if handle == "" {
				handle = rec.Handle
			}
			m.Recording = domain.Recording{State: domain.RecordingOn, HostID: rec.HostID, Handle: handle, Epoch: rec.Epoch}
		case failure == nil:
			m.Recording = domain.Recording{State: domain.RecordingOff, Epoch: rec.Epoch}
		case action == domain.RecordingStart:
			m.Recording = domain.Recording{State: domain.RecordingOff, Epoch: rec.Epoch}
		default:
			m.Recording = domain.Recording{State: domain.RecordingOn, HostID: rec.HostID, Handle: rec.Handle, Epoch: rec.Epoch}
		}
		final = m.Recording.State
		inf = r.claim(meeting, epoch)

		events := []domain.Event{}
		if failure != nil {
			events = append(events, domain.Event{
				Kind:    domain.EventRecordingError,
				Payload: domain.RecordingFailed{Action: action, Reason: failure.Error(), State: final},
			})
		}
		return append(events, stateEvent(m.Recording)), nil
	})
	switch {
	case errors.Is(err, errStale):
		return
	case err != nil:
		if inf == nil {
			inf = r.claim(meeting, epoch)
		}
		if inf != nil {
			inf.done <- outcome{err: err}
		}
		return
	case inf == nil:
		return
	case failure != nil:
		log.Warn().Err(failure).Str("module", "app.recording").Str("meeting", string(meeting)).Str("state", string(final)).Msg("recording transition failed")
		inf.done <- outcome{state: final, err: asDomain(failure)}
	default:
		log.Info().Str("module", "app.recording").Str("meeting", string(meeting)).Str("state", string(final)).Msg("recording confirmed")
		inf.done <- outcome{state: final}
	}
}

// claim removes the request of epoch from the pending set and stops its
// timer. It returns nil when that request was already settled.
func (r *Machine) claim(meeting domain.MeetingID, epoch uint64) *inflight {
	r.mu.Lock()
	defer r.mu.Unlock()
	inf, ok := r.pending[meeting]
	if !ok || inf.epoch != epoch {
		return nil
	}
	delete(r.pending, meeting)
	inf.timer.Stop()
	return inf
}

var errStale = errors.New("stale recording resolution")

func asDomain(err error) error {
	if domain.KindOf(err) != domain.KindInternal {
		return err
	}
	return domain.NewInternal("recording backend failed", err)
}

func stateEvent(rec domain.Recording) domain.Event {
	return domain.Event{
		Kind:    domain.EventRecordingStateChanged,
		Payload: domain.RecordingChanged{State: rec.State, HostID: rec.HostID},
	}
}
