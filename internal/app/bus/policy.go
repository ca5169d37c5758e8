package bus

import "github.com/dkeye/liveroom/internal/domain"

type BackpressureAction int

const (
	// KickSubscriber closes the subscription and reports it as a transport drop.
	KickSubscriber BackpressureAction = iota
	// DropEvent skips the event for this subscriber only.
	DropEvent
)

// Policy decides what happens when a subscriber's queue is full.
type Policy interface {
	OnBackPressure(sub *Subscription, ev domain.Event) BackpressureAction
}

// SimplePolicy always kicks. Ordered events may never be dropped silently,
// because the subscriber would then see a gap.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Subscription, domain.Event) BackpressureAction {
	return KickSubscriber
}

// LenientPolicy drops last-writer-wins events for a slow subscriber and kicks
// only when an ordered event cannot be queued. A skipped flag stays stale on
// that client until the next toggle or reconnect snapshot.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ *Subscription, ev domain.Event) BackpressureAction {
	if ev.Kind.Ordered() {
		return KickSubscriber
	}
	return DropEvent
}
