// Package natstap mirrors every committed meeting event onto NATS for
// persistence and analytics consumers. It is read-only towards the core and
// never blocks a commit: when the buffer is full the event is dropped and
// counted.
package natstap

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/dkeye/liveroom/internal/domain"
)

// Conn is the part of *nats.Conn the tap needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Record is the wire shape of one tapped event.
type Record struct {
	MeetingID domain.MeetingID `json:"meetingId"`
	Version   uint64           `json:"version"`
	Kind      domain.EventKind `json:"type"`
	Seq       uint64           `json:"seq,omitempty"`
	At        time.Time        `json:"at"`
	Payload   any              `json:"payload,omitempty"`
}

type Tap struct {
	conn    Conn
	prefix  string
	queue   chan Record
	dropped atomic.Uint64
}

var _ core.ChangeSink = (*Tap)(nil)

func New(conn Conn, prefix string, buffer int) *Tap {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Tap{conn: conn, prefix: prefix, queue: make(chan Record, buffer)}
}

// Consume implements core.ChangeSink.
func (t *Tap) Consume(ch core.Change) {
	for _, ev := range ch.Events {
		rec := Record{
			MeetingID: ch.MeetingID,
			Version:   ch.Version,
			Kind:      ev.Kind,
			Seq:       ev.Seq,
			At:        ev.At,
			Payload:   ev.Payload,
		}
		select {
		case t.queue <- rec:
		default:
			if n := t.dropped.Add(1); n&(n-1) == 0 {
				log.Warn().Str("module", "adapters.natstap").Uint64("dropped", n).Msg("tap buffer full, dropping events")
			}
		}
	}
}

// Dropped is the number of events lost to a full buffer.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// Subject is where events of kind for meeting are published.
func (t *Tap) Subject(meeting domain.MeetingID, kind domain.EventKind) string {
	return t.prefix + "." + string(meeting) + "." + string(kind)
}

// Run publishes queued records until ctx is done.
func (t *Tap) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-t.queue:
			t.publish(rec)
		}
	}
}

func (t *Tap) publish(rec Record) {
	data, err := Encode(rec)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.natstap").Str("kind", string(rec.Kind)).Msg("encode record")
		return
	}
	subj := t.Subject(rec.MeetingID, rec.Kind)
	if err := t.conn.Publish(subj, data); err != nil {
		log.Error().Err(err).Str("module", "adapters.natstap").Str("subject", subj).Msg("publish")
		return
	}
	log.Debug().Str("module", "adapters.natstap").Str("subject", subj).Msg("published")
}

// Encode is the msgpack encoding consumers decode with the json field names.
func Encode(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
