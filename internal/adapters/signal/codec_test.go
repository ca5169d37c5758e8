package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/liveroom/internal/domain"
)

func TestDecodeInbound(t *testing.T) {
	env, err := decodeInbound([]byte(`{"type":"chat","ref":"r1","payload":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, "chat", env.Type)
	assert.Equal(t, "r1", env.Ref)

	var p chatPayload
	require.NoError(t, decodePayload(env, &p))
	assert.Equal(t, "hi", p.Text)

	for name, raw := range map[string]string{
		"not json":     `{`,
		"missing type": `{"payload":{}}`,
		"long type":    `{"type":"` + strings.Repeat("x", 40) + `"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := decodeInbound([]byte(raw))
			assert.ErrorIs(t, err, domain.ErrInvalidField)
		})
	}
}

func TestDecodePayloadValidates(t *testing.T) {
	var rec recordingPayload
	err := decodePayload(inbound{Type: "recording", Payload: []byte(`{"action":"pause"}`)}, &rec)
	assert.ErrorIs(t, err, domain.ErrInvalidField)

	err = decodePayload(inbound{Type: "recording"}, &rec)
	assert.ErrorIs(t, err, domain.ErrInvalidField)

	var chat chatPayload
	err = decodePayload(inbound{Type: "chat", Payload: []byte(`{"text":""}`)}, &chat)
	assert.ErrorIs(t, err, domain.ErrInvalidField)
}

func TestEncodeFrames(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := encodeEvent(domain.Event{
		Kind:      domain.EventChatMessage,
		MeetingID: "m1",
		Seq:       7,
		At:        at,
		Payload:   domain.ChatMessage{ParticipantID: "p", Name: "Ann", Text: "hi"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"v": 1,
		"type": "chat-message",
		"meetingId": "m1",
		"seq": 7,
		"at": "2026-03-01T10:00:00Z",
		"payload": {"participantId": "p", "name": "Ann", "text": "hi"}
	}`, string(b))

	assert.JSONEq(t,
		`{"type":"error","code":"forbidden","message":"only the host","ref":"r2"}`,
		string(encodeError(domain.NewForbidden("only the host"), "r2")))
}
