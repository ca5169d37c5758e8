package signal

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"github.com/dkeye/liveroom/internal/domain"
)

var (
	codec    = jsoniter.ConfigCompatibleWithStandardLibrary
	validate = validator.New()
)

// inbound is the client envelope: {"type": ..., "payload": {...}}.
type inbound struct {
	Type    string          `json:"type" validate:"required,max=32"`
	Ref     string          `json:"ref,omitempty" validate:"max=64"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type chatPayload struct {
	Text string `json:"text" validate:"required"`
}

type whiteboardPayload struct {
	Op json.RawMessage `json:"op" validate:"required"`
}

type handPayload struct {
	Raised bool `json:"raised"`
}

type recordingPayload struct {
	Action string `json:"action" validate:"required,oneof=start stop"`
}

// outbound wraps an event with the envelope version.
type outbound struct {
	V int `json:"v"`
	domain.Event
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

type controlFrame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

func decodeInbound(data []byte) (inbound, error) {
	var env inbound
	if err := codec.Unmarshal(data, &env); err != nil {
		return env, domain.NewInvalidField("malformed envelope", err)
	}
	if err := validate.Struct(env); err != nil {
		return env, domain.NewInvalidField("invalid envelope", err)
	}
	return env, nil
}

// decodePayload unmarshals and validates the payload of env into v.
func decodePayload(env inbound, v any) error {
	if len(env.Payload) == 0 {
		return domain.NewInvalidField(env.Type + " payload is missing")
	}
	if err := codec.Unmarshal(env.Payload, v); err != nil {
		return domain.NewInvalidField("malformed "+env.Type+" payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return domain.NewInvalidField("invalid "+env.Type+" payload", err)
	}
	return nil
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	return codec.Marshal(outbound{V: domain.EnvelopeVersion, Event: ev})
}

func encodeError(err error, ref string) []byte {
	b, _ := codec.Marshal(errorFrame{
		Type:    "error",
		Code:    domain.KindOf(err).Code(),
		Message: err.Error(),
		Ref:     ref,
	})
	return b
}
