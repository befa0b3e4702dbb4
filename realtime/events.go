package realtime

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Event names
const (
	EventPlay  = "play"
	EventPause = "pause"
	EventError = "error"
)

var (
	// ErrMalformedEvent is returned for frames that are not a valid event envelope
	ErrMalformedEvent = errors.New("realtime: malformed event")
	// ErrUnknownEvent is returned for envelopes naming an event the relay does not handle
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrUnsupportedFrame is returned for binary frames; events travel as JSON text
	ErrUnsupportedFrame = errors.New("realtime: unsupported frame type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the JSON frame exchanged with realtime clients
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PlayData is the payload of a play event
type PlayData struct {
	MusicID string `json:"musicId" validate:"required"`
}

// ErrorData is the payload of an error event sent back to the origin
type ErrorData struct {
	Message string `json:"message"`
}

// DecodeEnvelope parses an inbound frame
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: event name is required", ErrMalformedEvent)
	}
	return env, nil
}

// DecodePlay parses and validates the data of a play event
func DecodePlay(env Envelope) (PlayData, error) {
	var data PlayData
	if len(env.Data) == 0 {
		return data, fmt.Errorf("%w: play requires musicId", ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return data, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if err := validate.Struct(data); err != nil {
		return data, fmt.Errorf("%w: play requires musicId", ErrMalformedEvent)
	}
	return data, nil
}

// EncodeEvent builds an outbound frame. A nil data omits the data field.
func EncodeEvent(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("realtime: encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func errorFrame(err error) []byte {
	frame, _ := EncodeEvent(EventError, ErrorData{Message: err.Error()})
	return frame
}
