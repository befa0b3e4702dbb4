package realtime

import (
	"fmt"
	"log/slog"

	"github.com/glimte/cadence/internal/metrics"
)

// Relay fans playback control events out to the other sessions of the
// sender's identity
type Relay struct {
	rooms  *Rooms
	logger *slog.Logger
}

// NewRelay creates a relay over rooms
func NewRelay(rooms *Rooms, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rooms: rooms, logger: logger}
}

// Handle processes one inbound frame from from. Rejected frames are answered
// with an error event to the origin only and the error is returned.
func (r *Relay) Handle(from *Session, frame []byte) error {
	out, event, err := r.translate(frame)
	if err != nil {
		r.reject(from, event, err)
		return err
	}

	delivered, dropped := r.rooms.Broadcast(from.Identity, out, from.ID)
	metrics.RecordRealtimeEvent(event, true)
	if dropped > 0 {
		metrics.RealtimeFramesDropped.Add(float64(dropped))
		r.logger.Warn("session queue full, frame dropped",
			"identity", from.Identity,
			"event", event,
			"dropped", dropped)
	}

	r.logger.Debug("relayed realtime event",
		"sessionId", from.ID,
		"identity", from.Identity,
		"event", event,
		"delivered", delivered)
	return nil
}

// reject answers the origin session with an error event; nothing is broadcast
func (r *Relay) reject(from *Session, event string, err error) {
	metrics.RecordRealtimeEvent(eventLabel(event), false)
	r.logger.Warn("rejected realtime event",
		"sessionId", from.ID,
		"identity", from.Identity,
		"event", event,
		"error", err)
	r.rooms.Send(from, errorFrame(err))
}

func (r *Relay) translate(frame []byte) ([]byte, string, error) {
	env, err := DecodeEnvelope(frame)
	if err != nil {
		return nil, "", err
	}

	switch env.Event {
	case EventPlay:
		data, err := DecodePlay(env)
		if err != nil {
			return nil, env.Event, err
		}
		out, err := EncodeEvent(EventPlay, data)
		return out, env.Event, err
	case EventPause:
		out, err := EncodeEvent(EventPause, nil)
		return out, env.Event, err
	default:
		return nil, env.Event, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// eventLabel keeps the metric label set bounded
func eventLabel(event string) string {
	switch event {
	case EventPlay, EventPause:
		return event
	case "":
		return "malformed"
	default:
		return "unknown"
	}
}
