package realtime

import (
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	relay      *Relay
	a1, a2, b1 *Session
}

func newRelayFixture() *relayFixture {
	rooms := NewRooms()
	f := &relayFixture{
		relay: NewRelay(rooms, slog.New(slog.DiscardHandler)),
		a1:    NewSession(nil, "alice", 8),
		a2:    NewSession(nil, "alice", 8),
		b1:    NewSession(nil, "bob", 8),
	}
	rooms.Join(f.a1)
	rooms.Join(f.a2)
	rooms.Join(f.b1)
	return f
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(frame, &m))
	return m
}

func TestRelay(t *testing.T) {
	t.Run("play reaches the other sessions of the same identity only", func(t *testing.T) {
		f := newRelayFixture()

		require.NoError(t, f.relay.Handle(f.a1, []byte(`{"event":"play","data":{"musicId":"song-7","extra":true}}`)))

		frames := drain(f.a2)
		require.Len(t, frames, 1)
		assert.JSONEq(t, `{"event":"play","data":{"musicId":"song-7"}}`, string(frames[0]))
		assert.Empty(t, drain(f.a1))
		assert.Empty(t, drain(f.b1))
	})

	t.Run("pause carries no data", func(t *testing.T) {
		f := newRelayFixture()

		require.NoError(t, f.relay.Handle(f.a2, []byte(`{"event":"pause"}`)))

		frames := drain(f.a1)
		require.Len(t, frames, 1)
		assert.JSONEq(t, `{"event":"pause"}`, string(frames[0]))
		assert.Empty(t, drain(f.a2))
	})

	t.Run("a lone session relays to nobody", func(t *testing.T) {
		f := newRelayFixture()

		require.NoError(t, f.relay.Handle(f.b1, []byte(`{"event":"pause"}`)))
		assert.Empty(t, drain(f.b1))
		assert.Empty(t, drain(f.a1))
	})

	t.Run("malformed frames are answered to the origin only", func(t *testing.T) {
		f := newRelayFixture()

		err := f.relay.Handle(f.a1, []byte(`{not json`))
		assert.ErrorIs(t, err, ErrMalformedEvent)

		frames := drain(f.a1)
		require.Len(t, frames, 1)
		msg := decodeFrame(t, frames[0])
		assert.Equal(t, EventError, msg["event"])
		assert.Contains(t, msg["data"].(map[string]any)["message"], "malformed")
		assert.Empty(t, drain(f.a2))
	})

	t.Run("play without a musicId is rejected", func(t *testing.T) {
		f := newRelayFixture()

		assert.ErrorIs(t, f.relay.Handle(f.a1, []byte(`{"event":"play"}`)), ErrMalformedEvent)
		assert.ErrorIs(t, f.relay.Handle(f.a1, []byte(`{"event":"play","data":{"musicId":""}}`)), ErrMalformedEvent)
		assert.ErrorIs(t, f.relay.Handle(f.a1, []byte(`{"event":"play","data":"song"}`)), ErrMalformedEvent)

		assert.Len(t, drain(f.a1), 3)
		assert.Empty(t, drain(f.a2))
	})

	t.Run("unknown events are rejected", func(t *testing.T) {
		f := newRelayFixture()

		err := f.relay.Handle(f.a1, []byte(`{"event":"seek","data":{"position":10}}`))
		assert.ErrorIs(t, err, ErrUnknownEvent)
		assert.Len(t, drain(f.a1), 1)
		assert.Empty(t, drain(f.a2))
	})

	t.Run("an envelope without an event name is malformed", func(t *testing.T) {
		f := newRelayFixture()
		assert.ErrorIs(t, f.relay.Handle(f.a1, []byte(`{"data":{}}`)), ErrMalformedEvent)
	})
}

func TestEncodeEvent(t *testing.T) {
	frame, err := EncodeEvent(EventPlay, PlayData{MusicID: "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"play","data":{"musicId":"1"}}`, string(frame))

	frame, err = EncodeEvent(EventPause, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"pause"}`, string(frame))
}
