package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Session) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-s.send:
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestRooms(t *testing.T) {
	t.Run("groups sessions by identity", func(t *testing.T) {
		rooms := NewRooms()
		a1 := NewSession(nil, "alice", 4)
		a2 := NewSession(nil, "alice", 4)
		b1 := NewSession(nil, "bob", 4)

		assert.Equal(t, SessionPending, a1.State())
		rooms.Join(a1)
		rooms.Join(a2)
		rooms.Join(b1)

		sessions, count := rooms.Counts()
		assert.Equal(t, 3, sessions)
		assert.Equal(t, 2, count)
		assert.Equal(t, 2, rooms.Members("alice"))
		assert.Equal(t, SessionAuthenticated, a1.State())
		assert.Len(t, rooms.All(), 3)
	})

	t.Run("joining twice counts once", func(t *testing.T) {
		rooms := NewRooms()
		a1 := NewSession(nil, "alice", 4)
		rooms.Join(a1)
		rooms.Join(a1)

		sessions, _ := rooms.Counts()
		assert.Equal(t, 1, sessions)
	})

	t.Run("broadcast skips the excluded session and other rooms", func(t *testing.T) {
		rooms := NewRooms()
		a1 := NewSession(nil, "alice", 4)
		a2 := NewSession(nil, "alice", 4)
		b1 := NewSession(nil, "bob", 4)
		rooms.Join(a1)
		rooms.Join(a2)
		rooms.Join(b1)

		delivered, dropped := rooms.Broadcast("alice", []byte("frame"), a1.ID)
		assert.Equal(t, 1, delivered)
		assert.Equal(t, 0, dropped)

		assert.Empty(t, drain(a1))
		assert.Equal(t, [][]byte{[]byte("frame")}, drain(a2))
		assert.Empty(t, drain(b1))
	})

	t.Run("a full queue drops the frame for that session only", func(t *testing.T) {
		rooms := NewRooms()
		slow := NewSession(nil, "alice", 1)
		fast := NewSession(nil, "alice", 4)
		rooms.Join(slow)
		rooms.Join(fast)

		rooms.Broadcast("alice", []byte("1"), "")
		delivered, dropped := rooms.Broadcast("alice", []byte("2"), "")
		assert.Equal(t, 1, delivered)
		assert.Equal(t, 1, dropped)

		assert.Len(t, drain(slow), 1)
		assert.Len(t, drain(fast), 2)
	})

	t.Run("leave removes the session and closes its queue", func(t *testing.T) {
		rooms := NewRooms()
		a1 := NewSession(nil, "alice", 4)
		rooms.Join(a1)

		require.True(t, rooms.Leave(a1))
		assert.False(t, rooms.Leave(a1))
		assert.Equal(t, SessionClosed, a1.State())

		_, ok := <-a1.Outbound()
		assert.False(t, ok)

		sessions, count := rooms.Counts()
		assert.Equal(t, 0, sessions)
		assert.Equal(t, 0, count)

		assert.False(t, rooms.Send(a1, []byte("late")))
		delivered, _ := rooms.Broadcast("alice", []byte("late"), "")
		assert.Equal(t, 0, delivered)
	})

	t.Run("concurrent joins, leaves and broadcasts are safe", func(t *testing.T) {
		rooms := NewRooms()
		var wg sync.WaitGroup

		for i := 0; i < 50; i++ {
			wg.Add(2)
			s := NewSession(nil, "alice", 2)
			go func() {
				defer wg.Done()
				rooms.Join(s)
				rooms.Leave(s)
			}()
			go func() {
				defer wg.Done()
				rooms.Broadcast("alice", []byte("x"), "")
			}()
		}
		wg.Wait()

		sessions, count := rooms.Counts()
		assert.Equal(t, 0, sessions)
		assert.Equal(t, 0, count)
	})
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "pending", SessionPending.String())
	assert.Equal(t, "authenticated", SessionAuthenticated.String())
	assert.Equal(t, "closed", SessionClosed.String())
	assert.Equal(t, "unknown", SessionState(9).String())
}
