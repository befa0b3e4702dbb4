package realtime

import "sync"

// Rooms groups sessions by identity. All membership changes go through
// Join and Leave.
type Rooms struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*Session
	sessions int
}

// NewRooms creates an empty registry
func NewRooms() *Rooms {
	return &Rooms{
		rooms: make(map[string]map[string]*Session),
	}
}

// Join adds s to the room named by its identity and marks it authenticated
func (r *Rooms) Join(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[s.Identity]
	if !ok {
		room = make(map[string]*Session)
		r.rooms[s.Identity] = room
	}
	if _, exists := room[s.ID]; !exists {
		room[s.ID] = s
		r.sessions++
	}
	s.setState(SessionAuthenticated)
}

// Leave removes s from its room and closes its send queue. It reports
// whether s was a member; later calls are no-ops.
func (r *Rooms) Leave(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[s.Identity]
	if !ok {
		return false
	}
	if _, ok := room[s.ID]; !ok {
		return false
	}

	delete(room, s.ID)
	if len(room) == 0 {
		delete(r.rooms, s.Identity)
	}
	r.sessions--

	s.setState(SessionClosed)
	close(s.send)
	return true
}

// Broadcast enqueues frame to every session in identity's room except the
// one with ID except. Sessions whose queue is full miss the frame.
func (r *Rooms) Broadcast(identity string, frame []byte, except string) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, s := range r.rooms[identity] {
		if id == except {
			continue
		}
		if s.enqueue(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// Send enqueues frame to s alone if it is still a member
func (r *Rooms) Send(s *Session, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.rooms[s.Identity][s.ID]; !ok {
		return false
	}
	return s.enqueue(frame)
}

// Members returns the number of sessions in identity's room
func (r *Rooms) Members(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[identity])
}

// Counts returns the number of sessions and non-empty rooms
func (r *Rooms) Counts() (sessions, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions, len(r.rooms)
}

// All returns every member session
func (r *Rooms) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, r.sessions)
	for _, room := range r.rooms {
		for _, s := range room {
			all = append(all, s)
		}
	}
	return all
}
