package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/relay/pkg/model"
)

// SessionID identifies one live connection. Ids are UUIDv4 strings and are
// never handed out twice while the holder is still registered.
type SessionID string

// Session is the registry's record of a live connection.
type Session struct {
	ID            SessionID
	AccountID     int64
	Username      string
	DisplayName   string
	AvatarURL     string
	Status        model.Status
	Rooms         map[string]struct{}
	LastHeartbeat time.Time
	ConnectedAt   time.Time

	outbound chan []byte
}

// SessionSnapshot is a copy of a Session safe to use without the lock.
type SessionSnapshot struct {
	ID            SessionID
	AccountID     int64
	Username      string
	DisplayName   string
	AvatarURL     string
	Status        model.Status
	Rooms         []string
	LastHeartbeat time.Time
	ConnectedAt   time.Time
}

func (s *Session) snapshot() SessionSnapshot {
	rooms := make([]string, 0, len(s.Rooms))
	for r := range s.Rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return SessionSnapshot{
		ID:            s.ID,
		AccountID:     s.AccountID,
		Username:      s.Username,
		DisplayName:   s.DisplayName,
		AvatarURL:     s.AvatarURL,
		Status:        s.Status,
		Rooms:         rooms,
		LastHeartbeat: s.LastHeartbeat,
		ConnectedAt:   s.ConnectedAt,
	}
}

func (s *Session) roomUser() model.RoomUser {
	return model.RoomUser{
		Username:    s.Username,
		DisplayName: s.DisplayName,
		AvatarURL:   s.AvatarURL,
		Status:      s.Status,
	}
}

// SessionRegistry is the authoritative map of live sessions. It owns each
// session's outbound queue.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*Session
	now      func() time.Time
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[SessionID]*Session),
		now:      time.Now,
	}
}

// Register creates a session for an authenticated identity and returns its
// id together with the receive side of its outbound queue.
func (r *SessionRegistry) Register(id model.Identity, queueSize int) (SessionID, <-chan []byte) {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var sid SessionID
	for {
		sid = SessionID(uuid.NewString())
		if _, exists := r.sessions[sid]; !exists {
			break
		}
	}

	now := r.now()
	display := id.DisplayName
	if display == "" {
		display = id.Username
	}
	sess := &Session{
		ID:            sid,
		AccountID:     id.AccountID,
		Username:      id.Username,
		DisplayName:   display,
		AvatarURL:     id.AvatarURL,
		Status:        model.StatusOnline,
		Rooms:         make(map[string]struct{}),
		LastHeartbeat: now,
		ConnectedAt:   now,
		outbound:      make(chan []byte, queueSize),
	}
	r.sessions[sid] = sess
	return sid, sess.outbound
}

// Snapshot returns a copy of the session, or false if it is not live.
func (r *SessionRegistry) Snapshot(id SessionID) (SessionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return SessionSnapshot{}, false
	}
	return s.snapshot(), true
}

// Update applies fn to the session under the write lock. Acting on a
// removed session is a no-op reported as false.
func (r *SessionRegistry) Update(id SessionID, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Touch records a heartbeat for the session.
func (r *SessionRegistry) Touch(id SessionID) bool {
	now := r.now()
	return r.Update(id, func(s *Session) { s.LastHeartbeat = now })
}

// LastHeartbeat returns the last recorded heartbeat.
func (r *SessionRegistry) LastHeartbeat(id SessionID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return time.Time{}, false
	}
	return s.LastHeartbeat, true
}

// Remove deletes the session and returns the rooms it still claimed.
// Removing an absent session returns false.
func (r *SessionRegistry) Remove(id SessionID) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *SessionRegistry) removeLocked(id SessionID) ([]string, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s.snapshot().Rooms, true
}

// FindBy returns the first session matching pred. Iteration order is
// unspecified.
func (r *SessionRegistry) FindBy(pred func(*Session) bool) (SessionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if pred(s) {
			return s.snapshot(), true
		}
	}
	return SessionSnapshot{}, false
}

// Outbound returns the send side of the session's queue.
func (r *SessionRegistry) Outbound(id SessionID) (chan<- []byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.outbound, true
}

// All returns snapshots of every live session.
func (r *SessionRegistry) All() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]SessionSnapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.snapshot())
	}
	return result
}

// IDs returns the ids of every live session.
func (r *SessionRegistry) IDs() []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		result = append(result, id)
	}
	return result
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
