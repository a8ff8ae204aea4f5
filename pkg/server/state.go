package server

import (
	"sort"

	"github.com/NicolasHaas/relay/pkg/model"
)

// State bundles the three indices. Operations that touch more than one
// index acquire locks in the order rooms, sessions, subscriptions.
type State struct {
	Rooms    *RoomIndex
	Sessions *SessionRegistry
	Subs     *SubscriptionIndex
}

// NewState creates empty indices.
func NewState() *State {
	return &State{
		Rooms:    NewRoomIndex(),
		Sessions: NewSessionRegistry(),
		Subs:     NewSubscriptionIndex(),
	}
}

// JoinRoom adds the session to room on both sides. It returns false when
// the session is no longer live.
func (st *State) JoinRoom(id SessionID, room string) bool {
	st.Rooms.mu.Lock()
	defer st.Rooms.mu.Unlock()
	st.Sessions.mu.Lock()
	defer st.Sessions.mu.Unlock()

	s, ok := st.Sessions.sessions[id]
	if !ok {
		return false
	}
	st.Rooms.joinLocked(room, id)
	s.Rooms[room] = struct{}{}
	return true
}

// LeaveRoom removes the session from room on both sides and reports
// whether it was a member. Leaving twice is a no-op.
func (st *State) LeaveRoom(id SessionID, room string) bool {
	st.Rooms.mu.Lock()
	defer st.Rooms.mu.Unlock()
	st.Sessions.mu.Lock()
	defer st.Sessions.mu.Unlock()

	left := st.Rooms.leaveLocked(room, id)
	if s, ok := st.Sessions.sessions[id]; ok {
		delete(s.Rooms, room)
	}
	return left
}

// RemoveSession deletes the session from every index in one critical
// section and returns its final snapshot. Only the first call for an id
// reports true.
func (st *State) RemoveSession(id SessionID) (SessionSnapshot, bool) {
	st.Rooms.mu.Lock()
	defer st.Rooms.mu.Unlock()
	st.Sessions.mu.Lock()
	defer st.Sessions.mu.Unlock()
	st.Subs.mu.Lock()
	defer st.Subs.mu.Unlock()

	s, ok := st.Sessions.sessions[id]
	if !ok {
		return SessionSnapshot{}, false
	}
	snap := s.snapshot()
	for _, room := range snap.Rooms {
		st.Rooms.leaveLocked(room, id)
	}
	st.Sessions.removeLocked(id)
	st.Subs.removeSubscriberLocked(id)
	return snap, true
}

// RoomRoster returns the room's member ids and their public view, sorted
// by username.
func (st *State) RoomRoster(room string) ([]SessionID, []model.RoomUser) {
	st.Rooms.mu.RLock()
	defer st.Rooms.mu.RUnlock()
	st.Sessions.mu.RLock()
	defer st.Sessions.mu.RUnlock()

	ids := st.Rooms.membersLocked(room)
	users := make([]model.RoomUser, 0, len(ids))
	for _, id := range ids {
		if s, ok := st.Sessions.sessions[id]; ok {
			users = append(users, s.roomUser())
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return ids, users
}

// CoMembers returns every session sharing at least one room with id,
// excluding id itself.
func (st *State) CoMembers(id SessionID) []SessionID {
	st.Rooms.mu.RLock()
	defer st.Rooms.mu.RUnlock()
	st.Sessions.mu.RLock()
	defer st.Sessions.mu.RUnlock()

	s, ok := st.Sessions.sessions[id]
	if !ok {
		return nil
	}
	seen := make(map[SessionID]struct{})
	var result []SessionID
	for room := range s.Rooms {
		for other := range st.Rooms.members[room] {
			if other == id {
				continue
			}
			if _, dup := seen[other]; dup {
				continue
			}
			seen[other] = struct{}{}
			result = append(result, other)
		}
	}
	return result
}

// AccountStatus returns the status of a live session for account, or
// offline when none is connected.
func (st *State) AccountStatus(account int64) model.Status {
	snap, ok := st.Sessions.FindBy(func(s *Session) bool { return s.AccountID == account })
	if !ok {
		return model.StatusOffline
	}
	return snap.Status
}
