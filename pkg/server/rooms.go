package server

import (
	"sort"
	"sync"
)

// RoomCount is one row of the room listing.
type RoomCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// RoomIndex maps room names to their member sessions. A room exists only
// while it has at least one member.
//
// Membership changes go through State so that the session's own room set
// is updated in the same critical section.
type RoomIndex struct {
	mu      sync.RWMutex
	members map[string]map[SessionID]struct{} // room -> set of sessions
}

// NewRoomIndex creates an empty room index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		members: make(map[string]map[SessionID]struct{}),
	}
}

func (ri *RoomIndex) joinLocked(room string, id SessionID) bool {
	set, ok := ri.members[room]
	if !ok {
		set = make(map[SessionID]struct{})
		ri.members[room] = set
	}
	if _, dup := set[id]; dup {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (ri *RoomIndex) leaveLocked(room string, id SessionID) bool {
	set, ok := ri.members[room]
	if !ok {
		return false
	}
	if _, member := set[id]; !member {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(ri.members, room)
	}
	return true
}

func (ri *RoomIndex) membersLocked(room string) []SessionID {
	set := ri.members[room]
	result := make([]SessionID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	return result
}

// Members returns the sessions in a room. Unknown rooms yield an empty slice.
func (ri *RoomIndex) Members(room string) []SessionID {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.membersLocked(room)
}

// Has reports whether the room currently exists.
func (ri *RoomIndex) Has(room string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.members[room]
	return ok
}

// MembersCount returns how many sessions are in a room.
func (ri *RoomIndex) MembersCount(room string) int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.members[room])
}

// List returns every room with its member count, sorted by name.
func (ri *RoomIndex) List() []RoomCount {
	ri.mu.RLock()
	result := make([]RoomCount, 0, len(ri.members))
	for name, set := range ri.members {
		result = append(result, RoomCount{Name: name, Count: len(set)})
	}
	ri.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of non-empty rooms.
func (ri *RoomIndex) Count() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.members)
}
