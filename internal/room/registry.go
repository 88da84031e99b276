// Package room implements the in-memory room registry: the authoritative
// mapping from room identifiers to the set of live connections subscribed to
// them. The registry is the only cross-connection shared mutable state in the
// messaging core; all access is serialized through its read-write lock.
package room

import (
	"errors"
	"log"
	"sync"
)

// ErrRoomFull is returned by JoinWithLimit when the room already holds the
// maximum number of members.
var ErrRoomFull = errors.New("room: room is full")

// Member is a live connection from the registry's point of view. It is the
// minimal surface the registry needs: a stable key for identity and exclusion,
// and a primitive to write one outbound frame.
type Member interface {
	Key() string
	Send(data []byte) error
}

// Registry maps room identifiers to their current member sets. Rooms are
// created implicitly on first join and pruned when their last member leaves;
// the registry holds presence only, never durable room or message history.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // roomID -> member key -> member
	joined  map[string]map[string]struct{} // member key -> set of roomIDs
	onDrop  func(Member)
}

// NewRegistry creates an empty registry. The onDrop callback is invoked
// (outside the registry lock) for any member whose send fails during a
// broadcast; the server wires it to the connection's disconnect path. A nil
// callback is allowed.
func NewRegistry(onDrop func(Member)) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]Member),
		joined: make(map[string]map[string]struct{}),
		onDrop: onDrop,
	}
}

// Join adds a member to a room, creating the room entry if it does not exist
// yet. Re-joining a room the member is already in is a no-op.
func (r *Registry) Join(roomID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(roomID, m)
}

// JoinWithLimit adds a member to a room only if the room currently holds
// fewer than max members. The capacity check and the insert happen under a
// single write lock, so two concurrent joiners racing for the last slot can
// never both pass the check. Re-joining a room the member is already in
// always succeeds and does not count against the limit.
func (r *Registry) JoinWithLimit(roomID string, m Member, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[roomID]; ok {
		if _, rejoin := members[m.Key()]; !rejoin && len(members) >= max {
			return ErrRoomFull
		}
	}
	r.joinLocked(roomID, m)
	return nil
}

func (r *Registry) joinLocked(roomID string, m Member) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Member)
		r.rooms[roomID] = members
	}
	members[m.Key()] = m

	rooms, ok := r.joined[m.Key()]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[m.Key()] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Leave removes a member from a room. If the member set becomes empty the
// room entry is pruned. Leaving a room the member is not in is a no-op.
func (r *Registry) Leave(roomID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, m.Key())
}

// LeaveAll removes a member from every room it is currently in and returns
// the identifiers of the rooms it left. It is the disconnect path: after it
// returns, no broadcast will attempt delivery to the member.
func (r *Registry) LeaveAll(memberKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.joined[memberKey]))
	for roomID := range r.joined[memberKey] {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		r.leaveLocked(roomID, memberKey)
	}
	return rooms
}

func (r *Registry) leaveLocked(roomID, memberKey string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, memberKey)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}

	if rooms, ok := r.joined[memberKey]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, memberKey)
		}
	}
}

// Broadcast delivers payload to every current member of the room except the
// member identified by excludeKey (pass "" to deliver to everyone). The
// member set is snapshotted under the read lock and writes happen outside it,
// so a send that suspends cannot stall membership changes. A failed send is a
// non-fatal per-member event: it triggers the drop callback for that member
// and delivery to the remaining members continues.
func (r *Registry) Broadcast(roomID string, payload []byte, excludeKey string) {
	r.mu.RLock()
	members := make([]Member, 0, len(r.rooms[roomID]))
	for key, m := range r.rooms[roomID] {
		if key == excludeKey {
			continue
		}
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		if err := m.Send(payload); err != nil {
			log.Printf("registry: send to member=%s room=%s failed: %v", m.Key(), roomID, err)
			if r.onDrop != nil {
				r.onDrop(m)
			}
		}
	}
}

// Members returns the number of current members of a room.
func (r *Registry) Members(roomID string) int {
	r.mu.RLock()
	n := len(r.rooms[roomID])
	r.mu.RUnlock()
	return n
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	n := len(r.rooms)
	r.mu.RUnlock()
	return n
}
