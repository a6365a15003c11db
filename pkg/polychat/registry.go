// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// Registry is the in-memory directory of all active Polychats and their
// claimed sub rooms, plus the explicit set of registered control rooms.
// It holds no business logic; linear scans are fine at the expected scale
// of tens to low hundreds of Polychats.
//
// The Registry exclusively owns the Polychat list. A ClaimedSubRoom pushed
// into a Polychat belongs to that Polychat alone.
type Registry struct {
	mu           sync.RWMutex
	polychats    []*Polychat
	controlRooms map[id.RoomID]*ControlRoom
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		controlRooms: make(map[id.RoomID]*ControlRoom),
	}
}

// AddPolychat registers a new Polychat.
func (r *Registry) AddPolychat(polychat *Polychat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polychats = append(r.polychats, polychat)
}

// RemovePolychat drops a Polychat from the registry.
func (r *Registry) RemovePolychat(polychat *Polychat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, pc := range r.polychats {
		if pc == polychat {
			r.polychats = append(r.polychats[:i], r.polychats[i+1:]...)
			return
		}
	}
}

// FindMainRoom returns the Polychat anchored at the given main room, or nil.
func (r *Registry) FindMainRoom(roomID id.RoomID) *Polychat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pc := range r.polychats {
		if pc.MainRoomID == roomID {
			return pc
		}
	}
	return nil
}

// FindClaimedSubRoom returns the Polychat and claimed sub room for the
// given room ID, or (nil, nil).
func (r *Registry) FindClaimedSubRoom(roomID id.RoomID) (*Polychat, *ClaimedSubRoom) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pc := range r.polychats {
		for _, sub := range pc.SubRooms {
			if sub.RoomID == roomID {
				return pc, sub
			}
		}
	}
	return nil, nil
}

// AttachSubRoom appends a claimed sub room to a Polychat.
func (r *Registry) AttachSubRoom(polychat *Polychat, sub *ClaimedSubRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	polychat.SubRooms = append(polychat.SubRooms, sub)
}

// UpdateSubRoom runs update on a claimed sub room while holding the
// registry write lock. Every post-claim field mutation goes through here
// so event handling never races with API reads.
func (r *Registry) UpdateSubRoom(sub *ClaimedSubRoom, update func(*ClaimedSubRoom)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(sub)
}

// SubRoomView returns a consistent copy of a claimed sub room.
func (r *Registry) SubRoomView(sub *ClaimedSubRoom) ClaimedSubRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *sub
}

// UpdatePolychat runs update on a Polychat's metadata under the write
// lock. Only scalar fields may be touched; the sub room list is managed by
// AttachSubRoom.
func (r *Registry) UpdatePolychat(polychat *Polychat, update func(*Polychat)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(polychat)
}

// PolychatView returns a consistent copy of a Polychat's metadata. The sub
// room list is cleared; use SubRoomsSnapshot for that.
func (r *Registry) PolychatView(polychat *Polychat) Polychat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := *polychat
	view.SubRooms = nil
	return view
}

// SubRoomsSnapshot returns a copy of a Polychat's claimed sub room list,
// safe to iterate while claims are appended concurrently.
func (r *Registry) SubRoomsSnapshot(polychat *Polychat) []*ClaimedSubRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]*ClaimedSubRoom, len(polychat.SubRooms))
	copy(snapshot, polychat.SubRooms)
	return snapshot
}

// AllPolychats returns a snapshot of the Polychat list.
func (r *Registry) AllPolychats() []*Polychat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]*Polychat, len(r.polychats))
	copy(snapshot, r.polychats)
	return snapshot
}

// RegisterControlRoom records a room as a control room.
func (r *Registry) RegisterControlRoom(room *ControlRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controlRooms[room.RoomID] = room
}

// IsControlRoom reports whether the room is a registered control room.
func (r *Registry) IsControlRoom(roomID id.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.controlRooms[roomID]
	return ok
}
