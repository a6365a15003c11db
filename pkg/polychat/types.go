// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// Network identifies one of the chat networks a Polychat can bridge to.
type Network string

const (
	NetworkIRC      Network = "irc"
	NetworkMatrix   Network = "matrix"
	NetworkSignal   Network = "signal"
	NetworkTelegram Network = "telegram"
	NetworkWhatsApp Network = "whatsapp"
)

// AllNetworks lists every network the appservice knows about, in the
// stable order used for pool fills and API responses.
var AllNetworks = []Network{
	NetworkIRC,
	NetworkMatrix,
	NetworkSignal,
	NetworkTelegram,
	NetworkWhatsApp,
}

// ParseNetwork converts a string to a Network. The second return value
// is false for unknown network names.
func ParseNetwork(str string) (Network, bool) {
	switch Network(str) {
	case NetworkIRC, NetworkMatrix, NetworkSignal, NetworkTelegram, NetworkWhatsApp:
		return Network(str), true
	}
	return "", false
}

// Identity selects how a bridged participant is represented in the main room.
type Identity string

const (
	// IdentityInherit mirrors the user's profile on their native network,
	// refreshed lazily on every relayed message.
	IdentityInherit Identity = "inherit"
	// IdentityCustom uses a fixed display name chosen at claim time.
	IdentityCustom Identity = "custom"
)

// SubRoomUser is the identity a claimed sub room's external user has inside
// the main room. LocalpartInMainRoom is a synthetic appservice identity
// created once per claim; it is never reused within a process lifetime and
// survives restarts only via the persisted room state.
type SubRoomUser struct {
	Identity            Identity
	LocalpartInMainRoom string

	// DisplayName and Avatar are only meaningful for IdentityCustom.
	DisplayName string
	Avatar      string
}

// UnclaimedSubRoom is a provisioned-but-unassigned bridge endpoint on one
// network. It is owned by the pool until claimed.
type UnclaimedSubRoom struct {
	// PolychatUserID is the MXID of the bot identity operating this room.
	PolychatUserID id.UserID
	Network        Network
	RoomID         id.RoomID
	// InviteURL is the URL handed to a user so they can join the chat on
	// their network. Empty until provisioning completes.
	InviteURL        string
	TimestampCreated time.Time
	// TimestampReady is zero until the network-specific provisioning
	// protocol yielded an invite link.
	TimestampReady time.Time
	// LastDebugState is a free-text diagnostic breadcrumb. Never used for
	// control decisions.
	LastDebugState string
}

// IsReady reports whether the room is eligible to be claimed.
func (r *UnclaimedSubRoom) IsReady() bool {
	return !r.TimestampReady.IsZero() && r.InviteURL != ""
}

// ClaimedSubRoom is a sub room that has been handed to a user. From the
// moment of claim it belongs to exactly one Polychat.
type ClaimedSubRoom struct {
	UnclaimedSubRoom
	TimestampClaimed time.Time
	User             SubRoomUser
	// UserID is the bridge-controlled MXID of the external participant.
	// Only set once they actually joined the sub room, and set at most
	// once per claim: a re-join after a leave does not rebind it.
	UserID          id.UserID
	TimestampJoined time.Time
	TimestampLeft   time.Time
}

// ControlRoom is a room used for operator commands rather than bridging.
type ControlRoom struct {
	UnclaimedSubRoom
	TimestampClaimed time.Time
	TimestampJoined  time.Time
	TimestampLeft    time.Time
	UserID           id.UserID
}

// Polychat is one logical multi-network conversation, anchored by its
// main room. Sub rooms are appended at claim time and owned by the
// Polychat from then on.
type Polychat struct {
	Name       string
	Avatar     string
	MainRoomID id.RoomID
	SubRooms   []*ClaimedSubRoom
}
