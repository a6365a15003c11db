// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Profile is a user's display profile as known to the homeserver.
type Profile struct {
	DisplayName string
	AvatarURL   string
}

// JoinedMember is one entry of a room's joined-members listing.
type JoinedMember struct {
	DisplayName string
}

// Intent performs Matrix operations as one specific appservice identity.
// The production implementation wraps a mautrix appservice IntentAPI; tests
// inject an in-memory fake.
type Intent interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error
	EnsureJoined(ctx context.Context, roomID id.RoomID) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
	SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error
	RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error)
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]JoinedMember, error)
	Profile(ctx context.Context, userID id.UserID) (*Profile, error)
	MemberDisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID) (string, error)
	SetDisplayName(ctx context.Context, displayName string) error
	SetPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error
}

// Transport is the room-oriented messaging substrate the core runs on.
// Bridge bots and human participants are both just identities addressable
// by MXID; the core never talks HTTP to the homeserver directly.
type Transport interface {
	// BotUserID is the MXID of the main appservice bot.
	BotUserID() id.UserID
	// BotIntent returns the intent for the main appservice bot.
	BotIntent() Intent
	// Intent returns an intent acting as the given appservice-namespaced
	// user.
	Intent(userID id.UserID) Intent
	// UserIDForLocalpart builds a full MXID on the appservice's homeserver.
	UserIDForLocalpart(localpart string) id.UserID
	// IsNamespacedUser reports whether the MXID belongs to the
	// appservice's own user namespace (the bot or a synthetic identity).
	IsNamespacedUser(userID id.UserID) bool
}
