// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

func TestLoadExistingRooms(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	claimed := &ClaimedSubRoom{
		UnclaimedSubRoom: UnclaimedSubRoom{
			PolychatUserID:   testBotMXID,
			Network:          NetworkTelegram,
			RoomID:           "!sub1:example.org",
			InviteURL:        "https://t.me/+abc",
			TimestampCreated: time.UnixMilli(1704067200000),
			TimestampReady:   time.UnixMilli(1704067260000),
		},
		TimestampClaimed: time.UnixMilli(1704067320000),
		TimestampJoined:  time.UnixMilli(1704067380000),
		UserID:           "@telegram_555:example.org",
		User: SubRoomUser{
			Identity:            IdentityInherit,
			LocalpartInMainRoom: "polychat_recovered",
		},
	}
	unclaimed := &UnclaimedSubRoom{
		PolychatUserID:   testBotMXID,
		Network:          NetworkTelegram,
		RoomID:           "!pool1:example.org",
		InviteURL:        "https://t.me/+pool",
		TimestampCreated: time.UnixMilli(1704067200000),
		TimestampReady:   time.UnixMilli(1704067260000),
	}
	disabledNetwork := &UnclaimedSubRoom{
		PolychatUserID:   testBotMXID,
		Network:          NetworkSignal,
		RoomID:           "!pool2:example.org",
		InviteURL:        "https://signal.group/#pool",
		TimestampCreated: time.UnixMilli(1704067200000),
		TimestampReady:   time.UnixMilli(1704067260000),
	}

	bot := []id.UserID{testBotMXID}
	transport.seedRoom("!main:example.org", bot, map[string]map[string]any{
		StateRoom.Type:   {"": EncodeMainRoom()},
		"m.room.name":    {"": map[string]any{"name": "Retreat"}},
		StateParticipant.Type: {
			"!sub1:example.org": EncodeParticipant("!sub1:example.org", "@polychat_recovered:example.org"),
			// Link to a room the bot is no longer in: dropped.
			"!ghost:example.org": EncodeParticipant("!ghost:example.org", "@polychat_ghost:example.org"),
		},
	})
	transport.seedRoom(claimed.RoomID, bot, map[string]map[string]any{
		StateRoom.Type: {"": EncodeClaimedSubRoom(claimed)},
	})
	transport.seedRoom(unclaimed.RoomID, bot, map[string]map[string]any{
		StateRoom.Type: {"": EncodeUnclaimedSubRoom(unclaimed)},
	})
	transport.seedRoom(disabledNetwork.RoomID, bot, map[string]map[string]any{
		StateRoom.Type: {"": EncodeUnclaimedSubRoom(disabledNetwork)},
	})
	transport.seedRoom("!ctrl:example.org", bot, map[string]map[string]any{
		StateRoom.Type: {"": EncodeControlRoom()},
	})
	// A room the appservice happens to be in but never managed.
	transport.seedRoom("!unrelated:example.org", bot, map[string]map[string]any{
		"m.room.name": {"": map[string]any{"name": "Lunch plans"}},
	})

	if err := svc.LoadExistingRooms(ctx); err != nil {
		t.Fatalf("LoadExistingRooms() error: %v", err)
	}

	polychats := svc.Registry().AllPolychats()
	if len(polychats) != 1 {
		t.Fatalf("recovered %d polychats, want 1", len(polychats))
	}
	pc := polychats[0]
	if pc.Name != "Retreat" {
		t.Errorf("Name = %q, want Retreat", pc.Name)
	}
	if pc.MainRoomID != "!main:example.org" {
		t.Errorf("MainRoomID = %q", pc.MainRoomID)
	}

	subs := svc.Registry().SubRoomsSnapshot(pc)
	if len(subs) != 1 {
		t.Fatalf("recovered %d sub rooms, want 1 (ghost link dropped)", len(subs))
	}
	sub := subs[0]
	if sub.RoomID != claimed.RoomID {
		t.Errorf("sub room = %q, want %q", sub.RoomID, claimed.RoomID)
	}
	if sub.UserID != claimed.UserID {
		t.Errorf("UserID = %q, want %q", sub.UserID, claimed.UserID)
	}
	if sub.User.LocalpartInMainRoom != "polychat_recovered" {
		t.Errorf("LocalpartInMainRoom = %q, want polychat_recovered", sub.User.LocalpartInMainRoom)
	}

	// The claimed room must be routable again.
	gotPC, gotSub := svc.Registry().FindClaimedSubRoom(claimed.RoomID)
	if gotPC != pc || gotSub != sub {
		t.Error("FindClaimedSubRoom does not resolve the recovered sub room")
	}

	if got := svc.Pool().UnclaimedCount(NetworkTelegram); got != 1 {
		t.Errorf("UnclaimedCount(telegram) = %d, want 1", got)
	}
	if got := svc.Pool().UnclaimedCount(NetworkSignal); got != 0 {
		t.Errorf("UnclaimedCount(signal) = %d, want 0 (network disabled)", got)
	}
	if room := svc.Pool().FindRoom(unclaimed.RoomID); room == nil || !room.IsReady() {
		t.Error("recovered pool room missing or not ready")
	}

	if !svc.Registry().IsControlRoom("!ctrl:example.org") {
		t.Error("control room not recovered")
	}
	if svc.Registry().FindMainRoom("!unrelated:example.org") != nil {
		t.Error("unrelated room recovered as a polychat")
	}
}

func TestLoadExistingRoomsSkipsBadRooms(t *testing.T) {
	svc, transport := newTestService(t)
	ctx := context.Background()

	bot := []id.UserID{testBotMXID}
	// Sub room persisted before it became ready: not restored.
	transport.seedRoom("!halfdone:example.org", bot, map[string]map[string]any{
		StateRoom.Type: {"": &RoomStateContent{
			Type:             RoomTypeSub,
			Network:          "telegram",
			PolychatUserID:   string(testBotMXID),
			TimestampCreated: 1704067200000,
		}},
	})
	transport.seedRoom("!main:example.org", bot, map[string]map[string]any{
		StateRoom.Type: {"": EncodeMainRoom()},
	})

	if err := svc.LoadExistingRooms(ctx); err != nil {
		t.Fatalf("LoadExistingRooms() error: %v", err)
	}
	if got := svc.Pool().UnclaimedCount(NetworkTelegram); got != 0 {
		t.Errorf("UnclaimedCount(telegram) = %d, want 0", got)
	}
	if len(svc.Registry().AllPolychats()) != 1 {
		t.Error("main room without sub rooms not recovered")
	}
}

func TestStartRunsRecoveryAndFill(t *testing.T) {
	transport := newFakeTransport()
	cfg := testConfig()
	cfg.LoadExistingRooms = true
	svc := NewService(zerolog.Nop(), cfg, transport, nil)

	transport.seedRoom("!main:example.org", []id.UserID{testBotMXID}, map[string]map[string]any{
		StateRoom.Type: {"": EncodeMainRoom()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !svc.Ready() {
		t.Error("service not ready after Start")
	}
	if len(svc.Registry().AllPolychats()) != 1 {
		t.Error("recovery did not run during Start")
	}
	waitUntil(t, testWaitTimeout, func() bool {
		return svc.Pool().UnclaimedCount(NetworkIRC) == 2
	}, "startup pool fill")
}
