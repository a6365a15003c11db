// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testWaitTimeout = 2 * time.Second

const (
	testDomain     = "example.org"
	testBotMXID    = id.UserID("@polychat:example.org")
	testUserPrefix = "polychat_"
)

// fakeMessage records one message sent through the fake transport.
type fakeMessage struct {
	Sender  id.UserID
	Content *event.MessageEventContent
}

// fakeNotice records one notice sent through the fake transport.
type fakeNotice struct {
	Sender id.UserID
	Text   string
}

// fakeKick records one kick.
type fakeKick struct {
	Sender id.UserID
	Target id.UserID
	Reason string
}

// fakeRoom is the in-memory model of one room on the fake homeserver.
type fakeRoom struct {
	state       map[string]map[string]map[string]any // eventType -> stateKey -> raw content
	messages    []fakeMessage
	notices     []fakeNotice
	kicks       []fakeKick
	members     map[id.UserID]string // membership value
	memberNames map[id.UserID]string
	powerLevels map[id.UserID]int
	invites     []id.UserID
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		state:       make(map[string]map[string]map[string]any),
		members:     make(map[id.UserID]string),
		memberNames: make(map[id.UserID]string),
		powerLevels: make(map[id.UserID]int),
	}
}

// fakeTransport is an in-memory Transport for tests, in the spirit of a
// fake homeserver: rooms, state, messages and memberships are recorded
// for assertions.
type fakeTransport struct {
	mu           sync.Mutex
	roomCounter  int
	rooms        map[id.RoomID]*fakeRoom
	displayNames map[id.UserID]string
	profiles     map[id.UserID]*Profile
	registered   map[id.UserID]bool

	createRoomErr error
	stateEventErr func(roomID id.RoomID, eventType event.Type) error
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		rooms:        make(map[id.RoomID]*fakeRoom),
		displayNames: make(map[id.UserID]string),
		profiles:     make(map[id.UserID]*Profile),
		registered:   make(map[id.UserID]bool),
	}
}

func (t *fakeTransport) BotUserID() id.UserID { return testBotMXID }
func (t *fakeTransport) BotIntent() Intent    { return &fakeIntent{t: t, userID: testBotMXID} }
func (t *fakeTransport) Intent(userID id.UserID) Intent {
	return &fakeIntent{t: t, userID: userID}
}

func (t *fakeTransport) UserIDForLocalpart(localpart string) id.UserID {
	return id.NewUserID(localpart, testDomain)
}

func (t *fakeTransport) IsNamespacedUser(userID id.UserID) bool {
	if userID == testBotMXID {
		return true
	}
	return strings.HasPrefix(string(userID), "@"+testUserPrefix)
}

// room returns the fake room, creating it on first use so tests can
// reference rooms that were never explicitly created.
func (t *fakeTransport) room(roomID id.RoomID) *fakeRoom {
	room, ok := t.rooms[roomID]
	if !ok {
		room = newFakeRoom()
		t.rooms[roomID] = room
	}
	return room
}

// seedRoom installs a room with the given state contents, keyed by event
// type and state key.
func (t *fakeTransport) seedRoom(roomID id.RoomID, joined []id.UserID, state map[string]map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.room(roomID)
	for _, userID := range joined {
		room.members[userID] = "join"
	}
	for eventType, byKey := range state {
		for stateKey, content := range byKey {
			if room.state[eventType] == nil {
				room.state[eventType] = make(map[string]map[string]any)
			}
			room.state[eventType][stateKey] = rawContent(content)
		}
	}
}

// stateContent returns the raw stored state content, or nil.
func (t *fakeTransport) stateContent(roomID id.RoomID, eventType, stateKey string) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	byKey, ok := room.state[eventType]
	if !ok {
		return nil
	}
	return byKey[stateKey]
}

func (t *fakeTransport) messages(roomID id.RoomID) []fakeMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]fakeMessage, len(room.messages))
	copy(out, room.messages)
	return out
}

func (t *fakeTransport) noticesIn(roomID id.RoomID) []fakeNotice {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]fakeNotice, len(room.notices))
	copy(out, room.notices)
	return out
}

func (t *fakeTransport) kicksIn(roomID id.RoomID) []fakeKick {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]fakeKick, len(room.kicks))
	copy(out, room.kicks)
	return out
}

func (t *fakeTransport) membership(roomID id.RoomID, userID id.UserID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[roomID]
	if !ok {
		return ""
	}
	return room.members[userID]
}

// fakeIntent implements Intent for one acting identity.
type fakeIntent struct {
	t      *fakeTransport
	userID id.UserID
}

var _ Intent = (*fakeIntent)(nil)

func (i *fakeIntent) UserID() id.UserID { return i.userID }

func (i *fakeIntent) EnsureRegistered(_ context.Context) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	i.t.registered[i.userID] = true
	return nil
}

func (i *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	i.t.room(roomID).members[i.userID] = "join"
	return nil
}

func (i *fakeIntent) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	if i.t.createRoomErr != nil {
		return "", i.t.createRoomErr
	}
	i.t.roomCounter++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", i.t.roomCounter, testDomain))
	room := newFakeRoom()
	room.members[i.userID] = "join"
	if req.Name != "" {
		room.state["m.room.name"] = map[string]map[string]any{
			"": {"name": req.Name},
		}
	}
	for _, initial := range req.InitialState {
		if room.state[initial.Type.Type] == nil {
			room.state[initial.Type.Type] = make(map[string]map[string]any)
		}
		stateKey := ""
		if initial.StateKey != nil {
			stateKey = *initial.StateKey
		}
		room.state[initial.Type.Type][stateKey] = rawContent(initial.Content.Parsed)
	}
	i.t.rooms[roomID] = room
	return roomID, nil
}

func (i *fakeIntent) InviteUser(_ context.Context, roomID id.RoomID, userID id.UserID, _ string) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room := i.t.room(roomID)
	room.members[userID] = "invite"
	room.invites = append(room.invites, userID)
	return nil
}

func (i *fakeIntent) KickUser(_ context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room := i.t.room(roomID)
	room.members[userID] = "leave"
	room.kicks = append(room.kicks, fakeKick{Sender: i.userID, Target: userID, Reason: reason})
	return nil
}

func (i *fakeIntent) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	i.t.room(roomID).members[i.userID] = "leave"
	return nil
}

func (i *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room := i.t.room(roomID)
	room.messages = append(room.messages, fakeMessage{Sender: i.userID, Content: content})
	return nil
}

func (i *fakeIntent) SendNotice(_ context.Context, roomID id.RoomID, text string) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room := i.t.room(roomID)
	room.notices = append(room.notices, fakeNotice{Sender: i.userID, Text: text})
	return nil
}

func (i *fakeIntent) SendStateEvent(_ context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	if i.t.stateEventErr != nil {
		if err := i.t.stateEventErr(roomID, eventType); err != nil {
			return err
		}
	}
	room := i.t.room(roomID)
	if room.state[eventType.Type] == nil {
		room.state[eventType.Type] = make(map[string]map[string]any)
	}
	room.state[eventType.Type][stateKey] = rawContent(content)
	return nil
}

func (i *fakeIntent) RoomState(_ context.Context, roomID id.RoomID) ([]*event.Event, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room, ok := i.t.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	var state []*event.Event
	for eventType, byKey := range room.state {
		for stateKey, raw := range byKey {
			key := stateKey
			state = append(state, &event.Event{
				Type:     event.Type{Type: eventType, Class: event.StateEventType},
				RoomID:   roomID,
				StateKey: &key,
				Content:  event.Content{Raw: raw},
			})
		}
	}
	return state, nil
}

func (i *fakeIntent) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	var joined []id.RoomID
	for roomID, room := range i.t.rooms {
		if room.members[i.userID] == "join" {
			joined = append(joined, roomID)
		}
	}
	return joined, nil
}

func (i *fakeIntent) JoinedMembers(_ context.Context, roomID id.RoomID) (map[id.UserID]JoinedMember, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room, ok := i.t.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	members := make(map[id.UserID]JoinedMember)
	for userID, membership := range room.members {
		if membership != "join" {
			continue
		}
		name := room.memberNames[userID]
		if name == "" {
			name = i.t.displayNames[userID]
		}
		members[userID] = JoinedMember{DisplayName: name}
	}
	return members, nil
}

func (i *fakeIntent) Profile(_ context.Context, userID id.UserID) (*Profile, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	if profile, ok := i.t.profiles[userID]; ok {
		return profile, nil
	}
	return nil, fmt.Errorf("no profile for %s", userID)
}

func (i *fakeIntent) MemberDisplayName(_ context.Context, roomID id.RoomID, userID id.UserID) (string, error) {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	room, ok := i.t.rooms[roomID]
	if !ok {
		return "", fmt.Errorf("unknown room %s", roomID)
	}
	return room.memberNames[userID], nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, displayName string) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	i.t.displayNames[i.userID] = displayName
	return nil
}

func (i *fakeIntent) SetPowerLevel(_ context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	i.t.mu.Lock()
	defer i.t.mu.Unlock()
	i.t.room(roomID).powerLevels[userID] = level
	return nil
}

// rawContent converts any content value into the raw map form events carry
// on the wire.
func rawContent(v any) map[string]any {
	if raw, ok := v.(map[string]any); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

// testConfig returns a config with irc, matrix and telegram enabled and
// all provisioning delays removed.
func testConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Address: "http://localhost:8008", Domain: testDomain},
		Appservice: AppserviceConfig{ASToken: "as", HSToken: "hs"},
		Pool:       PoolConfig{TargetSize: 2, StepDelay: "0s"},
		Networks: map[Network]NetworkConfig{
			NetworkIRC:      {Enabled: true},
			NetworkMatrix:   {Enabled: true},
			NetworkTelegram: {Enabled: true, BridgeBotMXID: "@telegrambot:example.org"},
		},
		DebugUserIDs: []id.UserID{"@debug:example.org"},
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// newTestService wires a Service to a fresh fake transport.
func newTestService(t *testing.T) (*Service, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	svc := NewService(zerolog.Nop(), testConfig(), transport, nil)
	return svc, transport
}

// eventCounter keeps generated event IDs unique within a test binary run.
var eventCounter int

// makeMessageEvent builds a message event with parsed and raw content.
func makeMessageEvent(roomID id.RoomID, sender id.UserID, msgType event.MessageType, body string) *event.Event {
	eventCounter++
	content := &event.MessageEventContent{MsgType: msgType, Body: body}
	return &event.Event{
		ID:     id.EventID(fmt.Sprintf("$event%d", eventCounter)),
		Type:   event.EventMessage,
		RoomID: roomID,
		Sender: sender,
		Content: event.Content{
			Parsed: content,
			Raw:    rawContent(content),
		},
	}
}

// makeMemberEvent builds an m.room.member state event.
func makeMemberEvent(roomID id.RoomID, target id.UserID, membership, displayName string) *event.Event {
	eventCounter++
	stateKey := string(target)
	raw := map[string]any{"membership": membership}
	if displayName != "" {
		raw["displayname"] = displayName
	}
	return &event.Event{
		ID:       id.EventID(fmt.Sprintf("$event%d", eventCounter)),
		Type:     event.StateMember,
		RoomID:   roomID,
		Sender:   target,
		StateKey: &stateKey,
		Content:  event.Content{Raw: raw},
	}
}

// failStateEvents installs a state event failure hook on the fake
// transport. The hook runs for every SendStateEvent; returning a non-nil
// error fails that send.
func (t *fakeTransport) failStateEvents(hook func(roomID id.RoomID, eventType event.Type) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateEventErr = hook
}

// waitUntil polls cond until it is true or the deadline passes.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s: %s", timeout, msg)
}
