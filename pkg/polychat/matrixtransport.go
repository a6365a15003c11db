// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixTransport implements Transport on top of a mautrix appservice.
// All homeserver traffic of the core goes through here.
type MatrixTransport struct {
	as         *appservice.AppService
	ep         *appservice.EventProcessor
	log        zerolog.Logger
	userPrefix string
}

var _ Transport = (*MatrixTransport)(nil)

// NewMatrixTransport builds the appservice from the configuration. The
// registration covers the bot and the synthetic user namespace.
func NewMatrixTransport(log zerolog.Logger, cfg *Config) (*MatrixTransport, error) {
	as := appservice.Create()
	as.Log = log.With().Str("component", "appservice").Logger()
	as.HomeserverDomain = cfg.Homeserver.Domain
	if err := as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     cfg.Appservice.Port,
	}
	as.Registration = &appservice.Registration{
		ID:              cfg.Appservice.ID,
		URL:             cfg.Appservice.Address,
		AppToken:        cfg.Appservice.ASToken,
		ServerToken:     cfg.Appservice.HSToken,
		SenderLocalpart: cfg.Appservice.BotLocalpart,
	}
	as.Registration.Namespaces.UserIDs = appservice.NamespaceList{{
		Regex:     fmt.Sprintf("@%s.*", regexp.QuoteMeta(cfg.Appservice.UserPrefix)),
		Exclusive: false,
	}}

	ep := appservice.NewEventProcessor(as)
	// The router relies on events being handled one at a time; the
	// processor's default mode spawns a goroutine per handler call.
	ep.ExecMode = appservice.Sync

	return &MatrixTransport{
		as:         as,
		ep:         ep,
		log:        log.With().Str("component", "transport").Logger(),
		userPrefix: cfg.Appservice.UserPrefix,
	}, nil
}

// Subscribe routes every event type the core cares about into the router.
func (t *MatrixTransport) Subscribe(router *Router) {
	handler := func(ctx context.Context, evt *event.Event) {
		router.HandleEvent(ctx, evt)
	}
	t.ep.On(event.EventMessage, handler)
	t.ep.On(event.StateMember, handler)
	t.ep.On(event.StateRoomName, handler)
	t.ep.On(event.StateRoomAvatar, handler)
}

// Start launches the appservice HTTP listener and the event processor.
// Non-blocking; Stop shuts both down.
func (t *MatrixTransport) Start(ctx context.Context) {
	t.log.Info().
		Str("hostname", t.as.Host.Hostname).
		Uint16("port", t.as.Host.Port).
		Msg("Starting appservice transport")
	go t.as.Start()
	go t.ep.Start(ctx)
}

// Stop stops accepting homeserver transactions and drains the processor.
func (t *MatrixTransport) Stop() {
	t.as.Stop()
	t.ep.Stop()
}

func (t *MatrixTransport) BotUserID() id.UserID {
	return t.as.BotMXID()
}

func (t *MatrixTransport) BotIntent() Intent {
	return &matrixIntent{intent: t.as.BotIntent()}
}

func (t *MatrixTransport) Intent(userID id.UserID) Intent {
	return &matrixIntent{intent: t.as.Intent(userID)}
}

func (t *MatrixTransport) UserIDForLocalpart(localpart string) id.UserID {
	return id.NewUserID(localpart, t.as.HomeserverDomain)
}

func (t *MatrixTransport) IsNamespacedUser(userID id.UserID) bool {
	if userID == t.as.BotMXID() {
		return true
	}
	localpart, domain, err := userID.Parse()
	if err != nil || domain != t.as.HomeserverDomain {
		return false
	}
	return strings.HasPrefix(localpart, t.userPrefix)
}

// matrixIntent adapts a mautrix IntentAPI to the Intent interface.
type matrixIntent struct {
	intent *appservice.IntentAPI
}

var _ Intent = (*matrixIntent)(nil)

func (i *matrixIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *matrixIntent) EnsureRegistered(ctx context.Context) error {
	return i.intent.EnsureRegistered(ctx)
}

func (i *matrixIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *matrixIntent) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := i.intent.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *matrixIntent) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{
		UserID: userID,
		Reason: reason,
	})
	return err
}

func (i *matrixIntent) KickUser(ctx context.Context, roomID id.RoomID, userID id.UserID, reason string) error {
	_, err := i.intent.KickUser(ctx, roomID, &mautrix.ReqKickUser{
		UserID: userID,
		Reason: reason,
	})
	return err
}

func (i *matrixIntent) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := i.intent.LeaveRoom(ctx, roomID)
	return err
}

func (i *matrixIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	_, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	return err
}

func (i *matrixIntent) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := i.intent.SendNotice(ctx, roomID, text)
	return err
}

func (i *matrixIntent) SendStateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, content any) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, eventType, stateKey, content)
	return err
}

func (i *matrixIntent) RoomState(ctx context.Context, roomID id.RoomID) ([]*event.Event, error) {
	stateMap, err := i.intent.State(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var state []*event.Event
	for evtType, byKey := range stateMap {
		for stateKey, evt := range byKey {
			evt.Type = evtType
			key := stateKey
			evt.StateKey = &key
			state = append(state, evt)
		}
	}
	return state, nil
}

func (i *matrixIntent) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := i.intent.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

func (i *matrixIntent) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]JoinedMember, error) {
	resp, err := i.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make(map[id.UserID]JoinedMember, len(resp.Joined))
	for userID, member := range resp.Joined {
		members[userID] = JoinedMember{DisplayName: member.DisplayName}
	}
	return members, nil
}

func (i *matrixIntent) Profile(ctx context.Context, userID id.UserID) (*Profile, error) {
	resp, err := i.intent.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Profile{
		DisplayName: resp.DisplayName,
		AvatarURL:   resp.AvatarURL.String(),
	}, nil
}

func (i *matrixIntent) MemberDisplayName(ctx context.Context, roomID id.RoomID, userID id.UserID) (string, error) {
	var content event.MemberEventContent
	if err := i.intent.StateEvent(ctx, roomID, event.StateMember, userID.String(), &content); err != nil {
		return "", err
	}
	return content.Displayname, nil
}

func (i *matrixIntent) SetDisplayName(ctx context.Context, displayName string) error {
	return i.intent.SetDisplayName(ctx, displayName)
}

func (i *matrixIntent) SetPowerLevel(ctx context.Context, roomID id.RoomID, userID id.UserID, level int) error {
	_, err := i.intent.SetPowerLevel(ctx, roomID, userID, level)
	return err
}
