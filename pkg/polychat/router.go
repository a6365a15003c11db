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
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// In-room control commands.
var (
	createPolychatRegexp = regexp.MustCompile(`^create polychat (.+)$`)
	// "hand out" is the legacy alias of "claim".
	claimCommandRegexp = regexp.MustCompile(`^(?:claim|hand out) (\S+) ([a-z]+)$`)
)

// Router classifies every inbound transport event by room role and invokes
// the matching handler. Classification order: claimed sub room, unclaimed
// pool room, main room, control room (catch-all).
//
// Nothing in here ever lets a failure escape HandleEvent: one bad event
// must never take down the relay for other rooms.
type Router struct {
	log zerolog.Logger
	svc *Service
}

// NewRouter creates the router for a service.
func NewRouter(log zerolog.Logger, svc *Service) *Router {
	return &Router{
		log: log.With().Str("component", "router").Logger(),
		svc: svc,
	}
}

// HandleEvent is the single entry point for all transport events.
func (r *Router) HandleEvent(ctx context.Context, evt *event.Event) {
	defer func() {
		if panicked := recover(); panicked != nil {
			r.log.Error().
				Interface("panic", panicked).
				Str("room_id", evt.RoomID.String()).
				Str("event_id", evt.ID.String()).
				Str("event_type", evt.Type.Type).
				Str("sender", evt.Sender.String()).
				Msg("Panic while handling event")
		}
	}()

	switch evt.Type {
	case event.EventMessage:
		r.handleMessage(ctx, evt)
	case event.StateMember:
		r.handleMembership(ctx, evt)
	case event.StateRoomName, event.StateRoomAvatar:
		r.handleRoomMetadata(ctx, evt)
	}
}

func (r *Router) handleMessage(ctx context.Context, evt *event.Event) {
	if pc, sub := r.svc.registry.FindClaimedSubRoom(evt.RoomID); sub != nil {
		r.handleSubRoomMessage(ctx, pc, sub, evt)
		return
	}
	if room := r.svc.pool.FindRoom(evt.RoomID); room != nil {
		// Only invite link capture applies to unclaimed pool rooms.
		r.captureInviteLink(ctx, room, evt)
		return
	}
	if pc := r.svc.registry.FindMainRoom(evt.RoomID); pc != nil {
		r.handleMainRoomMessage(ctx, pc, evt)
		return
	}
	r.handleControlRoomMessage(ctx, evt)
}

// captureInviteLink marks a sub room ready when the event is the bridge
// bot's invite link notice for the room's network. A non-match is not an
// error and not logged as one.
func (r *Router) captureInviteLink(ctx context.Context, room *UnclaimedSubRoom, evt *event.Event) {
	url := ExtractInviteLink(room.Network, evt, r.svc.cfg.Networks[room.Network].BridgeBotMXID)
	if url == "" {
		return
	}
	if err := r.svc.pool.MarkReady(ctx, room, url); err != nil {
		r.log.Error().Err(err).Str("room_id", room.RoomID.String()).Msg("Failed to persist captured invite link")
	}
}

func (r *Router) handleSubRoomMessage(ctx context.Context, pc *Polychat, sub *ClaimedSubRoom, evt *event.Event) {
	log := r.log.With().
		Str("room_id", evt.RoomID.String()).
		Str("event_id", evt.ID.String()).
		Str("sender", evt.Sender.String()).
		Logger()

	content := messageContent(evt)
	if content == nil || content.MsgType == "" {
		return
	}

	// Only the bound user (or a debug identity) may be relayed. Everything
	// else is bridge bot chatter or impersonation.
	if r.svc.transport.IsNamespacedUser(evt.Sender) || evt.Sender == r.svc.cfg.Networks[sub.Network].BridgeBotMXID {
		return
	}
	view := r.svc.registry.SubRoomView(sub)
	if evt.Sender != view.UserID && !r.svc.cfg.IsDebugUser(evt.Sender) {
		log.Debug().Msg("Ignoring sub room message from unbound sender")
		return
	}

	body := strings.TrimSpace(content.Body)
	if body == "!members" {
		r.replyMembers(ctx, pc, sub)
		return
	}
	if match := claimCommandRegexp.FindStringSubmatch(body); match != nil {
		r.handleClaimCommand(ctx, evt.RoomID, match[1], match[2])
		return
	}

	syntheticID := r.svc.transport.UserIDForLocalpart(view.User.LocalpartInMainRoom)
	synthetic := r.svc.transport.Intent(syntheticID)

	// Mirror the name the user currently shows in the sub room. Lookup
	// failures are logged and skipped, never block the relay.
	if view.User.Identity == IdentityInherit {
		name, err := r.svc.transport.BotIntent().MemberDisplayName(ctx, sub.RoomID, evt.Sender)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to look up sender display name, keeping previous one")
		} else if name != "" {
			if err := synthetic.SetDisplayName(ctx, name); err != nil {
				log.Warn().Err(err).Msg("Failed to refresh synthetic display name")
			}
		}
	}

	// Forward a clean copy: rebuilding the content from its core fields
	// drops per-network metadata such as the telegram source annotations.
	out := &event.MessageEventContent{
		MsgType:       content.MsgType,
		Body:          content.Body,
		Format:        content.Format,
		FormattedBody: content.FormattedBody,
	}
	if err := synthetic.SendMessage(ctx, pc.MainRoomID, out); err != nil {
		log.Error().Err(err).Str("main_room_id", pc.MainRoomID.String()).Msg("Failed to relay sub room message into main room")
	}
}

// replyMembers answers the !members command with a roster of the main
// room's participants, excluding the appservice bot and the network bridge
// bots.
func (r *Router) replyMembers(ctx context.Context, pc *Polychat, sub *ClaimedSubRoom) {
	bot := r.svc.transport.BotIntent()
	members, err := bot.JoinedMembers(ctx, pc.MainRoomID)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", pc.MainRoomID.String()).Msg("Failed to list main room members")
		r.replyNotice(ctx, sub.RoomID, "Failed to look up the member list.")
		return
	}

	var names []string
	for userID, member := range members {
		if userID == bot.UserID() || r.isBridgeBot(userID) {
			continue
		}
		name := member.DisplayName
		if name == "" {
			name = userID.String()
		}
		names = append(names, name)
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "%d members:\n", len(names))
	for _, name := range names {
		fmt.Fprintf(&builder, "* %s\n", name)
	}
	r.replyNotice(ctx, sub.RoomID, strings.TrimRight(builder.String(), "\n"))
}

// handleClaimCommand lets an operator pull a room from the pool on demand
// from inside a sub room or control room.
func (r *Router) handleClaimCommand(ctx context.Context, replyTo id.RoomID, polychatID, networkStr string) {
	network, ok := ParseNetwork(networkStr)
	if !ok {
		r.replyNotice(ctx, replyTo, fmt.Sprintf("Unknown network %q.", networkStr))
		return
	}
	pc := r.svc.registry.FindMainRoom(id.RoomID(polychatID))
	if pc == nil {
		r.replyNotice(ctx, replyTo, fmt.Sprintf("No Polychat found for %q.", polychatID))
		return
	}
	url, err := r.svc.ClaimSubRoom(ctx, pc, network, "")
	if err != nil {
		r.replyNotice(ctx, replyTo, fmt.Sprintf("Failed to claim a sub room: %v", err))
		return
	}
	r.replyNotice(ctx, replyTo, fmt.Sprintf("Here you go: %s", url))
}

func (r *Router) handleMainRoomMessage(ctx context.Context, pc *Polychat, evt *event.Event) {
	content := messageContent(evt)
	if content == nil || content.MsgType == "" {
		return
	}
	if evt.Sender == r.svc.transport.BotUserID() {
		return
	}

	log := r.log.With().
		Str("room_id", evt.RoomID.String()).
		Str("event_id", evt.ID.String()).
		Str("sender", evt.Sender.String()).
		Logger()

	sender := r.senderProfile(ctx, pc.MainRoomID, evt.Sender)

	// Fan-out is not atomic: failures are per-target and independent.
	for _, sub := range r.svc.registry.SubRoomsSnapshot(pc) {
		syntheticID := r.svc.transport.UserIDForLocalpart(sub.User.LocalpartInMainRoom)
		if evt.Sender == syntheticID {
			// Echo suppression: never relay a message back into the sub
			// room it came from.
			continue
		}
		out, err := r.svc.transformer.TransformEventForNetwork(ctx, pc, sender, content)
		if err != nil {
			log.Warn().Err(err).Str("sub_room_id", sub.RoomID.String()).Msg("Transformer failed, dropping message for this sub room")
			continue
		}
		operator := r.svc.transport.Intent(sub.PolychatUserID)
		if err := operator.SendMessage(ctx, sub.RoomID, out); err != nil {
			log.Error().Err(err).Str("sub_room_id", sub.RoomID.String()).Msg("Failed to relay main room message into sub room")
		}
	}
}

// handleControlRoomMessage is the catch-all for rooms with no other role.
func (r *Router) handleControlRoomMessage(ctx context.Context, evt *event.Event) {
	content := messageContent(evt)
	if content == nil || content.MsgType == "" {
		return
	}
	if r.svc.transport.IsNamespacedUser(evt.Sender) {
		return
	}

	body := strings.TrimSpace(content.Body)
	if match := claimCommandRegexp.FindStringSubmatch(body); match != nil {
		r.handleClaimCommand(ctx, evt.RoomID, match[1], match[2])
		return
	}
	match := createPolychatRegexp.FindStringSubmatch(body)
	if match == nil {
		return
	}

	r.registerControlRoom(ctx, evt.RoomID)

	pc, err := r.svc.CreatePolychat(ctx, match[1])
	if err != nil {
		r.log.Error().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to create Polychat from command")
		r.replyNotice(ctx, evt.RoomID, "Failed to create the Polychat.")
		return
	}
	r.replyNotice(ctx, evt.RoomID, fmt.Sprintf("Created Polychat %q: %s/%s", pc.Name, r.svc.cfg.API.JoinBaseURL, pc.MainRoomID))
}

// registerControlRoom records a room as a control room the first time an
// operator command arrives in it, and persists the marker.
func (r *Router) registerControlRoom(ctx context.Context, roomID id.RoomID) {
	if r.svc.registry.IsControlRoom(roomID) {
		return
	}
	room := &ControlRoom{
		UnclaimedSubRoom: UnclaimedSubRoom{
			RoomID:           roomID,
			PolychatUserID:   r.svc.transport.BotUserID(),
			TimestampCreated: time.Now(),
			LastDebugState:   "Registered as control room",
		},
	}
	r.svc.registry.RegisterControlRoom(room)
	if err := r.svc.transport.BotIntent().SendStateEvent(ctx, roomID, StateRoom, "", EncodeControlRoom()); err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to persist control room marker")
	}
}

func (r *Router) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	membership, _ := evt.Content.Raw["membership"].(string)

	if pc, sub := r.svc.registry.FindClaimedSubRoom(evt.RoomID); sub != nil {
		r.handleSubRoomMembership(ctx, pc, sub, target, membership, evt)
		return
	}
	if pc := r.svc.registry.FindMainRoom(evt.RoomID); pc != nil {
		r.announceMainRoomMembership(ctx, pc, target, membership, evt)
	}
}

func (r *Router) handleSubRoomMembership(ctx context.Context, pc *Polychat, sub *ClaimedSubRoom, target id.UserID, membership string, evt *event.Event) {
	// Bridge, system and debug identities joining or leaving are non-events.
	if r.svc.transport.IsNamespacedUser(target) ||
		target == r.svc.cfg.Networks[sub.Network].BridgeBotMXID ||
		r.svc.cfg.IsDebugUser(target) {
		return
	}

	log := r.log.With().
		Str("room_id", sub.RoomID.String()).
		Str("user_id", target.String()).
		Logger()
	bot := r.svc.transport.BotIntent()

	switch membership {
	case "join":
		// First join wins: the joining identity becomes the room's bound
		// user and the synthetic identity enters the main room. The check
		// and the binding happen under one registry lock so two joiners
		// can never both win.
		var persist *RoomStateContent
		r.svc.registry.UpdateSubRoom(sub, func(s *ClaimedSubRoom) {
			if s.UserID != "" {
				return
			}
			s.UserID = target
			s.TimestampJoined = time.Now()
			s.LastDebugState = "User joined"
			persist = EncodeClaimedSubRoom(s)
		})
		if persist != nil {
			if err := bot.SendStateEvent(ctx, sub.RoomID, StateRoom, "", persist); err != nil {
				log.Error().Err(err).Msg("Failed to persist sub room user binding")
			}

			syntheticID := r.svc.transport.UserIDForLocalpart(sub.User.LocalpartInMainRoom)
			if err := bot.InviteUser(ctx, pc.MainRoomID, syntheticID, "Polychat participant"); err != nil {
				log.Error().Err(err).Str("main_room_id", pc.MainRoomID.String()).Msg("Failed to invite synthetic identity into main room")
			}
			if err := r.svc.transport.Intent(syntheticID).EnsureJoined(ctx, pc.MainRoomID); err != nil {
				log.Error().Err(err).Str("main_room_id", pc.MainRoomID.String()).Msg("Failed to join synthetic identity into main room")
			}
			log.Info().Msg("Bound user to claimed sub room")
			return
		}
		if r.svc.registry.SubRoomView(sub).UserID != target {
			if err := bot.KickUser(ctx, sub.RoomID, target, "This Polychat sub room already belongs to another user."); err != nil {
				log.Warn().Err(err).Msg("Failed to kick second joiner")
			}
		}
		// A re-join of the bound user changes nothing: the binding and
		// its timestamps are set at most once per claim.

	case "leave", "ban":
		var persist *RoomStateContent
		r.svc.registry.UpdateSubRoom(sub, func(s *ClaimedSubRoom) {
			if s.UserID != target {
				return
			}
			s.TimestampLeft = time.Now()
			s.LastDebugState = "User left"
			persist = EncodeClaimedSubRoom(s)
		})
		if persist == nil {
			return
		}
		if err := bot.SendStateEvent(ctx, sub.RoomID, StateRoom, "", persist); err != nil {
			log.Error().Err(err).Msg("Failed to persist sub room user leave")
		}
		syntheticID := r.svc.transport.UserIDForLocalpart(sub.User.LocalpartInMainRoom)
		if err := r.svc.transport.Intent(syntheticID).LeaveRoom(ctx, pc.MainRoomID); err != nil {
			log.Warn().Err(err).Str("main_room_id", pc.MainRoomID.String()).Msg("Failed to remove synthetic identity from main room")
		}
		log.Info().Msg("Bound user left claimed sub room")
	}
}

// announceMainRoomMembership mirrors a main room membership change as a
// notice into every claimed sub room.
func (r *Router) announceMainRoomMembership(ctx context.Context, pc *Polychat, target id.UserID, membership string, evt *event.Event) {
	if target == r.svc.transport.BotUserID() {
		return
	}

	name, _ := evt.Content.Raw["displayname"].(string)
	if name == "" {
		name = target.String()
	}
	var text string
	switch membership {
	case "join":
		text = fmt.Sprintf("%s joined the Polychat.", name)
	case "leave":
		text = fmt.Sprintf("%s left the Polychat.", name)
	case "ban":
		text = fmt.Sprintf("%s was banned from the Polychat.", name)
	default:
		return
	}

	for _, sub := range r.svc.registry.SubRoomsSnapshot(pc) {
		if err := r.replyNotice(ctx, sub.RoomID, text); err != nil {
			r.log.Warn().Err(err).Str("sub_room_id", sub.RoomID.String()).Msg("Failed to announce membership change")
		}
	}
}

// handleRoomMetadata mirrors main room name and avatar changes verbatim to
// every claimed sub room of the polychat.
func (r *Router) handleRoomMetadata(ctx context.Context, evt *event.Event) {
	pc := r.svc.registry.FindMainRoom(evt.RoomID)
	if pc == nil {
		return
	}
	bot := r.svc.transport.BotIntent()

	var stateContent any
	switch evt.Type {
	case event.StateRoomName:
		name, _ := evt.Content.Raw["name"].(string)
		r.svc.registry.UpdatePolychat(pc, func(p *Polychat) { p.Name = name })
		stateContent = &event.RoomNameEventContent{Name: name}
	case event.StateRoomAvatar:
		url, _ := evt.Content.Raw["url"].(string)
		r.svc.registry.UpdatePolychat(pc, func(p *Polychat) { p.Avatar = url })
		stateContent = &event.RoomAvatarEventContent{URL: id.ContentURIString(url)}
	default:
		return
	}

	for _, sub := range r.svc.registry.SubRoomsSnapshot(pc) {
		if err := bot.SendStateEvent(ctx, sub.RoomID, evt.Type, "", stateContent); err != nil {
			r.log.Warn().Err(err).
				Str("sub_room_id", sub.RoomID.String()).
				Str("event_type", evt.Type.Type).
				Msg("Failed to mirror room metadata change")
		}
	}
}

// senderProfile resolves the display profile for a main room sender,
// preferring the in-room member display name over the global profile.
func (r *Router) senderProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) *Profile {
	bot := r.svc.transport.BotIntent()
	if name, err := bot.MemberDisplayName(ctx, roomID, userID); err == nil && name != "" {
		return &Profile{DisplayName: name}
	}
	if profile, err := bot.Profile(ctx, userID); err == nil && profile.DisplayName != "" {
		return profile
	}
	return &Profile{DisplayName: userID.String()}
}

func (r *Router) isBridgeBot(userID id.UserID) bool {
	for _, nc := range r.svc.cfg.Networks {
		if nc.BridgeBotMXID != "" && nc.BridgeBotMXID == userID {
			return true
		}
	}
	return false
}

func (r *Router) replyNotice(ctx context.Context, roomID id.RoomID, text string) error {
	err := r.svc.transport.BotIntent().SendNotice(ctx, roomID, text)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to send notice")
	}
	return err
}
