// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Custom state event types persisted into room state. Everything the
// appservice needs to rebuild its in-memory model after a restart lives in
// these two records.
var (
	// StateRoom marks a room as belonging to the appservice and carries the
	// sub room lifecycle fields. State key is always empty.
	StateRoom = event.Type{Type: "de.polychat.room", Class: event.StateEventType}
	// StateParticipant lives in a main room and links one claimed sub room
	// to the synthetic identity handling it. State key is the sub room ID.
	StateParticipant = event.Type{Type: "de.polychat.room.participant", Class: event.StateEventType}
)

// RoomType is the coarse room role stored in the de.polychat.room record.
type RoomType string

const (
	RoomTypeMain    RoomType = "main"
	RoomTypeSub     RoomType = "sub"
	RoomTypeControl RoomType = "control"
)

// RoomStateContent is the wire form of the de.polychat.room state event.
// All timestamps are epoch milliseconds; zero means unset.
type RoomStateContent struct {
	Type             RoomType          `json:"type"`
	Network          string            `json:"network,omitempty"`
	PolychatUserID   string            `json:"polychat_user_id,omitempty"`
	TimestampCreated int64             `json:"timestamp_created,omitempty"`
	TimestampReady   int64             `json:"timestamp_ready,omitempty"`
	InviteURL        string            `json:"invite_url,omitempty"`
	TimestampClaimed int64             `json:"timestamp_claimed,omitempty"`
	User             *UserStateContent `json:"user,omitempty"`
	UserID           string            `json:"user_id,omitempty"`
	TimestampJoined  int64             `json:"timestamp_joined,omitempty"`
	TimestampLeft    int64             `json:"timestamp_left,omitempty"`
}

// UserStateContent is the wire form of a SubRoomUser.
type UserStateContent struct {
	Identity            string `json:"identity"`
	LocalpartInMainRoom string `json:"localpart_in_main_room"`
	DisplayName         string `json:"display_name,omitempty"`
	Avatar              string `json:"avatar,omitempty"`
}

// ParticipantStateContent is the wire form of the de.polychat.room.participant
// state event in a main room.
type ParticipantStateContent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// EncodeMainRoom returns the state content marking a room as a Polychat
// main room.
func EncodeMainRoom() *RoomStateContent {
	return &RoomStateContent{Type: RoomTypeMain}
}

// EncodeControlRoom returns the state content marking a room as a control
// room.
func EncodeControlRoom() *RoomStateContent {
	return &RoomStateContent{Type: RoomTypeControl}
}

// EncodeUnclaimedSubRoom serializes an unclaimed sub room's lifecycle fields.
func EncodeUnclaimedSubRoom(room *UnclaimedSubRoom) *RoomStateContent {
	return &RoomStateContent{
		Type:             RoomTypeSub,
		Network:          string(room.Network),
		PolychatUserID:   string(room.PolychatUserID),
		TimestampCreated: timeToMillis(room.TimestampCreated),
		TimestampReady:   timeToMillis(room.TimestampReady),
		InviteURL:        room.InviteURL,
	}
}

// EncodeClaimedSubRoom serializes a claimed sub room's lifecycle fields.
func EncodeClaimedSubRoom(room *ClaimedSubRoom) *RoomStateContent {
	content := EncodeUnclaimedSubRoom(&room.UnclaimedSubRoom)
	content.TimestampClaimed = timeToMillis(room.TimestampClaimed)
	content.TimestampJoined = timeToMillis(room.TimestampJoined)
	content.TimestampLeft = timeToMillis(room.TimestampLeft)
	content.UserID = string(room.UserID)
	content.User = &UserStateContent{
		Identity:            string(room.User.Identity),
		LocalpartInMainRoom: room.User.LocalpartInMainRoom,
		DisplayName:         room.User.DisplayName,
		Avatar:              room.User.Avatar,
	}
	return content
}

// EncodeParticipant serializes the main-room link between a sub room and
// the synthetic identity that mirrors its user.
func EncodeParticipant(subRoomID id.RoomID, userID id.UserID) *ParticipantStateContent {
	return &ParticipantStateContent{
		RoomID: string(subRoomID),
		UserID: string(userID),
	}
}

// RoomKind is the result of classifying a room's persisted state.
type RoomKind int

const (
	// RoomKindNone means the room carries no (usable) polychat state and
	// is not a bridge room, or has been retired via tombstone.
	RoomKindNone RoomKind = iota
	RoomKindMain
	RoomKindUnclaimedSub
	RoomKindClaimedSub
	RoomKindControl
)

// ParticipantLink is one decoded de.polychat.room.participant record.
type ParticipantLink struct {
	SubRoomID id.RoomID
	UserID    id.UserID
}

// CategorizedRoom is the outcome of CategorizeRoom. Exactly one of the
// pointer fields matching Kind is set.
type CategorizedRoom struct {
	Kind             RoomKind
	Polychat         *Polychat
	ParticipantLinks []ParticipantLink
	Unclaimed        *UnclaimedSubRoom
	Claimed          *ClaimedSubRoom
	Control          *ControlRoom
}

var mxidRegexp = regexp.MustCompile(`^@.+?:.+$`)

// CategorizeRoom classifies a room from its full state. Partial or missing
// fields classify the room as RoomKindNone rather than failing; rooms with
// a tombstone replacement are treated as retired. The decode accepts
// exactly what the Encode* functions produce in a prior run.
func CategorizeRoom(log zerolog.Logger, roomID id.RoomID, state []*event.Event) CategorizedRoom {
	log = log.With().Str("room_id", roomID.String()).Logger()

	if tombstone := findStateEvent(state, "m.room.tombstone", ""); tombstone != nil {
		if replacement, _ := tombstone.Content.Raw["replacement_room"].(string); replacement != "" {
			log.Info().Str("replacement_room", replacement).Msg("Ignoring room with tombstone")
			return CategorizedRoom{Kind: RoomKindNone}
		}
	}

	roomEvt := findStateEvent(state, StateRoom.Type, "")
	if roomEvt == nil || len(roomEvt.Content.Raw) == 0 {
		return CategorizedRoom{Kind: RoomKindNone}
	}
	content, err := decodeRoomStateContent(roomEvt.Content.Raw)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decode polychat room state")
		return CategorizedRoom{Kind: RoomKindNone}
	}

	switch content.Type {
	case RoomTypeMain:
		return categorizeMainRoom(log, roomID, state)
	case RoomTypeSub:
		return categorizeSubRoom(log, roomID, content)
	case RoomTypeControl:
		return CategorizedRoom{
			Kind: RoomKindControl,
			Control: &ControlRoom{
				UnclaimedSubRoom: UnclaimedSubRoom{
					RoomID:           roomID,
					PolychatUserID:   id.UserID(content.PolychatUserID),
					TimestampCreated: millisToTime(content.TimestampCreated),
					LastDebugState:   "Loaded existing control room after restart",
				},
			},
		}
	default:
		log.Warn().Str("polychat_room_type", string(content.Type)).Msg("Unknown polychat room type")
		return CategorizedRoom{Kind: RoomKindNone}
	}
}

func categorizeMainRoom(log zerolog.Logger, roomID id.RoomID, state []*event.Event) CategorizedRoom {
	polychat := &Polychat{MainRoomID: roomID}
	if nameEvt := findStateEvent(state, "m.room.name", ""); nameEvt != nil {
		polychat.Name, _ = nameEvt.Content.Raw["name"].(string)
	}
	if avatarEvt := findStateEvent(state, "m.room.avatar", ""); avatarEvt != nil {
		polychat.Avatar, _ = avatarEvt.Content.Raw["url"].(string)
	}

	var links []ParticipantLink
	for _, evt := range state {
		if evt.Type.Type != StateParticipant.Type || evt.StateKey == nil || *evt.StateKey == "" {
			continue
		}
		userID, _ := evt.Content.Raw["user_id"].(string)
		if userID == "" {
			log.Warn().Str("state_key", *evt.StateKey).Msg("Participant link without user_id, dropping")
			continue
		}
		links = append(links, ParticipantLink{
			SubRoomID: id.RoomID(*evt.StateKey),
			UserID:    id.UserID(userID),
		})
	}

	log.Info().Str("name", polychat.Name).Int("participant_links", len(links)).Msg("Found an existing main room")
	return CategorizedRoom{
		Kind:             RoomKindMain,
		Polychat:         polychat,
		ParticipantLinks: links,
	}
}

func categorizeSubRoom(log zerolog.Logger, roomID id.RoomID, content *RoomStateContent) CategorizedRoom {
	network, ok := ParseNetwork(content.Network)
	if !ok {
		log.Warn().Str("network", content.Network).Msg("Ignoring existing sub room because its network is not implemented")
		return CategorizedRoom{Kind: RoomKindNone}
	}
	if !mxidRegexp.MatchString(content.PolychatUserID) {
		log.Warn().Str("polychat_user_id", content.PolychatUserID).Msg("Ignoring existing sub room because its polychat_user_id is invalid")
		return CategorizedRoom{Kind: RoomKindNone}
	}
	if content.TimestampCreated == 0 {
		log.Warn().Msg("Ignoring existing sub room because its timestamp_created is invalid")
		return CategorizedRoom{Kind: RoomKindNone}
	}
	if content.TimestampReady == 0 {
		log.Warn().Msg("Ignoring existing sub room because it is not ready")
		return CategorizedRoom{Kind: RoomKindNone}
	}
	if content.InviteURL == "" {
		log.Warn().Msg("Ignoring existing sub room because it has no invite_url")
		return CategorizedRoom{Kind: RoomKindNone}
	}

	unclaimed := UnclaimedSubRoom{
		PolychatUserID:   id.UserID(content.PolychatUserID),
		Network:          network,
		RoomID:           roomID,
		InviteURL:        content.InviteURL,
		TimestampCreated: millisToTime(content.TimestampCreated),
		TimestampReady:   millisToTime(content.TimestampReady),
		LastDebugState:   "Loaded existing room after restart",
	}

	if content.TimestampClaimed == 0 {
		log.Debug().Str("network", string(network)).Msg("Found an existing unclaimed sub room")
		return CategorizedRoom{Kind: RoomKindUnclaimedSub, Unclaimed: &unclaimed}
	}

	if content.User == nil || content.User.LocalpartInMainRoom == "" {
		log.Warn().Msg("Ignoring existing claimed sub room because its user object is invalid")
		return CategorizedRoom{Kind: RoomKindNone}
	}
	identity := Identity(content.User.Identity)
	if identity != IdentityInherit && identity != IdentityCustom {
		log.Warn().Str("identity", content.User.Identity).Msg("Ignoring existing claimed sub room because its user identity is not implemented")
		return CategorizedRoom{Kind: RoomKindNone}
	}

	claimed := &ClaimedSubRoom{
		UnclaimedSubRoom: unclaimed,
		TimestampClaimed: millisToTime(content.TimestampClaimed),
		TimestampJoined:  millisToTime(content.TimestampJoined),
		TimestampLeft:    millisToTime(content.TimestampLeft),
		UserID:           id.UserID(content.UserID),
		User: SubRoomUser{
			Identity:            identity,
			LocalpartInMainRoom: content.User.LocalpartInMainRoom,
			DisplayName:         content.User.DisplayName,
			Avatar:              content.User.Avatar,
		},
	}
	log.Debug().Str("network", string(network)).Msg("Found an existing claimed sub room")
	return CategorizedRoom{Kind: RoomKindClaimedSub, Claimed: claimed}
}

// decodeRoomStateContent converts the raw event content into the typed
// record. Going through JSON keeps the tolerance of the original decoder:
// unknown fields are dropped, missing fields stay zero.
func decodeRoomStateContent(raw map[string]any) (*RoomStateContent, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var content RoomStateContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, err
	}
	return &content, nil
}

// findStateEvent returns the state event with the given type and state key,
// or nil.
func findStateEvent(state []*event.Event, eventType, stateKey string) *event.Event {
	for _, evt := range state {
		if evt.Type.Type != eventType {
			continue
		}
		if evt.StateKey == nil {
			if stateKey == "" {
				return evt
			}
			continue
		}
		if *evt.StateKey == stateKey {
			return evt
		}
	}
	return nil
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(millis int64) time.Time {
	if millis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
