// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// categorizedRooms aggregates the classification results of a full
// joined-rooms walk.
type categorizedRooms struct {
	unclaimedSubRooms []*UnclaimedSubRoom
	claimedSubRooms   []*ClaimedSubRoom
	controlRooms      []*ControlRoom
	mains             []mainRoomRecovery
}

type mainRoomRecovery struct {
	polychat *Polychat
	links    []ParticipantLink
}

// LoadExistingRooms reconstructs the in-memory model from persisted room
// state after a restart. The walk is best-effort: individual room
// classification failures are logged and skipped, never fatal.
func (s *Service) LoadExistingRooms(ctx context.Context) error {
	log := s.log.With().Str("component", "recovery").Logger()
	bot := s.transport.BotIntent()

	roomIDs, err := bot.JoinedRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list joined rooms: %w", err)
	}
	log.Info().Int("rooms", len(roomIDs)).Msg("Scanning joined rooms")

	var result categorizedRooms
	for _, roomID := range roomIDs {
		state, err := bot.RoomState(ctx, roomID)
		if err != nil {
			log.Warn().Err(err).Str("room_id", roomID.String()).Msg("Failed to fetch room state, skipping room")
			continue
		}
		categorized := CategorizeRoom(log, roomID, state)
		switch categorized.Kind {
		case RoomKindMain:
			result.mains = append(result.mains, mainRoomRecovery{
				polychat: categorized.Polychat,
				links:    categorized.ParticipantLinks,
			})
		case RoomKindUnclaimedSub:
			result.unclaimedSubRooms = append(result.unclaimedSubRooms, categorized.Unclaimed)
		case RoomKindClaimedSub:
			result.claimedSubRooms = append(result.claimedSubRooms, categorized.Claimed)
		case RoomKindControl:
			result.controlRooms = append(result.controlRooms, categorized.Control)
		}
	}

	// Second pass: attach claimed sub rooms to their polychats via the
	// recorded participant links. Links to unknown rooms are dropped.
	claimedByRoomID := make(map[id.RoomID]*ClaimedSubRoom, len(result.claimedSubRooms))
	for _, sub := range result.claimedSubRooms {
		claimedByRoomID[sub.RoomID] = sub
	}
	attached := make(map[id.RoomID]bool)
	for _, main := range result.mains {
		for _, link := range main.links {
			sub, ok := claimedByRoomID[link.SubRoomID]
			if !ok {
				log.Error().
					Str("main_room_id", main.polychat.MainRoomID.String()).
					Str("sub_room_id", link.SubRoomID.String()).
					Msg("Participant link points to an unknown sub room, dropping")
				continue
			}
			main.polychat.SubRooms = append(main.polychat.SubRooms, sub)
			attached[sub.RoomID] = true
		}
		s.registry.AddPolychat(main.polychat)
	}
	for _, sub := range result.claimedSubRooms {
		if !attached[sub.RoomID] {
			log.Error().Str("room_id", sub.RoomID.String()).Msg("Claimed sub room has no participant link in any main room")
		}
	}

	for _, room := range result.unclaimedSubRooms {
		if !s.cfg.NetworkEnabled(room.Network) {
			log.Warn().Str("room_id", room.RoomID.String()).Str("network", string(room.Network)).Msg("Unclaimed sub room for disabled network, not pooling")
			continue
		}
		s.pool.Add(room)
	}
	for _, room := range result.controlRooms {
		s.registry.RegisterControlRoom(room)
	}

	log.Info().
		Int("polychats", len(result.mains)).
		Int("claimed_sub_rooms", len(result.claimedSubRooms)).
		Int("unclaimed_sub_rooms", len(result.unclaimedSubRooms)).
		Int("control_rooms", len(result.controlRooms)).
		Msg("Recovered existing rooms")
	return nil
}
