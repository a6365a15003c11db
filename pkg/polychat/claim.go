// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
)

// ClaimSubRoom atomically hands an unclaimed, ready sub room of the given
// network to a joining user and returns its invite URL. A non-empty
// displayName requests a custom identity; otherwise the user's native
// profile is inherited. Safe to call concurrently: no two claims ever
// receive the same sub room.
func (s *Service) ClaimSubRoom(ctx context.Context, polychat *Polychat, network Network, displayName string) (string, error) {
	if polychat == nil {
		return "", ErrPolychatNotFound
	}
	if !s.cfg.NetworkEnabled(network) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	room, err := s.pool.PopReady(network)
	if err != nil {
		return "", err
	}

	user := SubRoomUser{
		Identity:            IdentityInherit,
		LocalpartInMainRoom: s.newLocalpart(),
	}
	if displayName != "" {
		user.Identity = IdentityCustom
		user.DisplayName = displayName
	}

	claimed := &ClaimedSubRoom{
		UnclaimedSubRoom: *room,
		TimestampClaimed: time.Now(),
		User:             user,
	}
	claimed.LastDebugState = "Claimed"

	log := s.log.With().
		Str("room_id", claimed.RoomID.String()).
		Str("network", string(network)).
		Str("main_room_id", polychat.MainRoomID.String()).
		Logger()

	bot := s.transport.BotIntent()
	syntheticID := s.transport.UserIDForLocalpart(user.LocalpartInMainRoom)

	// Persist the claim first so restart recovery can rebuild it. On
	// failure the popped room goes back into the pool instead of leaking.
	if err := bot.SendStateEvent(ctx, claimed.RoomID, StateRoom, "", EncodeClaimedSubRoom(claimed)); err != nil {
		s.pool.Add(room)
		return "", fmt.Errorf("failed to persist claim for %s: %w", claimed.RoomID, err)
	}

	// Link the sub room to its synthetic main room identity.
	if err := bot.SendStateEvent(ctx, polychat.MainRoomID, StateParticipant, claimed.RoomID.String(), EncodeParticipant(claimed.RoomID, syntheticID)); err != nil {
		if rollbackErr := bot.SendStateEvent(ctx, claimed.RoomID, StateRoom, "", EncodeUnclaimedSubRoom(room)); rollbackErr != nil {
			log.Warn().Err(rollbackErr).Msg("Failed to roll back claim state")
		}
		s.pool.Add(room)
		return "", fmt.Errorf("failed to persist participant link for %s: %w", claimed.RoomID, err)
	}

	synthetic := s.transport.Intent(syntheticID)
	if err := synthetic.EnsureRegistered(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", syntheticID.String()).Msg("Failed to register synthetic identity")
	} else if user.Identity == IdentityCustom {
		if err := synthetic.SetDisplayName(ctx, user.DisplayName); err != nil {
			log.Warn().Err(err).Str("user_id", syntheticID.String()).Msg("Failed to set custom display name")
		}
	}

	if err := bot.SendStateEvent(ctx, claimed.RoomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: s.registry.PolychatView(polychat).Name}); err != nil {
		log.Warn().Err(err).Msg("Failed to rename sub room to polychat name")
	}

	s.registry.AttachSubRoom(polychat, claimed)
	log.Info().Str("identity", string(user.Identity)).Msg("Claimed sub room")

	// Replace the consumed room. Detached from the request context so an
	// early client disconnect doesn't abort provisioning.
	go s.pool.FillUp(context.WithoutCancel(ctx))

	return claimed.InviteURL, nil
}

// newLocalpart returns a fresh synthetic localpart. UUIDs keep localparts
// collision-free within and across process lifetimes; recovery reuses the
// persisted value and never regenerates.
func (s *Service) newLocalpart() string {
	return s.cfg.Appservice.UserPrefix + uuid.NewString()
}
