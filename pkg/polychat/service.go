// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// Service is the composition root of the bridging core. It owns the
// registry, the sub room pool and the event router, and exposes the
// operations the HTTP API and in-room commands call into. The design
// assumes exactly one running instance; all state beyond the room metadata
// mirror is in-memory.
type Service struct {
	log         zerolog.Logger
	cfg         *Config
	transport   Transport
	registry    *Registry
	pool        *PoolManager
	transformer ContentTransformer
	router      *Router

	ready atomic.Bool
}

// NewService wires up the bridging core. The transformer may be nil, in
// which case the GenericTransformer is used.
func NewService(log zerolog.Logger, cfg *Config, transport Transport, transformer ContentTransformer) *Service {
	if transformer == nil {
		transformer = &GenericTransformer{}
	}
	s := &Service{
		log:         log,
		cfg:         cfg,
		transport:   transport,
		registry:    NewRegistry(),
		pool:        NewPoolManager(log, cfg, transport),
		transformer: transformer,
	}
	s.router = NewRouter(log, s)
	return s
}

// Registry exposes the polychat directory (read-mostly, for the API).
func (s *Service) Registry() *Registry { return s.registry }

// Pool exposes the sub room pool (for the router and debug API).
func (s *Service) Pool() *PoolManager { return s.pool }

// Router exposes the event router for transport subscription.
func (s *Service) Router() *Router { return s.router }

// EnabledNetworks returns the networks users can claim sub rooms on.
func (s *Service) EnabledNetworks() []Network { return s.cfg.EnabledNetworks() }

// Ready reports whether startup recovery finished and the service accepts
// traffic. Gates the /readyz endpoint.
func (s *Service) Ready() bool { return s.ready.Load() }

// Start runs restart recovery (when enabled) and the initial pool fill,
// then marks the service ready. The stale room watcher runs until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.LoadExistingRooms {
		if err := s.LoadExistingRooms(ctx); err != nil {
			return fmt.Errorf("failed to load existing rooms: %w", err)
		}
	}
	go s.pool.FillUp(ctx)
	go s.pool.WatchStaleRooms(ctx, 0)
	s.ready.Store(true)
	s.log.Info().Int("polychats", len(s.registry.AllPolychats())).Msg("Polychat service started")
	return nil
}

// CreatePolychat creates a new Polychat with an empty main room. Polychats
// are never garbage-collected; they live until ShutDownPolychat.
func (s *Service) CreatePolychat(ctx context.Context, name string) (*Polychat, error) {
	bot := s.transport.BotIntent()
	roomID, err := bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       name,
		InitialState: []*event.Event{{
			Type:    StateRoom,
			Content: event.Content{Parsed: EncodeMainRoom()},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create main room: %w", err)
	}

	polychat := &Polychat{
		Name:       name,
		MainRoomID: roomID,
	}
	s.registry.AddPolychat(polychat)
	s.log.Info().Str("room_id", roomID.String()).Str("name", name).Msg("Created Polychat")
	return polychat, nil
}

// ShutDownPolychat tears down every claimed sub room of a Polychat and
// vacates the main room. Teardown is best-effort per target: individual
// failures are logged and do not stop the rest of the shutdown.
func (s *Service) ShutDownPolychat(ctx context.Context, polychat *Polychat) error {
	bot := s.transport.BotIntent()
	log := s.log.With().Str("main_room_id", polychat.MainRoomID.String()).Logger()

	for _, sub := range s.registry.SubRoomsSnapshot(polychat) {
		view := s.registry.SubRoomView(sub)
		subLog := log.With().Str("room_id", view.RoomID.String()).Logger()
		if view.UserID != "" {
			if err := bot.KickUser(ctx, view.RoomID, view.UserID, "This Polychat has been shut down."); err != nil {
				subLog.Warn().Err(err).Msg("Failed to kick user from sub room")
			}
		}
		syntheticID := s.transport.UserIDForLocalpart(view.User.LocalpartInMainRoom)
		if err := s.transport.Intent(syntheticID).LeaveRoom(ctx, polychat.MainRoomID); err != nil {
			subLog.Warn().Err(err).Str("user_id", syntheticID.String()).Msg("Failed to remove synthetic identity from main room")
		}
		if err := bot.LeaveRoom(ctx, sub.RoomID); err != nil {
			subLog.Warn().Err(err).Msg("Failed to leave sub room")
		}
	}

	if err := bot.LeaveRoom(ctx, polychat.MainRoomID); err != nil {
		return fmt.Errorf("failed to leave main room %s: %w", polychat.MainRoomID, err)
	}
	s.registry.RemovePolychat(polychat)
	log.Info().Msg("Shut down Polychat")
	return nil
}
