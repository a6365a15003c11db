// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// PoolManager owns the per-network queues of unclaimed sub rooms and
// drives each new sub room through its provisioning protocol. Queue order
// is creation order; consumption is first-ready-in-queue because readiness
// arrives asynchronously.
type PoolManager struct {
	log       zerolog.Logger
	cfg       *Config
	transport Transport

	mu     sync.Mutex
	queues map[Network][]*UnclaimedSubRoom
}

// NewPoolManager creates a pool manager with empty queues for every
// enabled network.
func NewPoolManager(log zerolog.Logger, cfg *Config, transport Transport) *PoolManager {
	queues := make(map[Network][]*UnclaimedSubRoom)
	for _, network := range cfg.EnabledNetworks() {
		queues[network] = nil
	}
	return &PoolManager{
		log:       log.With().Str("component", "pool").Logger(),
		cfg:       cfg,
		transport: transport,
		queues:    queues,
	}
}

// UnclaimedCount returns the number of unclaimed sub rooms for a network.
func (p *PoolManager) UnclaimedCount(network Network) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[network])
}

// Add appends an existing unclaimed sub room to its network queue. Used by
// restart recovery.
func (p *PoolManager) Add(room *UnclaimedSubRoom) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[room.Network] = append(p.queues[room.Network], room)
}

// FindRoom returns the unclaimed sub room with the given room ID, or nil.
func (p *PoolManager) FindRoom(roomID id.RoomID) *UnclaimedSubRoom {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, queue := range p.queues {
		for _, room := range queue {
			if room.RoomID == roomID {
				return room
			}
		}
	}
	return nil
}

// PopReady atomically removes and returns the first ready sub room in the
// network's queue. No two concurrent callers can receive the same room.
// Returns ErrOutOfSubRooms when no ready room exists.
func (p *PoolManager) PopReady(network Network) (*UnclaimedSubRoom, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue, ok := p.queues[network]
	if !ok {
		// A configured network without a queue is an invariant violation,
		// not a user error.
		p.log.Error().Str("network", string(network)).Msg("No sub room queue for network")
		return nil, ErrOutOfSubRooms
	}
	for i, room := range queue {
		if room.IsReady() {
			p.queues[network] = append(queue[:i], queue[i+1:]...)
			return room, nil
		}
	}
	return nil, ErrOutOfSubRooms
}

// Snapshot returns a copy of the queues for the debug API.
func (p *PoolManager) Snapshot() map[Network][]UnclaimedSubRoom {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(map[Network][]UnclaimedSubRoom, len(p.queues))
	for network, queue := range p.queues {
		rooms := make([]UnclaimedSubRoom, len(queue))
		for i, room := range queue {
			rooms[i] = *room
		}
		snapshot[network] = rooms
	}
	return snapshot
}

// FillUp tops every enabled network's queue up to the configured target
// size, creating the missing sub rooms concurrently. It blocks until all
// creations finished (or failed); callers that don't care run it in a
// goroutine. Invoked at startup and after every successful claim.
func (p *PoolManager) FillUp(ctx context.Context) {
	var wg sync.WaitGroup
	for _, network := range p.cfg.EnabledNetworks() {
		missing := p.cfg.Pool.TargetSize - p.UnclaimedCount(network)
		if missing <= 0 {
			continue
		}
		p.log.Info().Str("network", string(network)).Int("missing", missing).Msg("Filling up sub room pool")
		for range missing {
			wg.Add(1)
			go func(network Network) {
				defer wg.Done()
				if err := p.createSubRoom(ctx, network); err != nil {
					p.log.Error().Err(err).Str("network", string(network)).Msg("Failed to create sub room")
				}
			}(network)
		}
	}
	wg.Wait()
}

// createSubRoom creates one sub room and starts its provisioning protocol.
// A step failure leaves the room in its current non-ready state; earlier
// steps are never rolled back and there is no automatic retry.
func (p *PoolManager) createSubRoom(ctx context.Context, network Network) error {
	bot := p.transport.BotIntent()
	now := time.Now()

	room := &UnclaimedSubRoom{
		PolychatUserID:   bot.UserID(),
		Network:          network,
		TimestampCreated: now,
		LastDebugState:   "Created",
	}

	roomID, err := bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       fmt.Sprintf("Polychat %s sub room", network),
		InitialState: []*event.Event{{
			Type:    StateRoom,
			Content: event.Content{Parsed: EncodeUnclaimedSubRoom(room)},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create %s sub room: %w", network, err)
	}
	room.RoomID = roomID
	p.Add(room)

	log := p.log.With().Str("room_id", roomID.String()).Str("network", string(network)).Logger()
	log.Info().Msg("Created sub room")

	switch network {
	case NetworkIRC:
		// No asynchronous group creation handshake on IRC: mark the room
		// ready right away with a synthesized invite URL.
		channel := "#polychat-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
		url := fmt.Sprintf("irc://%s/%s", p.cfg.Networks[NetworkIRC].Server, channel)
		return p.MarkReady(ctx, room, url)
	case NetworkMatrix:
		return p.MarkReady(ctx, room, fmt.Sprintf("https://matrix.to/#/%s", roomID))
	default:
		return p.provisionBridgedSubRoom(ctx, log, room)
	}
}

// provisionBridgedSubRoom walks a telegram/signal/whatsapp sub room through
// the bridge bot handshake. The bridge bots reply asynchronously with no
// acknowledgment channel, so each command is followed by a fixed delay.
// Readiness arrives later, when the router captures the bot's invite link
// notice.
func (p *PoolManager) provisionBridgedSubRoom(ctx context.Context, log zerolog.Logger, room *UnclaimedSubRoom) error {
	bot := p.transport.BotIntent()
	nc := p.cfg.Networks[room.Network]
	delay := p.cfg.Pool.StepDelayDuration()

	if err := bot.InviteUser(ctx, room.RoomID, nc.BridgeBotMXID, "Polychat sub room provisioning"); err != nil {
		p.setDebugState(room, fmt.Sprintf("Failed to invite bridge bot: %v", err))
		return fmt.Errorf("failed to invite bridge bot to %s: %w", room.RoomID, err)
	}
	p.setDebugState(room, "Invited bridge bot")

	if err := bot.SetPowerLevel(ctx, room.RoomID, nc.BridgeBotMXID, 50); err != nil {
		p.setDebugState(room, fmt.Sprintf("Failed to set bridge bot power level: %v", err))
		return fmt.Errorf("failed to set bridge bot power level in %s: %w", room.RoomID, err)
	}
	p.setDebugState(room, "Set bridge bot power level")

	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	if err := bot.SendMessage(ctx, room.RoomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    nc.GroupCreateCommand + " Polychat",
	}); err != nil {
		p.setDebugState(room, fmt.Sprintf("Failed to send group create command: %v", err))
		return fmt.Errorf("failed to send group create command in %s: %w", room.RoomID, err)
	}
	p.setDebugState(room, "Sent group create command")

	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	if err := bot.SendMessage(ctx, room.RoomID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    nc.InviteLinkCommand,
	}); err != nil {
		p.setDebugState(room, fmt.Sprintf("Failed to send invite link command: %v", err))
		return fmt.Errorf("failed to send invite link command in %s: %w", room.RoomID, err)
	}
	p.setDebugState(room, "Sent invite link command, waiting for invite link")

	log.Info().Msg("Sub room provisioning commands sent")
	return nil
}

// MarkReady records the invite URL and readiness timestamp and persists
// them to room state. The first invite link wins; later links for an
// already-ready room are ignored.
func (p *PoolManager) MarkReady(ctx context.Context, room *UnclaimedSubRoom, inviteURL string) error {
	p.mu.Lock()
	if room.IsReady() {
		p.mu.Unlock()
		return nil
	}
	room.InviteURL = inviteURL
	room.TimestampReady = time.Now()
	room.LastDebugState = "Ready"
	content := EncodeUnclaimedSubRoom(room)
	p.mu.Unlock()

	bot := p.transport.BotIntent()
	if err := bot.SendStateEvent(ctx, room.RoomID, StateRoom, "", content); err != nil {
		return fmt.Errorf("failed to persist sub room readiness for %s: %w", room.RoomID, err)
	}
	p.log.Info().
		Str("room_id", room.RoomID.String()).
		Str("network", string(room.Network)).
		Str("invite_url", inviteURL).
		Msg("Sub room is ready")
	return nil
}

func (p *PoolManager) setDebugState(room *UnclaimedSubRoom, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room.LastDebugState = state
}

// WatchStaleRooms periodically flags sub rooms that never became ready
// within pool.max_unready_age. Rooms are only logged, never evicted.
// Pass 0 to use the default interval of 5 minutes.
func (p *PoolManager) WatchStaleRooms(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logStaleRooms()
		}
	}
}

func (p *PoolManager) logStaleRooms() {
	maxAge := p.cfg.Pool.MaxUnreadyAgeDuration()
	p.mu.Lock()
	defer p.mu.Unlock()
	for network, queue := range p.queues {
		for _, room := range queue {
			if room.IsReady() || time.Since(room.TimestampCreated) < maxAge {
				continue
			}
			p.log.Warn().
				Str("room_id", room.RoomID.String()).
				Str("network", string(network)).
				Str("last_debug_state", room.LastDebugState).
				Time("created", room.TimestampCreated).
				Msg("Sub room never became ready")
		}
	}
}

// sleepCtx waits for the given duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
