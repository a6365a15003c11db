// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package polychat bridges a single group conversation across multiple
// chat networks (IRC, Signal, Telegram, WhatsApp and other Matrix rooms)
// by cooperating with per-network bridge bots from a Matrix appservice.
//
// # Core Types
//
// [Service] is the composition root. It owns the [Registry] of active
// Polychats, the [PoolManager] of pre-provisioned sub rooms, and the
// [Router] that classifies and relays every transport event.
//
// A [Polychat] is one logical conversation anchored by a main room. Each
// participant on an external network gets a claimed sub room: a small
// Matrix room shared with that network's bridge bot, relayed into the
// main room through a synthetic appservice identity.
//
// # Sub Room Lifecycle
//
// The [PoolManager] keeps a per-network pool of unclaimed sub rooms topped
// up ahead of demand. Provisioning a bridged sub room means inviting the
// bridge bot, raising its power level and sending it group-creation and
// invite-link commands, with fixed delays in between because the bots have
// no acknowledgment channel. The room becomes ready once the router
// captures the bot's invite link notice. Claiming pops the first ready
// room, binds a [SubRoomUser] and hands its invite URL to the requester.
//
// # Echo Suppression
//
// Messages relayed from a sub room enter the main room under the sub
// room's synthetic identity. When fanning a main room message out, the
// router skips the sub room whose synthetic identity sent it, so nothing
// is ever echoed back to its origin. Sub room messages are only relayed
// when they come from the room's bound user.
//
// # Persistence
//
// All durable state lives in custom Matrix state events (de.polychat.room
// and de.polychat.room.participant); see statecodec.go. On startup the
// service can rebuild every Polychat, sub room and participant link from
// the rooms the bot is joined to.
package polychat
