// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"encoding/json"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// inviteLinkPrefix is the fixed phrase the bridge bots start their invite
// link notices with. Taken from the Telegram bridge; the Signal and
// WhatsApp bridges use the same wording.
const inviteLinkPrefix = "Invite link to "

// Per-network URL shapes. The patterns are anchored to the end of the body
// because the link is always the last token of the notice.
//
// Examples:
//
//	https://t.me/+U6Yt2XIwPJxiODNi
//	https://signal.group/#CjQKIBLIifvyWswZrG2GalWLYuY_slMXoJkcdcRHWX8tve-i
//	https://chat.whatsapp.com/BzkM4rkDt1m2CxlgWpkbfl
var (
	telegramInviteLinkRegexp = regexp.MustCompile(`https://t\.me/\+\S+$`)
	signalInviteLinkRegexp   = regexp.MustCompile(`https://signal\.group/#\S+$`)
	whatsAppInviteLinkRegexp = regexp.MustCompile(`https://chat\.whatsapp\.com/\S+$`)
)

// ExtractTelegramInviteLink returns the join URL carried by a Telegram
// bridge bot notice, or "" if the event is not such a notice. A non-match
// is not an error.
func ExtractTelegramInviteLink(evt *event.Event, bridgeBotMXID id.UserID) string {
	return extractInviteLink(evt, bridgeBotMXID, telegramInviteLinkRegexp)
}

// ExtractSignalInviteLink returns the join URL carried by a Signal bridge
// bot notice, or "".
func ExtractSignalInviteLink(evt *event.Event, bridgeBotMXID id.UserID) string {
	return extractInviteLink(evt, bridgeBotMXID, signalInviteLinkRegexp)
}

// ExtractWhatsAppInviteLink returns the join URL carried by a WhatsApp
// bridge bot notice, or "".
func ExtractWhatsAppInviteLink(evt *event.Event, bridgeBotMXID id.UserID) string {
	return extractInviteLink(evt, bridgeBotMXID, whatsAppInviteLinkRegexp)
}

// ExtractInviteLink dispatches to the extractor for the given network.
// Networks without an asynchronous invite link protocol (irc, matrix)
// never match.
func ExtractInviteLink(network Network, evt *event.Event, bridgeBotMXID id.UserID) string {
	switch network {
	case NetworkTelegram:
		return ExtractTelegramInviteLink(evt, bridgeBotMXID)
	case NetworkSignal:
		return ExtractSignalInviteLink(evt, bridgeBotMXID)
	case NetworkWhatsApp:
		return ExtractWhatsAppInviteLink(evt, bridgeBotMXID)
	default:
		return ""
	}
}

func extractInviteLink(evt *event.Event, bridgeBotMXID id.UserID, pattern *regexp.Regexp) string {
	if bridgeBotMXID == "" || evt.Sender != bridgeBotMXID {
		return ""
	}
	content := messageContent(evt)
	if content == nil || content.MsgType != event.MsgNotice {
		return ""
	}
	if !strings.HasPrefix(content.Body, inviteLinkPrefix) {
		return ""
	}
	return pattern.FindString(content.Body)
}

// messageContent returns the parsed message content of an event, decoding
// the raw content map if needed. Returns nil for non-message content.
func messageContent(evt *event.Event) *event.MessageEventContent {
	if content, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		return content
	}
	if len(evt.Content.Raw) == 0 {
		return nil
	}
	data, err := json.Marshal(evt.Content.Raw)
	if err != nil {
		return nil
	}
	var content event.MessageEventContent
	if err := json.Unmarshal(data, &content); err != nil {
		return nil
	}
	evt.Content.Parsed = &content
	return &content
}
