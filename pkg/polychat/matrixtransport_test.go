// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
)

func TestNewMatrixTransport(t *testing.T) {
	transport, err := NewMatrixTransport(zerolog.Nop(), testConfig())
	if err != nil {
		t.Fatalf("NewMatrixTransport() error: %v", err)
	}

	// Events must be dispatched one at a time: the router's first-join-wins
	// and relay logic depend on in-order handling per transaction.
	if transport.ep.ExecMode != appservice.Sync {
		t.Errorf("ExecMode = %v, want appservice.Sync", transport.ep.ExecMode)
	}

	if got := transport.BotUserID(); got != testBotMXID {
		t.Errorf("BotUserID() = %s, want %s", got, testBotMXID)
	}
	if got := transport.UserIDForLocalpart("polychat_x"); got != "@polychat_x:example.org" {
		t.Errorf("UserIDForLocalpart(polychat_x) = %s", got)
	}
}

func TestNewMatrixTransportInvalidAddress(t *testing.T) {
	cfg := testConfig()
	cfg.Homeserver.Address = "://not-a-url"
	if _, err := NewMatrixTransport(zerolog.Nop(), cfg); err == nil {
		t.Error("NewMatrixTransport() accepted an invalid homeserver address")
	}
}

func TestMatrixTransportIsNamespacedUser(t *testing.T) {
	transport, err := NewMatrixTransport(zerolog.Nop(), testConfig())
	if err != nil {
		t.Fatalf("NewMatrixTransport() error: %v", err)
	}

	tests := []struct {
		userID string
		want   bool
	}{
		{"@polychat:example.org", true},
		{"@polychat_abc:example.org", true},
		{"@polychat_abc:other.org", false},
		{"@alice:example.org", false},
		{"not an mxid", false},
	}
	for _, tt := range tests {
		if got := transport.IsNamespacedUser(id.UserID(tt.userID)); got != tt.want {
			t.Errorf("IsNamespacedUser(%s) = %v, want %v", tt.userID, got, tt.want)
		}
	}
}
