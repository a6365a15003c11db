// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import "errors"

// Sentinel errors surfaced to the API layer and in-room replies. The API
// maps them to the errcode vocabulary of the 2024-01 API.
var (
	// ErrOutOfSubRooms means the pool has no ready sub room for the
	// requested network. The pool replenishes asynchronously; the claim is
	// not retried synchronously.
	ErrOutOfSubRooms = errors.New("out of sub rooms")
	// ErrPolychatNotFound means no known Polychat is anchored at the given
	// main room ID.
	ErrPolychatNotFound = errors.New("polychat not found")
	// ErrUnsupportedNetwork means the network is unknown or not enabled in
	// the configuration.
	ErrUnsupportedNetwork = errors.New("unsupported network")
)
