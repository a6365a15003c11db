// Copyright 2024-2026 Polychat Authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package polychat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// maxAPIBodySize caps request bodies on the claim and create endpoints (1 MB).
const maxAPIBodySize = 1 << 20

// APIServer is the thin REST wrapper around the Service. It holds no
// business logic; every handler validates input, calls into the core and
// maps errors to the 2024-01 errcode vocabulary.
type APIServer struct {
	log         zerolog.Logger
	svc         *Service
	joinBaseURL string
	server      *http.Server
}

// NewAPIServer builds the API with its routes registered.
func NewAPIServer(log zerolog.Logger, cfg *Config, svc *Service) *APIServer {
	a := &APIServer{
		log:         log.With().Str("component", "api").Logger(),
		svc:         svc,
		joinBaseURL: cfg.API.JoinBaseURL,
	}
	a.server = &http.Server{
		Addr:         cfg.API.Listen,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a
}

// Handler returns the routed handler, exported for httptest use.
func (a *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/2024-01/settings", a.handleSettings)
	mux.HandleFunc("POST /api/2024-01/polychat", a.handleCreatePolychat)
	mux.HandleFunc("GET /api/2024-01/polychat/{polychatId}", a.handleGetPolychat)
	mux.HandleFunc("POST /api/2024-01/polychat/{polychatId}/{networkId}", a.handleClaim)
	mux.HandleFunc("GET /api/2024-01-debug/all", a.handleDebugAll)
	mux.HandleFunc("GET /api/2024-01-debug/polychats", a.handleDebugPolychats)
	mux.HandleFunc("GET /api/2024-01-debug/shut-down-polychat/{polychatId}", a.handleShutDownPolychat)
	mux.HandleFunc("GET /livez", a.handleLivez)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	return allowCrossDomain(mux)
}

// Start runs the listener until Shutdown. Blocks.
func (a *APIServer) Start() error {
	a.log.Info().Str("addr", a.server.Addr).Msg("Starting API server")
	err := a.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and lets in-flight requests
// finish.
func (a *APIServer) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func allowCrossDomain(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type polychatResponse struct {
	ID       string `json:"id"`
	AdminURL string `json:"adminUrl"`
	JoinURL  string `json:"joinUrl"`
	Name     string `json:"name"`
}

func (a *APIServer) polychatResponse(pc *Polychat) polychatResponse {
	view := a.svc.Registry().PolychatView(pc)
	return polychatResponse{
		ID:       view.MainRoomID.String(),
		AdminURL: fmt.Sprintf("%s/%s?admin=true", a.joinBaseURL, view.MainRoomID),
		JoinURL:  fmt.Sprintf("%s/%s", a.joinBaseURL, view.MainRoomID),
		Name:     view.Name,
	}
}

func (a *APIServer) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"networks": a.svc.EnabledNetworks(),
	})
}

func (a *APIServer) handleCreatePolychat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBodySize)
	name := bodyFields(r, "name")["name"]
	if name == "" {
		writeErrcode(w, http.StatusForbidden, "E_NAME_MISSING")
		return
	}

	pc, err := a.svc.CreatePolychat(r.Context(), name)
	if err != nil {
		a.log.Error().Err(err).Str("requested_room_name", name).Msg("Failed to create Polychat")
		writeErrcode(w, http.StatusInternalServerError, "E_INTERNAL_ERROR")
		return
	}
	a.log.Info().Str("room_id", pc.MainRoomID.String()).Msg("API: Created Polychat")
	writeJSON(w, http.StatusOK, a.polychatResponse(pc))
}

func (a *APIServer) handleGetPolychat(w http.ResponseWriter, r *http.Request) {
	polychatID := r.PathValue("polychatId")
	pc := a.svc.Registry().FindMainRoom(id.RoomID(polychatID))
	if pc == nil {
		writeErrcode(w, http.StatusForbidden, "E_POLYCHAT_NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, a.polychatResponse(pc))
}

func (a *APIServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBodySize)
	polychatID := r.PathValue("polychatId")
	networkID := r.PathValue("networkId")

	network, ok := ParseNetwork(networkID)
	if !ok || !a.svc.cfg.NetworkEnabled(network) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"errcode":    "E_UNSUPPORTED_NETWORK",
			"mainRoomId": polychatID,
			"networkId":  networkID,
		})
		return
	}
	if r.URL.Query().Get("action") != "join" {
		writeErrcode(w, http.StatusForbidden, "E_UNSUPPORTED_ACTION")
		return
	}

	fields := bodyFields(r, "identity", "name")
	identity := fields["identity"]
	name := fields["name"]
	if identity != string(IdentityInherit) && identity != string(IdentityCustom) {
		writeErrcode(w, http.StatusForbidden, "E_UNSUPPORTED_IDENTITY")
		return
	}
	if identity == string(IdentityCustom) && name == "" {
		writeErrcode(w, http.StatusForbidden, "E_MISSING_NAME")
		return
	}
	if identity == string(IdentityInherit) {
		name = ""
	}

	pc := a.svc.Registry().FindMainRoom(id.RoomID(polychatID))
	if pc == nil {
		writeErrcode(w, http.StatusForbidden, "E_POLYCHAT_NOT_FOUND")
		return
	}

	url, err := a.svc.ClaimSubRoom(r.Context(), pc, network, name)
	if err != nil {
		a.log.Warn().Err(err).
			Str("room_id", pc.MainRoomID.String()).
			Str("network", networkID).
			Msg("API: Error claiming a sub room")
		switch {
		case errors.Is(err, ErrOutOfSubRooms):
			writeErrcode(w, http.StatusInternalServerError, "E_OUT_OF_SUB_ROOMS")
		case errors.Is(err, ErrUnsupportedNetwork):
			writeErrcode(w, http.StatusNotFound, "E_UNSUPPORTED_NETWORK")
		case errors.Is(err, ErrPolychatNotFound):
			writeErrcode(w, http.StatusForbidden, "E_POLYCHAT_NOT_FOUND")
		default:
			writeErrcode(w, http.StatusInternalServerError, "E_UNKNOWN")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Debug views. These expose internal state read-only and are not part of
// the stable API surface.

type debugSubRoom struct {
	Network          Network   `json:"network"`
	RoomID           id.RoomID `json:"roomId"`
	InviteURL        string    `json:"inviteUrl,omitempty"`
	TimestampCreated int64     `json:"timestampCreated,omitempty"`
	TimestampReady   int64     `json:"timestampReady,omitempty"`
	TimestampClaimed int64     `json:"timestampClaimed,omitempty"`
	TimestampJoined  int64     `json:"timestampJoined,omitempty"`
	TimestampLeft    int64     `json:"timestampLeft,omitempty"`
	UserID           id.UserID `json:"userId,omitempty"`
	Identity         Identity  `json:"identity,omitempty"`
	LastDebugState   string    `json:"lastDebugState"`
}

type debugPolychat struct {
	Name       string         `json:"name"`
	MainRoomID id.RoomID      `json:"mainRoomId"`
	SubRooms   []debugSubRoom `json:"subRooms"`
}

func (a *APIServer) debugPolychats() []debugPolychat {
	polychats := a.svc.Registry().AllPolychats()
	out := make([]debugPolychat, 0, len(polychats))
	for _, pc := range polychats {
		meta := a.svc.Registry().PolychatView(pc)
		view := debugPolychat{
			Name:       meta.Name,
			MainRoomID: meta.MainRoomID,
			SubRooms:   []debugSubRoom{},
		}
		for _, sub := range a.svc.Registry().SubRoomsSnapshot(pc) {
			s := a.svc.Registry().SubRoomView(sub)
			view.SubRooms = append(view.SubRooms, debugSubRoom{
				Network:          s.Network,
				RoomID:           s.RoomID,
				InviteURL:        s.InviteURL,
				TimestampCreated: timeToMillis(s.TimestampCreated),
				TimestampReady:   timeToMillis(s.TimestampReady),
				TimestampClaimed: timeToMillis(s.TimestampClaimed),
				TimestampJoined:  timeToMillis(s.TimestampJoined),
				TimestampLeft:    timeToMillis(s.TimestampLeft),
				UserID:           s.UserID,
				Identity:         s.User.Identity,
				LastDebugState:   s.LastDebugState,
			})
		}
		out = append(out, view)
	}
	return out
}

func (a *APIServer) handleDebugAll(w http.ResponseWriter, _ *http.Request) {
	unclaimed := make(map[Network][]debugSubRoom)
	for network, rooms := range a.svc.Pool().Snapshot() {
		views := make([]debugSubRoom, 0, len(rooms))
		for _, room := range rooms {
			views = append(views, debugSubRoom{
				Network:          room.Network,
				RoomID:           room.RoomID,
				InviteURL:        room.InviteURL,
				TimestampCreated: timeToMillis(room.TimestampCreated),
				TimestampReady:   timeToMillis(room.TimestampReady),
				LastDebugState:   room.LastDebugState,
			})
		}
		unclaimed[network] = views
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"polychats":         a.debugPolychats(),
		"unclaimedSubRooms": unclaimed,
	})
}

func (a *APIServer) handleDebugPolychats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"polychats": a.debugPolychats(),
	})
}

func (a *APIServer) handleShutDownPolychat(w http.ResponseWriter, r *http.Request) {
	polychatID := r.PathValue("polychatId")
	pc := a.svc.Registry().FindMainRoom(id.RoomID(polychatID))
	if pc == nil {
		writeErrcode(w, http.StatusForbidden, "E_POLYCHAT_NOT_FOUND")
		return
	}
	a.log.Info().Str("room_id", pc.MainRoomID.String()).Msg("API: Shutting down Polychat")
	if err := a.svc.ShutDownPolychat(r.Context(), pc); err != nil {
		a.log.Error().Err(err).Msg("Failed to shut down Polychat")
		writeErrcode(w, http.StatusInternalServerError, "E_UNKNOWN")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *APIServer) handleLivez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (a *APIServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !a.svc.Ready() {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("NOK"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// bodyFields reads the named fields from form data (urlencoded or
// multipart) or, failing that, from a JSON object body. The body is only
// consumed once.
func bodyFields(r *http.Request, keys ...string) map[string]string {
	fields := make(map[string]string, len(keys))
	haveForm := false
	for _, key := range keys {
		if value := r.FormValue(key); value != "" {
			fields[key] = value
			haveForm = true
		}
	}
	if haveForm || r.Body == nil {
		return fields
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return fields
	}
	for _, key := range keys {
		if value, ok := body[key].(string); ok {
			fields[key] = value
		}
	}
	return fields
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrcode(w http.ResponseWriter, status int, errcode string) {
	writeJSON(w, status, map[string]string{"errcode": errcode})
}
