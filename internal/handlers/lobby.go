// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nydus-gg/nydus/internal/lobby"
	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/session"
	"github.com/nydus-gg/nydus/internal/slot"
)

type createLobbyRequest struct {
	Name            string          `json:"name"`
	Map             *models.MapInfo `json:"map,omitempty"`
	GameType        lobby.GameType  `json:"gameType"`
	GameSubType     int             `json:"gameSubType,omitempty"`
	NumSlots        int             `json:"numSlots"`
	Race            slot.Race       `json:"race,omitempty"`
	AllowObservers  bool            `json:"allowObservers,omitempty"`
	TurnRate        int             `json:"turnRate,omitempty"`
	UseLegacyLimits bool            `json:"useLegacyLimits,omitempty"`
}

// CreateLobbyHandler creates a lobby and seats the caller as host. The
// caller then opens the lobby WebSocket to receive events.
func (s *Server) CreateLobbyHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := EnsureEphemeralUser(w, r)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "lobby name is required", http.StatusBadRequest)
		return
	}
	if !lobby.ValidGameType(req.GameType) {
		http.Error(w, "invalid game type", http.StatusBadRequest)
		return
	}
	if req.GameType.IsUms() && req.Map == nil {
		http.Error(w, "use-map-settings games need a map", http.StatusBadRequest)
		return
	}
	race := req.Race
	if race == "" {
		race = slot.RaceRandom
	}
	if !slot.ValidRace(race) {
		http.Error(w, "invalid race", http.StatusBadRequest)
		return
	}

	username := lookupUsername(r.Context(), userID)

	sess, err := s.Lobbies.Create(lobby.CreateParams{
		Name:            req.Name,
		Map:             req.Map,
		GameType:        req.GameType,
		GameSubType:     req.GameSubType,
		NumSlots:        req.NumSlots,
		HostName:        username,
		HostUserID:      userID,
		HostRace:        race,
		AllowObservers:  req.AllowObservers,
		TurnRate:        req.TurnRate,
		UseLegacyLimits: req.UseLegacyLimits,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrNameTaken) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	l, _ := sess.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(l)
}

// ListLobbiesHandler returns the joinable lobbies.
func (s *Server) ListLobbiesHandler(w http.ResponseWriter, r *http.Request) {
	summaries := s.Lobbies.Summaries()
	if summaries == nil {
		summaries = []session.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// LobbyStateHandler reports what a lobby name currently refers to, so
// clients can distinguish a closed lobby from one that launched.
func (s *Server) LobbyStateHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"name":  name,
		"state": s.Lobbies.LobbyState(name),
	})
}
