// internal/handlers/matchmaking_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/database"
	"github.com/nydus-gg/nydus/internal/matchmaking"
	"github.com/nydus-gg/nydus/internal/middleware"
	"github.com/nydus-gg/nydus/internal/slot"
)

// MatchmakingHub fans matchmaking service notifications out to the
// user's live socket. It satisfies matchmaking.Notifier.
type MatchmakingHub struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]*mmConn
	Logger *logrus.Logger
}

type mmConn struct {
	out    chan map[string]interface{}
	cancel func()
}

func NewMatchmakingHub(logger *logrus.Logger) *MatchmakingHub {
	return &MatchmakingHub{
		conns:  make(map[uuid.UUID]*mmConn),
		Logger: logger,
	}
}

// ToUser delivers a message to the user's matchmaking socket, dropping
// it if the user is offline or their channel is full.
func (h *MatchmakingHub) ToUser(userID uuid.UUID, msg map[string]interface{}) {
	h.mu.Lock()
	conn, ok := h.conns[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.out <- msg:
	default:
		msgType, _ := msg["type"].(string)
		h.Logger.WithFields(logrus.Fields{
			"user_id": userID,
			"type":    msgType,
		}).Warn("matchmaking channel full, dropped message")
	}
}

// register binds the user's socket, displacing any previous one.
func (h *MatchmakingHub) register(userID uuid.UUID, conn *mmConn) {
	h.mu.Lock()
	prev := h.conns[userID]
	h.conns[userID] = conn
	h.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// unregister removes the binding if it still refers to conn.
func (h *MatchmakingHub) unregister(userID uuid.UUID, conn *mmConn) {
	h.mu.Lock()
	if h.conns[userID] == conn {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
}

type findRequest struct {
	MatchType        string      `json:"matchType"`
	Race             slot.Race   `json:"race"`
	UseAlternateRace bool        `json:"useAlternateRace"`
	AlternateRace    slot.Race   `json:"alternateRace"`
	PreferredMaps    []uuid.UUID `json:"preferredMaps"`
}

// MatchmakingWSHandler is the per-user matchmaking socket: find/cancel/
// accept commands in, queue status and match lifecycle events out.
func (s *Server) MatchmakingWSHandler(hub *MatchmakingHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"matchmaking"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "matchmaking" {
			c.Close(BadSubprotocolError, "client must speak the matchmaking subprotocol")
			return
		}

		userID, err := EnsureEphemeralUser(w, r)
		if err != nil {
			s.Logger.Warnf("authentication failed for matchmaking socket: %v", err)
			c.Close(InvalidAuthTokenError, "authentication failed")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		conn := &mmConn{
			out:    make(chan map[string]interface{}, 16),
			cancel: cancel,
		}
		hub.register(userID, conn)
		middleware.LogWebSocketConnect(s.Logger, remoteAddr, r.URL.Path)

		go mmWritePump(ctx, c, conn, userID, s.Logger)
		s.mmReadPump(ctx, c, conn, userID)

		hub.unregister(userID, conn)
		s.Matchmaking.Disconnect(userID)
		cancel()
		middleware.LogWebSocketDisconnect(s.Logger, remoteAddr, r.URL.Path, nil)
	}
}

func (s *Server) mmReadPump(ctx context.Context, c *websocket.Conn, conn *mmConn, userID uuid.UUID) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure && closeStatus != websocket.StatusGoingAway &&
				!strings.Contains(err.Error(), "context canceled") {
				s.Logger.Warnf("matchmaking: read error for user %v: %v", userID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet map[string]interface{}
		if err := json.Unmarshal(msg, &packet); err != nil {
			conn.write("error", map[string]interface{}{"message": "invalid JSON format"})
			continue
		}

		s.handleMatchmakingMessage(ctx, packet, conn, userID)
	}
}

func (c *mmConn) write(msgType string, extra map[string]interface{}) {
	msg := map[string]interface{}{"type": msgType}
	for k, v := range extra {
		msg[k] = v
	}
	select {
	case c.out <- msg:
	default:
	}
}

func (s *Server) handleMatchmakingMessage(ctx context.Context, packet map[string]interface{}, conn *mmConn, userID uuid.UUID) {
	action, _ := packet["type"].(string)
	report := func(err error) {
		if err != nil {
			conn.write("error", map[string]interface{}{"message": err.Error()})
		}
	}

	switch action {
	case "find":
		raw, err := json.Marshal(packet)
		if err != nil {
			report(err)
			return
		}
		var req findRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			conn.write("error", map[string]interface{}{"message": "invalid find payload"})
			return
		}
		player, err := s.buildQueuePlayer(ctx, userID, req)
		if err != nil {
			report(err)
			return
		}
		matchType := matchmaking.Type(req.MatchType)
		if matchType == "" {
			matchType = matchmaking.Type1v1
		}
		report(s.Matchmaking.Find(matchType, player))
	case "cancel":
		report(s.Matchmaking.Cancel(userID))
	case "accept":
		report(s.Matchmaking.Accept(userID))
	case "playerLoaded":
		if gameID, ok := parseGameID(packet); ok {
			s.Loads.PlayerLoaded(gameID, userID)
		}
	case "playerFailed":
		if gameID, ok := parseGameID(packet); ok {
			s.Loads.PlayerFailed(gameID, userID)
		}
	default:
		conn.write("error", map[string]interface{}{"message": fmt.Sprintf("unknown action type: %s", action)})
	}
}

func parseGameID(packet map[string]interface{}) (uuid.UUID, bool) {
	raw, _ := packet["gameId"].(string)
	id, err := uuid.Parse(raw)
	return id, err == nil
}

// buildQueuePlayer seeds the search entry from the persisted rating.
// The initial interval spans the rating uncertainty so unestablished
// accounts match a wider field from the first pass.
func (s *Server) buildQueuePlayer(ctx context.Context, userID uuid.UUID, req findRequest) (*matchmaking.Player, error) {
	race := req.Race
	if race == "" {
		race = slot.RaceRandom
	}
	if !slot.ValidRace(race) {
		return nil, fmt.Errorf("invalid race")
	}
	if req.UseAlternateRace && !slot.ValidRace(req.AlternateRace) {
		return nil, fmt.Errorf("invalid alternate race")
	}

	dbCtx, dbCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dbCancel()
	user, err := database.GetUserByID(dbCtx, userID)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}

	halfWidth := user.Uncertainty1v1 / 2
	return &matchmaking.Player{
		ID:     userID,
		Name:   user.Username,
		Rating: user.Rating1v1,
		Interval: matchmaking.Interval{
			Low:  user.Rating1v1 - halfWidth,
			High: user.Rating1v1 + halfWidth,
		},
		Race:             race,
		UseAlternateRace: req.UseAlternateRace,
		AlternateRace:    req.AlternateRace,
		PreferredMaps:    req.PreferredMaps,
	}, nil
}

func mmWritePump(ctx context.Context, c *websocket.Conn, conn *mmConn, userID uuid.UUID, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.Close(websocket.StatusGoingAway, "write pump stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.out:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("matchmaking: failed to marshal outgoing msg for user %v: %v", userID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("matchmaking: failed to write to websocket for user %v: %v", userID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("matchmaking: ping failed for user %v, assuming disconnect", userID)
				return
			}
		}
	}
}
