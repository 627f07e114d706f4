// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/middleware"
	"github.com/nydus-gg/nydus/internal/session"
	"github.com/nydus-gg/nydus/internal/slot"
)

// LobbyWSHandler joins the caller to the named lobby and relays lobby
// events over the socket until the user leaves or the game launches.
func (s *Server) LobbyWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		rawName := strings.TrimPrefix(r.URL.Path, "/lobbies/ws/")
		name, err := url.PathUnescape(rawName)
		if err != nil || name == "" {
			http.Error(w, "missing lobby name", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}

		userID, err := EnsureEphemeralUser(w, r)
		if err != nil {
			s.Logger.Warnf("authentication failed for lobby %q: %v", name, err)
			c.Close(InvalidAuthTokenError, "authentication failed")
			return
		}

		sess, ok := s.Lobbies.Get(name)
		if !ok {
			c.Close(InvalidLobbyError, "lobby does not exist")
			return
		}

		race := slot.Race(r.URL.Query().Get("race"))
		if race == "" {
			race = slot.RaceRandom
		}
		if !slot.ValidRace(race) {
			c.Close(websocket.StatusPolicyViolation, "invalid race")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		client := &session.Client{
			UserID:   userID,
			Username: lookupUsername(r.Context(), userID),
			Cancel:   cancel,
			OutChan:  make(chan map[string]interface{}, 10),
			Logger:   s.Logger,
		}

		if err := sess.Attach(client, race); err != nil {
			cancel()
			if err == session.ErrBanned {
				c.Close(BannedFromLobbyError, "banned from this lobby")
			} else {
				c.Close(websocket.StatusPolicyViolation, err.Error())
			}
			return
		}

		middleware.LogWebSocketConnect(s.Logger, remoteAddr, r.URL.Path)

		go lobbyWritePump(ctx, c, client, s.Logger)
		s.lobbyReadPump(ctx, c, sess, client)

		middleware.LogWebSocketDisconnect(s.Logger, remoteAddr, r.URL.Path, nil)
		sess.Leave(userID)
	}
}

// lobbyReadPump blocks until the connection closes, dispatching each
// JSON packet to the session. Session methods lock internally.
func (s *Server) lobbyReadPump(ctx context.Context, c *websocket.Conn, sess *session.Session, client *session.Client) {
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
				s.Logger.Warnf("lobby %q: read error for user %v: %v", sess.Name(), client.UserID, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet map[string]interface{}
		if err := json.Unmarshal(msg, &packet); err != nil {
			client.WriteError("invalid JSON format")
			continue
		}

		if leave := s.handleLobbyMessage(packet, sess, client); leave {
			return
		}
	}
}

// handleLobbyMessage interprets the "type" field. Returns true when the
// client asked to leave, ending the read pump.
func (s *Server) handleLobbyMessage(packet map[string]interface{}, sess *session.Session, client *session.Client) bool {
	action, _ := packet["type"].(string)

	slotArg := func() (uuid.UUID, bool) {
		raw, _ := packet["slotId"].(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			client.WriteError("invalid slotId")
			return uuid.Nil, false
		}
		return id, true
	}
	report := func(err error) {
		if err != nil {
			client.WriteError(err.Error())
		}
	}

	switch action {
	case "changeSlot":
		if id, ok := slotArg(); ok {
			report(sess.ChangeSlot(client.UserID, id))
		}
	case "setRace":
		id, ok := slotArg()
		if !ok {
			return false
		}
		race := slot.Race(fmt.Sprint(packet["race"]))
		if !slot.ValidRace(race) {
			client.WriteError("invalid race")
			return false
		}
		report(sess.SetRace(client.UserID, id, race))
	case "addComputer":
		if id, ok := slotArg(); ok {
			report(sess.AddComputer(client.UserID, id))
		}
	case "openSlot":
		if id, ok := slotArg(); ok {
			report(sess.OpenSlot(client.UserID, id))
		}
	case "closeSlot":
		if id, ok := slotArg(); ok {
			report(sess.CloseSlot(client.UserID, id))
		}
	case "makeObserver":
		if id, ok := slotArg(); ok {
			report(sess.MakeObserver(client.UserID, id))
		}
	case "removeObserver":
		if id, ok := slotArg(); ok {
			report(sess.RemoveObserver(client.UserID, id))
		}
	case "kick":
		if id, ok := slotArg(); ok {
			report(sess.Kick(client.UserID, id))
		}
	case "ban":
		if id, ok := slotArg(); ok {
			report(sess.Ban(client.UserID, id))
		}
	case "chat":
		text, _ := packet["text"].(string)
		if text != "" {
			report(sess.SendChat(client.UserID, text))
		}
	case "startCountdown":
		report(sess.StartCountdown(client.UserID))
	case "playerLoaded":
		if gameID, ok := sess.GameID(); ok {
			s.Loads.PlayerLoaded(gameID, client.UserID)
		}
	case "playerFailed":
		if gameID, ok := sess.GameID(); ok {
			s.Loads.PlayerFailed(gameID, client.UserID)
		}
	case "leave":
		return true
	default:
		client.WriteError(fmt.Sprintf("unknown action type: %s", action))
	}
	return false
}

// lobbyWritePump drains the client's OutChan onto the socket and pings
// periodically so half-open connections get detected.
func lobbyWritePump(ctx context.Context, c *websocket.Conn, client *session.Client, logger *logrus.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.Close(websocket.StatusGoingAway, "write pump stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.OutChan:
			if !ok {
				// Session detached us; drain finished.
				c.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("lobby: failed to marshal outgoing msg for user %v: %v", client.UserID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("lobby: failed to write to websocket for user %v: %v", client.UserID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("lobby: ping failed for user %v, assuming disconnect", client.UserID)
				return
			}
		}
	}
}
