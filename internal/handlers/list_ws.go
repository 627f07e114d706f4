// internal/handlers/list_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/middleware"
	"github.com/nydus-gg/nydus/internal/session"
)

// ListHub fans lobby-list changes out to watcher sockets and forwards
// them to a downstream publisher (the Redis channel in production).
type ListHub struct {
	mu     sync.Mutex
	subs   map[*listSub]struct{}
	next   session.ListPublisher
	Logger *logrus.Logger
}

type listSub struct {
	out chan map[string]interface{}
}

func NewListHub(next session.ListPublisher, logger *logrus.Logger) *ListHub {
	if next == nil {
		next = session.NopListPublisher{}
	}
	return &ListHub{
		subs:   make(map[*listSub]struct{}),
		next:   next,
		Logger: logger,
	}
}

func (h *ListHub) LobbyListed(s session.Summary) {
	h.next.LobbyListed(s)
	h.fan(map[string]interface{}{"type": "lobbyListed", "lobby": s})
}

func (h *ListHub) LobbyUpdated(s session.Summary) {
	h.next.LobbyUpdated(s)
	h.fan(map[string]interface{}{"type": "lobbyUpdated", "lobby": s})
}

func (h *ListHub) LobbyDelisted(name string) {
	h.next.LobbyDelisted(name)
	h.fan(map[string]interface{}{"type": "lobbyDelisted", "name": name})
}

func (h *ListHub) ActiveCount(n int) {
	h.next.ActiveCount(n)
	h.fan(map[string]interface{}{"type": "activeCount", "count": n})
}

func (h *ListHub) fan(msg map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.out <- msg:
		default:
			// Watcher is not keeping up; it will refetch on reconnect.
		}
	}
}

func (h *ListHub) subscribe(sub *listSub) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *ListHub) unsubscribe(sub *listSub) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// ListWSHandler streams the joinable-lobby list: a full snapshot on
// connect, then incremental updates as lobbies come and go.
func (s *Server) ListWSHandler(hub *ListHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby-list"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			s.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby-list" {
			c.Close(BadSubprotocolError, "client must speak the lobby-list subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		sub := &listSub{
			out: make(chan map[string]interface{}, 32),
		}

		// Subscribe before the snapshot so nothing slips between them.
		// Updates carry full summaries, so an overlap is just an upsert.
		hub.subscribe(sub)
		snapshot := s.Lobbies.Summaries()
		defer hub.unsubscribe(sub)
		middleware.LogWebSocketConnect(s.Logger, remoteAddr, r.URL.Path)
		defer middleware.LogWebSocketDisconnect(s.Logger, remoteAddr, r.URL.Path, nil)

		if err := writeListMessage(ctx, c, map[string]interface{}{
			"type":    "lobbyList",
			"lobbies": snapshot,
		}); err != nil {
			return
		}

		// Reads only service pings and close frames.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.Read(ctx); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.out:
				if err := writeListMessage(ctx, c, msg); err != nil {
					return
				}
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
				err := c.Ping(pingCtx)
				pingCancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func writeListMessage(ctx context.Context, c *websocket.Conn, msg map[string]interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.Write(writeCtx, websocket.MessageText, data)
}
