// internal/session/client.go
package session

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Client is a single user's live connection to a lobby session. The write
// pump owned by the transport layer drains OutChan; Write never blocks so
// a stalled socket cannot stall lobby mutations.
type Client struct {
	UserID   uuid.UUID
	Username string

	// Cancel tears down the connection's pump goroutines.
	Cancel  func()
	OutChan chan map[string]interface{}

	Logger *logrus.Logger
}

// Write pushes a message onto the client's OutChan non-blockingly and
// drops it (with a log line) if the channel is closed or full.
func (c *Client) Write(msg map[string]interface{}) {
	select {
	case c.OutChan <- msg:
	default:
		if c.Logger != nil {
			msgType, _ := msg["type"].(string)
			c.Logger.WithFields(logrus.Fields{
				"user_id": c.UserID,
				"type":    msgType,
			}).Warn("client channel full, dropped message")
		}
	}
}

// WriteError is a convenience to send an error object.
func (c *Client) WriteError(msg string) {
	c.Write(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}
