// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/session"
)

// Rdb is the global Redis client. Connect it once at application startup.
var Rdb *redis.Client

// Keys and channels shared with other server instances and dashboards.
const (
	LobbyListChannel = "nydus_lobby_list"
	ActiveCountKey   = "nydus_active_lobbies"
)

// ConnectRedis initializes the global Redis client with environment
// variables:
//   - REDIS_ADDR (default "localhost:6379")
//   - REDIS_DB (optional, default 0)
func ConnectRedis() error {
	addr := getEnv("REDIS_ADDR", "localhost:6379")
	dbIdx := getEnvInt("REDIS_DB", 0)

	Rdb = redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   dbIdx,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return nil
}

// lobbyListRecord is the wire form pushed onto the lobby-list channel.
type lobbyListRecord struct {
	Action    string           `json:"action"` // "add", "update" or "delete"
	Name      string           `json:"name"`
	Summary   *session.Summary `json:"summary,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// ListPublisher mirrors lobby-list changes into Redis so sibling server
// instances and the web dashboard see them. Implements
// session.ListPublisher. Publish failures are logged and dropped; the
// in-process list stays authoritative.
type ListPublisher struct {
	Logger *logrus.Logger
}

func (p *ListPublisher) publish(rec lobbyListRecord) {
	rec.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(rec)
	if err != nil {
		p.Logger.WithError(err).Error("failed to marshal lobby list record")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Rdb.Publish(ctx, LobbyListChannel, data).Err(); err != nil {
		p.Logger.WithError(err).Warn("failed to publish lobby list change")
	}
}

func (p *ListPublisher) LobbyListed(s session.Summary) {
	p.publish(lobbyListRecord{Action: "add", Name: s.Name, Summary: &s})
}

func (p *ListPublisher) LobbyUpdated(s session.Summary) {
	p.publish(lobbyListRecord{Action: "update", Name: s.Name, Summary: &s})
}

func (p *ListPublisher) LobbyDelisted(name string) {
	p.publish(lobbyListRecord{Action: "delete", Name: name})
}

func (p *ListPublisher) ActiveCount(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Rdb.Set(ctx, ActiveCountKey, n, 0).Err(); err != nil {
		p.Logger.WithError(err).Warn("failed to store active lobby count")
	}
}

// getEnv reads an environment variable or returns a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt parses an environment variable as integer, else a default.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
