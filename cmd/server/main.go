// cmd/server/main.go
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/nydus-gg/nydus/internal/auth"
	"github.com/nydus-gg/nydus/internal/cache"
	"github.com/nydus-gg/nydus/internal/database"
	"github.com/nydus-gg/nydus/internal/gameload"
	"github.com/nydus-gg/nydus/internal/handlers"
	"github.com/nydus-gg/nydus/internal/matchmaking"
	"github.com/nydus-gg/nydus/internal/middleware"
	"github.com/nydus-gg/nydus/internal/models"
	"github.com/nydus-gg/nydus/internal/session"
)

func main() {
	auth.Init()
	database.ConnectDB()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	var listNext session.ListPublisher
	if err := cache.ConnectRedis(); err != nil {
		logger.Warnf("redis unavailable, lobby list will not be published: %v", err)
	} else {
		listNext = &cache.ListPublisher{Logger: logger}
	}
	listHub := handlers.NewListHub(listNext, logger)

	relays := strings.Split(getEnv("RELAY_SERVERS", "localhost:14098"), ",")
	routes := gameload.NewStaticRouteCreator(relays)
	loads := gameload.NewLoads()
	mapPool := loadMapPool(logger)

	// Lobby launches skip map selection (the host already picked a map)
	// and the lobby runs its own visible countdown, so that coordinator
	// gets no selection grace or countdown of its own.
	lobbyLoader := gameload.NewCoordinator(logger, routes, loads, mapPool, gameload.Config{
		LoadTimeout: 60 * time.Second,
	})
	matchLoader := gameload.NewCoordinator(logger, routes, loads, mapPool, gameload.DefaultConfig())

	lobbies := session.NewStore(logger, listHub, lobbyLoader)

	mmHub := handlers.NewMatchmakingHub(logger)
	mm := matchmaking.NewService(logger, matchLoader, mmHub, 5*time.Second)

	srv := &handlers.Server{
		Logger:      logger,
		Lobbies:     lobbies,
		Matchmaking: mm,
		Loads:       loads,
	}

	mux := http.NewServeMux()

	// user endpoints
	mux.HandleFunc("/user/create", handlers.CreateUserHandler)
	mux.HandleFunc("/user/login", handlers.LoginHandler)
	mux.HandleFunc("/user/me", handlers.MeHandler)
	mux.HandleFunc("/user/claim", handlers.ClaimEphemeralHandler)

	// lobby endpoints
	mux.Handle("/lobbies/create", middleware.LogMiddleware(logger)(http.HandlerFunc(
		srv.CreateLobbyHandler,
	)))
	mux.Handle("/lobbies/list", middleware.LogMiddleware(logger)(http.HandlerFunc(
		srv.ListLobbiesHandler,
	)))
	mux.Handle("/lobbies/state", middleware.LogMiddleware(logger)(http.HandlerFunc(
		srv.LobbyStateHandler,
	)))

	// websockets
	mux.Handle("/lobbies/ws/", middleware.LogMiddleware(logger)(
		srv.LobbyWSHandler(),
	))
	mux.Handle("/lobbies/watch", middleware.LogMiddleware(logger)(
		srv.ListWSHandler(listHub),
	))
	mux.Handle("/matchmaking/ws", middleware.LogMiddleware(logger)(
		srv.MatchmakingWSHandler(mmHub),
	))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// loadMapPool reads the ladder map pool from MAP_POOL_FILE, falling back
// to a built-in pool. Map IDs are derived from the name so preference
// lists stay valid across restarts.
func loadMapPool(logger *logrus.Logger) []*models.MapInfo {
	if path := os.Getenv("MAP_POOL_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("failed to read map pool file %s: %v", path, err)
		}
		var pool []*models.MapInfo
		if err := json.Unmarshal(data, &pool); err != nil {
			log.Fatalf("failed to parse map pool file %s: %v", path, err)
		}
		logger.Infof("Loaded %d maps from %s", len(pool), path)
		return pool
	}

	names := []string{
		"Lost Temple",
		"Fighting Spirit",
		"Python",
		"Circuit Breaker",
		"Destination",
		"Tau Cross",
	}
	pool := make([]*models.MapInfo, 0, len(names))
	for _, name := range names {
		pool = append(pool, &models.MapInfo{
			ID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
			Name: name,
		})
	}
	return pool
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
