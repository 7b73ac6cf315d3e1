package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/config"
	"github.com/scoresync/backend/internal/gateway"
	"github.com/scoresync/backend/internal/role"
	"github.com/scoresync/backend/internal/session"
	"github.com/scoresync/backend/internal/ticker"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	clock := clockwork.NewRealClock()

	// Session storage: redis primary with in-memory failover. A missing
	// redis at boot means we start degraded rather than refusing to serve.
	primary := connectRedis(cfg)
	sessions := session.NewManager(clock, primary, cfg.IdleTimeout())

	// Gateway wiring: the connection manager is both the socket owner and
	// the Sender that role events and position ticks fan out through.
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	roles := role.NewManager(clock, sessions, gateway.NewRoleEvents(cm))
	ticks := ticker.NewLoop(clock, sessions, gateway.NewTickBroadcaster(cm), cfg.TickInterval())
	handler := gateway.NewHandler(clock, sessions, roles, ticks, cm)
	wsHandler := gateway.NewWebSocketHandler(cm, handler, sessions)

	mux := http.NewServeMux()
	wsHandler.RegisterRoutes(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.Origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      corsHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go cm.Start(ctx)
	go runCleanup(ctx, sessions, cfg.CleanupInterval())

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	ticks.StopAll()
	cancel()

	log.Info().Msg("server shutdown complete")
}

// connectRedis returns the redis-backed store, or nil when redis is
// unreachable so the session manager starts on the memory fallback.
func connectRedis(cfg *config.Config) session.Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, starting on memory store")
		return nil
	}

	store, err := session.NewRedisStore(client, cfg.Redis.KeyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("redis store setup failed, starting on memory store")
		return nil
	}

	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	return store
}

// runCleanup sweeps expired sessions until ctx is cancelled.
func runCleanup(ctx context.Context, sessions *session.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sessions.CleanupExpiredSessions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("session cleanup failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("expired sessions cleaned up")
			}
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
