package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mathquest/mathquest/internal/config"
	"github.com/mathquest/mathquest/internal/control"
	"github.com/mathquest/mathquest/internal/game"
	"github.com/mathquest/mathquest/internal/gateway"
	"github.com/mathquest/mathquest/internal/questions"
	"github.com/mathquest/mathquest/internal/scoring"
	"github.com/mathquest/mathquest/internal/store"
	"github.com/mathquest/mathquest/internal/timer"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	// Shared state store
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
	}
	kv := store.NewRedisKV(redisClient)

	// Question catalogue
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	questionRepo := questions.NewPgxRepository(pool)

	timers := timer.NewService(kv, clock)
	states := game.NewStateStore(kv)

	manager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	go manager.Start(ctx)

	// Cross-instance fan-out through JetStream when configured, local-only
	// otherwise.
	var emitter gateway.Emitter
	if cfg.NATS.Enabled {
		natsCfg := gateway.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.StreamName = cfg.NATS.Stream
		natsCfg.ConsumerName = cfg.NATS.Consumer
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

		bridge, err := gateway.NewNATSBridge(manager, natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up NATS bridge")
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Start(ctx); err != nil {
				log.Error().Err(err).Msg("NATS consumer stopped")
			}
		}()
		emitter = bridge
	} else {
		emitter = &gateway.LocalEmitter{ConnectionManager: manager}
	}

	broadcaster := gateway.NewBroadcaster(emitter, clock)
	scheduler := control.NewScheduler(clock)
	coordinator := control.NewCoordinator(ctx, timers, states, questionRepo,
		broadcaster, scheduler, scoring.NoopScorer{}, clock)
	reconciler := gateway.NewReconciler(timers, states, questionRepo, clock)

	wsHandler := gateway.NewHandler(manager, broadcaster, reconciler, coordinator, states, clock)

	mux := http.NewServeMux()
	wsHandler.Register(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"connections": manager.Stats(),
		}); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: c.Handler(mux),
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
