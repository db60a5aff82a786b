package main

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"encoding/hex"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ludogames/bingohall/internal/auth"
	"github.com/ludogames/bingohall/internal/config"
	"github.com/ludogames/bingohall/internal/engine"
	"github.com/ludogames/bingohall/internal/gateway"
	"github.com/ludogames/bingohall/internal/guard"
	"github.com/ludogames/bingohall/internal/presence"
	"github.com/ludogames/bingohall/internal/store"
	"github.com/ludogames/bingohall/internal/timer"
	"github.com/ludogames/bingohall/internal/winners"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg)

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// State backends: one process or a shared JetStream key-value store.
	var (
		roundStore store.RoundStore
		cmdGuard   guard.Guard
		tracker    presence.Tracker
		nc         *nats.Conn
	)
	guardTTL := time.Duration(cfg.Guard.TTLSeconds) * time.Second
	switch cfg.Store.Backend {
	case "nats":
		nc, err = nats.Connect(cfg.Store.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.Store.NATSURL).Msg("failed to connect to NATS")
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create JetStream context")
		}
		if roundStore, err = store.NewKVRoundStore(ctx, js, clock); err != nil {
			log.Fatal().Err(err).Msg("failed to create round store")
		}
		if cmdGuard, err = guard.NewKVGuard(ctx, js, guardTTL, clock); err != nil {
			log.Fatal().Err(err).Msg("failed to create command guard")
		}
		if tracker, err = presence.NewKVTracker(ctx, js, clock); err != nil {
			log.Fatal().Err(err).Msg("failed to create presence tracker")
		}
	default:
		roundStore = store.NewMemoryRoundStore(clock)
		cmdGuard = guard.NewMemoryGuard(guardTTL, clock)
		tracker = presence.NewMemoryTracker(clock)
	}

	// Winner history: in-memory ring, or Postgres when a database is
	// configured.
	var recorder winners.Recorder = winners.NewMemoryRecorder(cfg.Winners.Recent)
	if cfg.Database.Enabled {
		db, err := sql.Open("postgres", cfg.DatabaseDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		recorder = winners.NewRepository(db)
		log.Info().Str("database", cfg.Database.Name).Msg("winner history persisted to Postgres")
	}

	secret := cfg.Auth.HMACSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("AUTH_HMAC_SECRET not set, using a generated secret; tokens will not survive a restart")
	}
	verifier := auth.NewHMACVerifier([]byte(secret))

	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	// Without a relay, each instance only reaches its own sockets.
	var events engine.Broadcaster = connManager
	var relay *gateway.Relay
	if cfg.Store.Relay && nc != nil {
		relay, err = gateway.NewRelay(nc, connManager, uuid.New().String()[:8])
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start event relay")
		}
		defer relay.Close()
		events = relay
	}

	eng := engine.New(engineConfig(cfg), engine.Deps{
		Verifier: verifier,
		Store:    roundStore,
		Guard:    cmdGuard,
		Presence: tracker,
		Timers:   timer.New(clock),
		Events:   events,
		Winners:  recorder,
		Clock:    clock,
		Rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	})
	connManager.SetEngine(eng)

	go connManager.Start(ctx)
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start round engine")
	}

	server := setupServer(cfg, connManager)
	go func() {
		log.Info().Str("addr", server.Addr).Str("backend", cfg.Store.Backend).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	eng.Stop(shutdownCtx)
	cancel()

	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		CountdownSeconds:  cfg.Round.CountdownSeconds,
		CallInterval:      time.Duration(cfg.Round.CallIntervalMs) * time.Millisecond,
		MaxCallsPerRound:  cfg.Round.MaxCallsPerRound,
		GraceDelay:        time.Duration(cfg.Round.GraceDelaySeconds) * time.Second,
		PoolSize:          cfg.Round.PoolSize,
		MaxPlayers:        cfg.Round.MaxPlayers,
		MaxCardsPerPlayer: cfg.Round.MaxCardsPerPlayer,
		RateWindow:        time.Duration(cfg.Guard.RateWindowMs) * time.Millisecond,
		RateMax:           cfg.Guard.RateMax,
		PresenceTTL:       time.Duration(cfg.Presence.TTLSeconds) * time.Second,
		RecentWinners:     cfg.Winners.Recent,
	}
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := crand.Read(buf); err != nil {
		log.Fatal().Err(err).Msg("failed to generate secret")
	}
	return hex.EncodeToString(buf)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
