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
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mdev84/pointing/internal/appconfig"
	"github.com/mdev84/pointing/internal/gateway"
	"github.com/mdev84/pointing/internal/poker"
	"github.com/mdev84/pointing/internal/poker/store"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := appconfig.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionStore, closeStore, err := setupStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up session store")
	}
	defer closeStore()

	coordinator := poker.NewCoordinator(sessionStore, clockwork.NewRealClock())
	connectionManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), coordinator)
	wsHandler := gateway.NewWebSocketHandler(connectionManager)

	log.Info().
		Str("port", cfg.Port).
		Str("store_backend", cfg.Store.Backend).
		Msg("starting planning poker server")

	server := setupServer(cfg.Port, wsHandler, coordinator, connectionManager)

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
	cancel()

	log.Info().Msg("planning poker server shutdown complete")
}

func setupServer(port string, wsHandler *gateway.WebSocketHandler, coordinator *poker.Coordinator, cm *gateway.ConnectionManager) *http.Server {
	mux := http.NewServeMux()

	wsHandler.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"pointing","sessions":%d,"connections":%d}`,
			coordinator.SessionCount(), cm.ConnectionCount())
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(mux)

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func setupStore(ctx context.Context, cfg appconfig.Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case appconfig.BackendMemory:
		return store.NewMemoryStore(), func() {}, nil

	case appconfig.BackendNATS:
		natsCfg := store.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Bucket = cfg.NATS.Bucket
		s, err := store.NewNATSStore(ctx, natsCfg)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case appconfig.BackendPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
