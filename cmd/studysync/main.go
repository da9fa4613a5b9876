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

	"github.com/rebel47/StudySync/internal/config"
	"github.com/rebel47/StudySync/internal/gateway"
	"github.com/rebel47/StudySync/internal/room"
	"github.com/rebel47/StudySync/internal/stats"
	"github.com/rebel47/StudySync/internal/transport/memory"
	"github.com/rebel47/StudySync/internal/transport/natskv"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.FromEnv()
	if path := os.Getenv("STUDYSYNC_CONFIG"); path != "" {
		if err := cfg.LoadProtocolFile(path); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to load config file")
		}
	}

	clock := clockwork.NewRealClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr, cleanup, err := setupTransport(ctx, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up transport")
	}
	defer cleanup()

	var store *stats.Store
	if cfg.StatsPath != "" {
		store, err = stats.Open(cfg.StatsPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.StatsPath).Msg("failed to open stats store")
		}
	}

	log.Info().
		Str("transport", cfg.Transport).
		Str("port", cfg.Port).
		Msg("starting studysync node")

	gatewayCfg := gateway.Config{
		Connection: gateway.DefaultConnectionConfig(),
		Session:    cfg.SessionConfig(),
	}
	service := gateway.NewService(gatewayCfg, tr, clock, store)

	server := setupServer(cfg, service)

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
	time.Sleep(1 * time.Second)

	log.Info().Msg("studysync node shutdown complete")
}

func setupTransport(ctx context.Context, cfg config.Config, clock clockwork.Clock) (room.Transport, func(), error) {
	switch cfg.Transport {
	case "memory":
		bus := memory.NewBus(clock)
		go sweepLoop(ctx, bus, clock)
		return bus, func() {}, nil
	case "nats":
		natsCfg := natskv.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		tr, err := natskv.New(ctx, natsCfg, clock)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// sweepLoop destroys expired rooms on the in-process bus. The NATS
// transport relies on bucket TTL instead.
func sweepLoop(ctx context.Context, bus *memory.Bus, clock clockwork.Clock) {
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := bus.Sweep(); n > 0 {
				log.Info().Int("rooms", n).Msg("swept expired rooms")
			}
		}
	}
}

func setupServer(cfg config.Config, service *gateway.Service) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	service.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		total, _ := service.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"studysync","transport":%q,"connections":%d}`,
			cfg.Transport, total)
	})

	handler := c.Handler(mux)

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}
