package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatmeter/internal/config"
	"chatmeter/internal/httpapi"
	"chatmeter/internal/identity"
	"chatmeter/internal/ledger"
	"chatmeter/internal/metrics"
	"chatmeter/internal/provider/openai"
	"chatmeter/internal/ratelimit"
	"chatmeter/internal/relay"
	"chatmeter/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("model", cfg.Provider.DefaultModel).
		Int64("initial_credits", cfg.Credits.InitialGrant).
		Msg("starting chatmeter gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	m := metrics.Global()

	var limiter *ratelimit.Limiter
	if cfg.Rate.PerHour > 0 {
		if cfg.Redis.Addr == "" {
			log.Fatal().Msg("RATE_LIMIT_PER_HOUR requires REDIS_ADDR")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		limiter = ratelimit.New(rdb, cfg.Rate.PerHour)
		log.Info().Int64("per_hour", cfg.Rate.PerHour).Msg("rate limiter enabled")
	}

	led := ledger.New(ledger.Config{
		Store:       store,
		CostPerSend: cfg.Credits.CostPerSend,
		MaxRetries:  3,
		Logger:      log.Logger,
		Metrics:     m,
	})

	resolver := identity.NewFingerprintResolver(identity.Config{
		Store:        store,
		Ledger:       led,
		Secret:       []byte(cfg.Identity.Secret),
		InitialGrant: cfg.Credits.InitialGrant,
		Logger:       log.Logger,
		Metrics:      m,
	})

	// No overall timeout on the provider client: completion streams are
	// long-lived and cancelled through request contexts instead.
	completions := openai.New(openai.Config{
		BaseURL:     cfg.Provider.BaseURL,
		APIKey:      cfg.Provider.APIKey,
		HTTPClient:  &http.Client{Timeout: cfg.Provider.Timeout},
		MaxRetries:  cfg.Provider.MaxRetries,
		BackoffBase: cfg.Provider.BackoffBase,
	})

	coordinator := relay.New(relay.Config{
		Store:        store,
		Ledger:       led,
		Provider:     completions,
		DefaultModel: cfg.Provider.DefaultModel,
		HistoryLimit: uint64(cfg.Credits.HistoryLimit),
		Logger:       log.Logger,
		Metrics:      m,
	})

	api := httpapi.New(httpapi.Config{
		Resolver:    resolver,
		Coordinator: coordinator,
		Limiter:     limiter,
		Logger:      log.Logger,
		Metrics:     m,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	api.Register(mux)

	// No WriteTimeout: event streams stay open as long as the provider talks.
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
