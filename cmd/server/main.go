package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/provider-matching/internal/auth"
	"github.com/example/provider-matching/internal/config"
	"github.com/example/provider-matching/internal/directory"
	"github.com/example/provider-matching/internal/gateway"
	"github.com/example/provider-matching/internal/ingest"
	"github.com/example/provider-matching/internal/locations"
	"github.com/example/provider-matching/internal/logging"
	"github.com/example/provider-matching/internal/matching"
	"github.com/example/provider-matching/internal/pairing"
	"github.com/example/provider-matching/internal/payments"
	"github.com/example/provider-matching/internal/presence"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var dir directory.Directory
	if cfg.PGDSN != "" {
		pg, err := directory.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres directory unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		dir = pg
	} else {
		logger.Warn("PG_DSN not set, using empty in-memory directory")
		dir = directory.NewMemory()
	}

	var store locations.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		store = locations.NewRedisStore(client, cfg.RedisGeoKey, cfg.StalenessWindow, dir)
	} else {
		store = locations.NewMemoryStore(cfg.StalenessWindow, dir)
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaBookingTopic)
		defer producer.Close()
	}

	var pay payments.Client
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	registry := presence.NewRegistry()
	sessions := pairing.NewManager(registry, logging.Component(logger, "pairing"))
	engine := &matching.Engine{Locations: store, Ratings: dir, RadiusKm: cfg.MatchRadiusKm}

	gw := gateway.New(
		logging.Component(logger, "gateway"),
		auth.NewJWTVerifier(cfg.JWTSecret),
		registry,
		store,
		engine,
		sessions,
		dir,
		producer,
		pay,
		gateway.Options{
			AvgSpeedKmh:   cfg.AvgSpeedKmh,
			RatePerKm:     cfg.RatePerKm,
			ServiceFeePct: cfg.ServiceFeePct,
			Currency:      cfg.Currency,
		},
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      gw,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
