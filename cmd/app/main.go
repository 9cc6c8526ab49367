package main

import (
	"MarginEngine/internal/brokers/nats"
	"MarginEngine/internal/config"
	"MarginEngine/internal/feed"
	"MarginEngine/internal/history"
	"MarginEngine/internal/ledger"
	"MarginEngine/internal/margin"
	"MarginEngine/internal/settings"
	"MarginEngine/internal/storage/postgres"
	"MarginEngine/internal/storage/redis"
	handler "MarginEngine/transport"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	natsio "github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	log.Info("starting margin engine api",
		slog.String("env", cfg.Env),
		slog.String("address", cfg.HTTPServer.Address),
	)

	storage, err := postgres.New(cfg.PostgresCfg.ConnString())
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	redisClient := redis.New(cfg.RedisCfg)

	nc, err := natsio.Connect(cfg.NatsCfg.URL)
	if err != nil {
		log.Error("failed to connect to nats", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	log.Info("connected to nats broker", "url", cfg.NatsCfg.URL)

	publisher, err := nats.New(nc, log)
	if err != nil {
		log.Error("failed to init publisher", "error", err)
		os.Exit(1)
	}
	if err := publisher.EnsureStream(nats.PriceStream, nats.PriceSubjects); err != nil {
		log.Error("failed to ensure price stream", "error", err)
		os.Exit(1)
	}
	if err := publisher.EnsureStream(nats.EngineStream, nats.EngineSubjects); err != nil {
		log.Error("failed to ensure engine stream", "error", err)
		os.Exit(1)
	}

	calc := margin.New(decimal.RequireFromString(cfg.EngineCfg.MaintenanceMarginRate))
	feeRate := decimal.RequireFromString(cfg.EngineCfg.FeeRate)

	settingsService := settings.New(log, storage)
	recorder := history.New(log, storage, publisher)
	engine := ledger.New(log, storage, settingsService, redisClient, recorder, calc, feeRate)

	source := feed.NewBinanceSource(cfg.OracleCfg, log)
	adapter := feed.NewAdapter(log, source, redisClient, publisher, cfg.OracleCfg.PollInterval)

	validate := validator.New()
	positionHandler := handler.NewPositionHandler(log, engine, validate)
	historyHandler := handler.NewHistoryHandler(log, recorder)
	walletHandler := handler.NewWalletHandler(log, storage, settingsService, validate)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	positionHandler.Register(router)
	historyHandler.Register(router)
	walletHandler.Register(router)

	server := &http.Server{
		Addr:        cfg.HTTPServer.Address,
		Handler:     router,
		IdleTimeout: cfg.HTTPServer.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := adapter.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		log.Info("http server listening", "address", cfg.HTTPServer.Address)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envProd:
		return slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	case envLocal, envDev:
		fallthrough
	default:
		return slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
