package main

import (
	"MarginEngine/internal/brokers/nats"
	"MarginEngine/internal/config"
	"MarginEngine/internal/feed"
	"MarginEngine/internal/history"
	"MarginEngine/internal/ledger"
	"MarginEngine/internal/margin"
	"MarginEngine/internal/monitor"
	"MarginEngine/internal/settings"
	"MarginEngine/internal/storage/postgres"
	"MarginEngine/internal/storage/redis"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	natsio "github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

func main() {
	cfg := config.MustLoad()
	log := setupLogger(cfg.Env)

	log.Info("starting liquidation monitor", slog.String("env", cfg.Env))

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

	calc := margin.New(decimal.RequireFromString(cfg.EngineCfg.MaintenanceMarginRate))
	feeRate := decimal.RequireFromString(cfg.EngineCfg.FeeRate)

	settingsService := settings.New(log, storage)
	recorder := history.New(log, storage, publisher)
	engine := ledger.New(log, storage, settingsService, redisClient, recorder, calc, feeRate)

	workers := cfg.EngineCfg.MonitorWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	mon := monitor.New(log, engine, calc, redisClient, workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Events first, then the query: a position opened in between shows up in
	// one of the two, never in neither.
	eventSub, err := mon.SubscribePositionEvents(nc)
	if err != nil {
		log.Error("failed to subscribe to position events", "error", err)
		os.Exit(1)
	}
	defer eventSub.Unsubscribe()

	open, err := engine.AllOpenPositions(ctx)
	if err != nil {
		log.Error("failed to bootstrap position index", "error", err)
		os.Exit(1)
	}
	mon.Index().Bootstrap(open)
	log.Info("position index bootstrapped", "open_positions", len(open))

	consumer := feed.NewConsumer(log)
	tickSub, err := consumer.Subscribe(nc, mon.Submit)
	if err != nil {
		log.Error("failed to subscribe to price stream", "error", err)
		os.Exit(1)
	}
	defer tickSub.Unsubscribe()

	log.Info("liquidation monitor running", "workers", workers)
	if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("monitor failed", "error", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func setupLogger(env string) *slog.Logger {
	level := slog.LevelDebug
	if env == "prod" {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
