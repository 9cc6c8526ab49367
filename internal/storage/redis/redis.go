package redis

import (
	"MarginEngine/internal/config"
	"MarginEngine/internal/domain/models"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const pricePrefix = "engine:mark_price"

// priceTTL bounds how stale a cached mark may be before reads fail instead
// of pricing against a dead feed.
const priceTTL = 10 * time.Minute

type Redis struct {
	client *redis.Client
}

func New(cfg config.RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Db,
	})
	return &Redis{client: client}
}

// SaveTicks caches the latest normalized ticks, one key per symbol.
func (s *Redis) SaveTicks(ctx context.Context, ticks []models.PriceTick) error {
	const op = "redis.SaveTicks"
	pipe := s.client.Pipeline()
	for _, tick := range ticks {
		key := fmt.Sprintf("%s:%s", pricePrefix, tick.Symbol)
		value, err := json.Marshal(tick)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		pipe.Set(ctx, key, value, priceTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("failed to save ticks", "op", op, "err", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Price returns the last cached mark price for a symbol.
func (s *Redis) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	const op = "redis.Price"
	data, err := s.client.Get(ctx, pricePrefix+":"+symbol).Result()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	var tick models.PriceTick
	if err := json.Unmarshal([]byte(data), &tick); err != nil {
		slog.Error("failed to unmarshal tick", "op", op, "symbol", symbol, "err", err)
		return decimal.Zero, fmt.Errorf("%s: %w", op, err)
	}
	return tick.Price, nil
}

// Tick returns the full cached tick, timestamp included.
func (s *Redis) Tick(ctx context.Context, symbol string) (models.PriceTick, error) {
	const op = "redis.Tick"
	data, err := s.client.Get(ctx, pricePrefix+":"+symbol).Result()
	if err != nil {
		return models.PriceTick{}, fmt.Errorf("%s: %w", op, err)
	}
	var tick models.PriceTick
	if err := json.Unmarshal([]byte(data), &tick); err != nil {
		return models.PriceTick{}, fmt.Errorf("%s: %w", op, err)
	}
	return tick, nil
}
