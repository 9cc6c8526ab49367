package feed

import (
	"MarginEngine/internal/domain/models"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const priceSubjectPrefix = "prices."

type Source interface {
	Fetch(ctx context.Context) ([]models.PriceResponse, error)
}

type Cache interface {
	SaveTicks(ctx context.Context, ticks []models.PriceTick) error
}

type Broker interface {
	Publish(ctx context.Context, subject string, msg any) error
}

// Adapter normalizes the oracle's raw payloads into canonical PriceTicks,
// caches the latest per-symbol mark and publishes each tick on the price
// stream.
type Adapter struct {
	log      *slog.Logger
	source   Source
	cache    Cache
	broker   Broker
	interval time.Duration
}

func NewAdapter(log *slog.Logger, source Source, cache Cache, broker Broker, interval time.Duration) *Adapter {
	return &Adapter{
		log:      log,
		source:   source,
		cache:    cache,
		broker:   broker,
		interval: interval,
	}
}

// Run polls the source until ctx is cancelled. A failed poll is logged and
// skipped; the loop never dies on a transient oracle error.
func (a *Adapter) Run(ctx context.Context) error {
	const op = "feed.Adapter.Run"
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			prices, err := a.source.Fetch(ctx)
			if err != nil {
				a.log.Error("price poll failed", "op", op, "err", err)
				continue
			}
			ticks := Normalize(a.log, prices, time.Now())
			if len(ticks) == 0 {
				continue
			}
			if err := a.cache.SaveTicks(ctx, ticks); err != nil {
				a.log.Error("failed to cache ticks", "op", op, "err", err)
			}
			for _, tick := range ticks {
				subject := priceSubjectPrefix + tick.Symbol
				if err := a.broker.Publish(ctx, subject, tick); err != nil {
					a.log.Error("failed to publish tick", "op", op, "subject", subject, "err", err)
				}
			}
		}
	}
}

// Normalize converts raw payloads to ticks, dropping entries whose price does
// not parse.
func Normalize(log *slog.Logger, prices []models.PriceResponse, now time.Time) []models.PriceTick {
	ticks := make([]models.PriceTick, 0, len(prices))
	for _, pr := range prices {
		price, err := decimal.NewFromString(pr.Price)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			log.Error("dropping unparsable price", "symbol", pr.Symbol, "price", pr.Price)
			continue
		}
		ticks = append(ticks, models.PriceTick{
			Symbol:    pr.Symbol,
			Price:     price,
			Timestamp: now,
		})
	}
	return ticks
}

// Consumer decodes price-stream messages and filters duplicates and
// out-of-order ticks: anything at or before the last processed timestamp for
// its symbol is dropped. The oracle is at-least-once, so this is the one
// place staleness is decided.
type Consumer struct {
	log      *slog.Logger
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewConsumer(log *slog.Logger) *Consumer {
	return &Consumer{
		log:      log,
		lastSeen: make(map[string]time.Time),
	}
}

// Accept reports whether the tick advances its symbol's clock, and records it
// if so.
func (c *Consumer) Accept(tick models.PriceTick) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastSeen[tick.Symbol]
	if ok && !tick.Timestamp.After(last) {
		return false
	}
	c.lastSeen[tick.Symbol] = tick.Timestamp
	return true
}

// Subscribe attaches to the price stream and forwards accepted ticks to
// handle.
func (c *Consumer) Subscribe(nc *nats.Conn, handle func(models.PriceTick)) (*nats.Subscription, error) {
	const op = "feed.Consumer.Subscribe"
	sub, err := nc.Subscribe(priceSubjectPrefix+"*", func(msg *nats.Msg) {
		var tick models.PriceTick
		if err := json.Unmarshal(msg.Data, &tick); err != nil {
			c.log.Error("invalid tick payload", "op", op, "err", err)
			return
		}
		if !c.Accept(tick) {
			c.log.Debug("stale tick dropped", "symbol", tick.Symbol, "ts", tick.Timestamp)
			return
		}
		handle(tick)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}
