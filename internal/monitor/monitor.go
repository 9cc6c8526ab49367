package monitor

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/margin"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine is the slice of the position ledger the monitor drives. Both calls
// race user mutations on the version CAS; a conflict means the risk
// condition was resolved by someone else.
type Engine interface {
	Liquidate(ctx context.Context, id uuid.UUID, expectedVersion int64, markPrice decimal.Decimal, typ models.LiquidationType) (models.LiquidationRecord, error)
	Close(ctx context.Context, id uuid.UUID, expectedVersion int64, closePrice decimal.Decimal, reason models.CloseReason) (models.Position, error)
}

// PriceProvider supplies marks for pairs the monitor has not seen a tick for
// yet, which cross aggregation needs.
type PriceProvider interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Monitor consumes price ticks and hunts for positions past their
// maintenance threshold or their stop-loss/take-profit triggers. Evaluation
// fans out over a bounded worker pool so a crash tick touching many pairs
// cannot spawn unbounded goroutines.
type Monitor struct {
	log     *slog.Logger
	engine  Engine
	calc    *margin.Calculator
	index   *Index
	prices  PriceProvider
	workers int

	ticks chan models.PriceTick
	done  chan struct{}

	marksMu sync.RWMutex
	marks   map[string]decimal.Decimal
}

func New(log *slog.Logger, engine Engine, calc *margin.Calculator, prices PriceProvider, workers int) *Monitor {
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		log:     log,
		engine:  engine,
		calc:    calc,
		index:   NewIndex(),
		prices:  prices,
		workers: workers,
		ticks:   make(chan models.PriceTick, 1024),
		done:    make(chan struct{}),
		marks:   make(map[string]decimal.Decimal),
	}
}

func (m *Monitor) Index() *Index {
	return m.index
}

// Submit queues a tick for evaluation. After Run has returned the tick is
// dropped instead of blocking the delivery callback on a full buffer.
func (m *Monitor) Submit(tick models.PriceTick) {
	select {
	case m.ticks <- tick:
	case <-m.done:
	}
}

// Run evaluates ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case tick := <-m.ticks:
					m.HandleTick(ctx, tick)
				}
			}
		}()
	}
	wg.Wait()
	close(m.done)
	return ctx.Err()
}

// HandleTick runs one full evaluation pass for a tick. Liquidation checks run
// before stop-loss/take-profit checks: a position below maintenance margin
// must not exit through a stale limit trigger.
func (m *Monitor) HandleTick(ctx context.Context, tick models.PriceTick) {
	m.rememberMark(tick.Symbol, tick.Price)

	resolved := make(map[uuid.UUID]struct{})
	m.sweepIsolated(ctx, tick, resolved)
	m.sweepCross(ctx, tick, resolved)
	m.sweepTriggers(ctx, tick, resolved)
}

func (m *Monitor) sweepIsolated(ctx context.Context, tick models.PriceTick, resolved map[uuid.UUID]struct{}) {
	const op = "monitor.sweepIsolated"
	for _, p := range m.index.IsolatedByPair(tick.Symbol) {
		if m.index.IsQuarantined(p.Id) {
			continue
		}
		ratio, err := m.calc.MarginRatio(p, tick.Price)
		if errors.Is(err, margin.ErrInvalidSnapshot) {
			// Upstream invariant violation; refuse to evaluate it again
			// rather than propagate a nonsensical liquidation price.
			m.log.Error("invalid snapshot on open position", "op", op, "position_id", p.Id)
			m.index.Quarantine(p.Id)
			continue
		}
		if err != nil {
			m.log.Error("margin ratio failed", "op", op, "position_id", p.Id, "err", err)
			continue
		}
		if !m.calc.Liquidatable(ratio) {
			continue
		}
		m.liquidate(ctx, p, tick.Price, resolved)
	}
}

func (m *Monitor) sweepCross(ctx context.Context, tick models.PriceTick, resolved map[uuid.UUID]struct{}) {
	const op = "monitor.sweepCross"
	for _, owner := range m.index.CrossOwnersByPair(tick.Symbol) {
		group := m.index.CrossByOwner(owner)
		marked := make([]margin.MarkedPosition, 0, len(group))
		complete := true
		for _, p := range group {
			mark, ok := m.markFor(ctx, p.Pair, tick)
			if !ok {
				m.log.Error("no mark for cross sibling", "op", op, "owner_id", owner, "pair", p.Pair)
				complete = false
				break
			}
			marked = append(marked, margin.MarkedPosition{Position: p, Mark: mark})
		}
		if !complete {
			continue
		}
		ratio, err := m.calc.CrossMarginRatio(marked)
		if errors.Is(err, margin.ErrInvalidSnapshot) {
			m.log.Error("invalid snapshot in cross group", "op", op, "owner_id", owner)
			for _, p := range group {
				m.index.Quarantine(p.Id)
			}
			continue
		}
		if err != nil {
			m.log.Error("cross margin ratio failed", "op", op, "owner_id", owner, "err", err)
			continue
		}
		if !m.calc.Liquidatable(ratio) {
			continue
		}
		// All-at-once: the whole cross set goes when the aggregate breaches.
		for _, mp := range marked {
			m.liquidate(ctx, mp.Position, mp.Mark, resolved)
		}
	}
}

func (m *Monitor) sweepTriggers(ctx context.Context, tick models.PriceTick, resolved map[uuid.UUID]struct{}) {
	const op = "monitor.sweepTriggers"
	for _, p := range m.index.OpenByPair(tick.Symbol) {
		if _, done := resolved[p.Id]; done {
			continue
		}
		if m.index.IsQuarantined(p.Id) {
			continue
		}
		if !triggerCrossed(p, tick.Price) {
			continue
		}
		_, err := m.engine.Close(ctx, p.Id, p.Version, tick.Price, models.ReasonTrigger)
		if errors.Is(err, models.ErrPositionNotOpen) {
			// Terminal already; the index entry is stale.
			m.log.Debug("trigger already resolved elsewhere", "op", op, "position_id", p.Id)
			m.index.Remove(p.Id)
			resolved[p.Id] = struct{}{}
			continue
		}
		if errors.Is(err, models.ErrVersionConflict) {
			m.log.Debug("trigger already resolved elsewhere", "op", op, "position_id", p.Id)
			continue
		}
		if err != nil {
			m.log.Error("trigger close failed", "op", op, "position_id", p.Id, "err", err)
			continue
		}
		m.index.Remove(p.Id)
		resolved[p.Id] = struct{}{}
		m.log.Info("trigger fired", "position_id", p.Id, "price", tick.Price)
	}
}

func (m *Monitor) liquidate(ctx context.Context, p models.Position, mark decimal.Decimal, resolved map[uuid.UUID]struct{}) {
	const op = "monitor.liquidate"
	if _, done := resolved[p.Id]; done {
		return
	}
	rec, err := m.engine.Liquidate(ctx, p.Id, p.Version, mark, models.LiquidationAuto)
	if errors.Is(err, models.ErrVersionConflict) {
		// Another mutation already resolved the position; the risk
		// condition is moot. No retry.
		m.log.Debug("liquidation already resolved elsewhere", "op", op, "position_id", p.Id)
		resolved[p.Id] = struct{}{}
		return
	}
	if err != nil {
		m.log.Error("liquidation failed", "op", op, "position_id", p.Id, "err", err)
		return
	}
	m.index.Remove(p.Id)
	resolved[p.Id] = struct{}{}
	m.log.Info("position liquidated", "position_id", p.Id,
		"loss", rec.Loss, "remaining", rec.RemainingCollateral)
}

func (m *Monitor) rememberMark(symbol string, price decimal.Decimal) {
	m.marksMu.Lock()
	m.marks[symbol] = price
	m.marksMu.Unlock()
}

// markFor resolves the mark for a pair: the current tick, then the last tick
// seen in-process, then the shared price cache.
func (m *Monitor) markFor(ctx context.Context, pair string, tick models.PriceTick) (decimal.Decimal, bool) {
	if pair == tick.Symbol {
		return tick.Price, true
	}
	m.marksMu.RLock()
	mark, ok := m.marks[pair]
	m.marksMu.RUnlock()
	if ok {
		return mark, true
	}
	mark, err := m.prices.Price(ctx, pair)
	if err != nil {
		return decimal.Zero, false
	}
	m.rememberMark(pair, mark)
	return mark, true
}

func triggerCrossed(p models.Position, price decimal.Decimal) bool {
	if p.StopLoss != nil {
		if p.Side == models.Long && price.LessThanOrEqual(*p.StopLoss) {
			return true
		}
		if p.Side == models.Short && price.GreaterThanOrEqual(*p.StopLoss) {
			return true
		}
	}
	if p.TakeProfit != nil {
		if p.Side == models.Long && price.GreaterThanOrEqual(*p.TakeProfit) {
			return true
		}
		if p.Side == models.Short && price.LessThanOrEqual(*p.TakeProfit) {
			return true
		}
	}
	return false
}
