package ledger

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/margin"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable position table. Mutating calls are transactional: the
// version compare-and-swap, the wallet movement and (for liquidations) the
// record append commit together or not at all. A failed CAS surfaces as
// models.ErrVersionConflict.
type Store interface {
	InsertPosition(ctx context.Context, p models.Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (models.Position, error)
	OwnerPositions(ctx context.Context, ownerId int64) ([]models.Position, error)
	OpenPositionsByPair(ctx context.Context, pair string) ([]models.Position, error)
	OpenCrossPositions(ctx context.Context, ownerId int64) ([]models.Position, error)
	AllOpenPositions(ctx context.Context) ([]models.Position, error)
	UpdatePosition(ctx context.Context, p models.Position, expectedVersion int64, collateralDelta decimal.Decimal) error
	ClosePosition(ctx context.Context, p models.Position, expectedVersion int64, release decimal.Decimal) error
	LiquidatePosition(ctx context.Context, p models.Position, expectedVersion int64, release decimal.Decimal, rec models.LiquidationRecord) error
	PairId(ctx context.Context, pair string) (int64, error)
}

// SettingsProvider reads the per-owner leverage guardrails.
type SettingsProvider interface {
	LeverageSetting(ctx context.Context, ownerId int64) (models.LeverageSetting, error)
}

// PriceProvider returns the last cached mark price for a symbol.
type PriceProvider interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Events receives post-commit notifications. Publish failures are logged and
// never fail the mutation that produced them.
type Events interface {
	PositionOpened(ctx context.Context, p models.Position)
	PositionUpdated(ctx context.Context, p models.Position)
	PositionClosed(ctx context.Context, p models.Position)
	PositionLiquidated(ctx context.Context, rec models.LiquidationRecord)
}

// Ledger is the single source of truth for positions. All mutations run under
// the coordinator's per-position lock (cross mode additionally under the
// owner-group lock) and carry an expected version, so exactly one concurrent
// mutation wins per logical event.
type Ledger struct {
	log      *slog.Logger
	store    Store
	settings SettingsProvider
	prices   PriceProvider
	events   Events
	calc     *margin.Calculator
	coord    *Coordinator
	feeRate  decimal.Decimal
}

func New(log *slog.Logger,
	store Store,
	settings SettingsProvider,
	prices PriceProvider,
	events Events,
	calc *margin.Calculator,
	feeRate decimal.Decimal) *Ledger {
	return &Ledger{
		log:      log,
		store:    store,
		settings: settings,
		prices:   prices,
		events:   events,
		calc:     calc,
		coord:    NewCoordinator(),
		feeRate:  feeRate,
	}
}

type OpenParams struct {
	OwnerId    int64
	Pair       string
	Side       models.Side
	Leverage   uint8
	Size       decimal.Decimal
	Collateral decimal.Decimal
	Mode       models.MarginMode
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// Open validates the request against the owner's leverage setting, reserves
// the collateral and inserts the position at version 0. Leverage outside
// [1, maxLeverage] is rejected, never clamped.
func (l *Ledger) Open(ctx context.Context, req OpenParams) (models.Position, error) {
	const op = "ledger.Open"
	log := l.log.With("op", op, "owner_id", req.OwnerId, "pair", req.Pair)

	setting, err := l.settings.LeverageSetting(ctx, req.OwnerId)
	if err != nil {
		log.Error("failed to load leverage setting", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	if req.Leverage < 1 || req.Leverage > setting.MaxLeverage {
		log.Info("leverage rejected", "leverage", req.Leverage, "max", setting.MaxLeverage)
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInvalidLeverage)
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInvalidSize)
	}
	if req.Collateral.LessThanOrEqual(decimal.Zero) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInsufficientCollateral)
	}

	pairId, err := l.store.PairId(ctx, req.Pair)
	if err != nil {
		log.Error("failed to resolve trading pair", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	entryPrice, err := l.prices.Price(ctx, req.Pair)
	if err != nil {
		log.Error("no mark price for pair", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPairUnavailable)
	}

	notional := entryPrice.Mul(req.Size)
	minCollateral := notional.Div(decimal.NewFromInt(int64(req.Leverage)))
	if req.Collateral.LessThan(minCollateral) {
		log.Info("collateral below required initial margin",
			"collateral", req.Collateral, "required", minCollateral)
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInsufficientCollateral)
	}

	now := time.Now()
	p := models.Position{
		Id:          uuid.New(),
		OwnerId:     req.OwnerId,
		PairId:      pairId,
		Pair:        req.Pair,
		Side:        req.Side,
		Leverage:    req.Leverage,
		Mode:        req.Mode,
		EntryPrice:  entryPrice,
		Size:        req.Size,
		Collateral:  req.Collateral,
		RealizedPnL: decimal.Zero,
		FeesAccrued: notional.Mul(l.feeRate),
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Status:      models.Open,
		Version:     0,
		OpenedAt:    now,
		UpdatedAt:   now,
	}

	if req.Mode == models.Cross {
		unlockGroup := l.coord.LockGroup(req.OwnerId, models.Cross)
		defer unlockGroup()

		siblings, err := l.store.OpenCrossPositions(ctx, req.OwnerId)
		if err != nil {
			log.Error("failed to load cross siblings", "err", err)
			return models.Position{}, fmt.Errorf("%s: %w", op, err)
		}
		p.LiquidationPrice, err = l.calc.CrossLiquidationPrice(p, append(siblings, p))
		if err != nil {
			return models.Position{}, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		p.LiquidationPrice, err = l.calc.LiquidationPrice(p)
		if err != nil {
			return models.Position{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := l.store.InsertPosition(ctx, p); err != nil {
		log.Error("failed to insert position", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}

	l.events.PositionOpened(ctx, p)
	log.Info("position opened", "position_id", p.Id, "entry_price", entryPrice, "liq_price", p.LiquidationPrice)
	return p, nil
}

// AdjustCollateral applies a collateral delta under optimistic concurrency
// and recomputes the liquidation price in the same write. A negative delta
// must leave the collateral above the maintenance margin.
func (l *Ledger) AdjustCollateral(ctx context.Context, id uuid.UUID, expectedVersion int64, delta decimal.Decimal) (models.Position, error) {
	const op = "ledger.AdjustCollateral"
	log := l.log.With("op", op, "position_id", id)

	unlock, err := l.lockFor(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsOpen() {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPositionNotOpen)
	}
	if p.Version != expectedVersion {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}

	newCollateral := p.Collateral.Add(delta)
	if newCollateral.LessThanOrEqual(decimal.Zero) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInsufficientCollateral)
	}
	if delta.IsNegative() && newCollateral.LessThan(l.calc.MaintenanceMargin(p)) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInsufficientCollateral)
	}

	p.Collateral = newCollateral
	if p.LiquidationPrice, err = l.liquidationPriceFor(ctx, p); err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now()

	if err := l.store.UpdatePosition(ctx, p, expectedVersion, delta); err != nil {
		log.Info("collateral adjust rejected", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}

	l.events.PositionUpdated(ctx, p)
	log.Info("collateral adjusted", "delta", delta, "collateral", p.Collateral, "liq_price", p.LiquidationPrice)
	return p, nil
}

// SetTriggers updates the optional stop-loss / take-profit prices under the
// same versioning discipline as any other mutation.
func (l *Ledger) SetTriggers(ctx context.Context, id uuid.UUID, expectedVersion int64, stopLoss, takeProfit *decimal.Decimal) (models.Position, error) {
	const op = "ledger.SetTriggers"

	unlock, err := l.lockFor(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsOpen() {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPositionNotOpen)
	}
	if p.Version != expectedVersion {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}
	if stopLoss != nil && stopLoss.LessThanOrEqual(decimal.Zero) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInvalidSize)
	}
	if takeProfit != nil && takeProfit.LessThanOrEqual(decimal.Zero) {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrInvalidSize)
	}

	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now()

	if err := l.store.UpdatePosition(ctx, p, expectedVersion, decimal.Zero); err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}

	l.events.PositionUpdated(ctx, p)
	return p, nil
}

// ManualClose closes at the current cached mark price.
func (l *Ledger) ManualClose(ctx context.Context, id uuid.UUID, expectedVersion int64) (models.Position, error) {
	const op = "ledger.ManualClose"

	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	closePrice, err := l.prices.Price(ctx, p.Pair)
	if err != nil {
		l.log.Error("no mark price for close", "op", op, "pair", p.Pair, "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPairUnavailable)
	}
	return l.Close(ctx, id, expectedVersion, closePrice, models.ReasonManual)
}

// Close finalizes realized PnL and releases the remaining collateral back to
// the owner's wallet. A retry carrying the now-stale version fails with
// ErrVersionConflict instead of double-releasing funds.
func (l *Ledger) Close(ctx context.Context, id uuid.UUID, expectedVersion int64, closePrice decimal.Decimal, reason models.CloseReason) (models.Position, error) {
	const op = "ledger.Close"
	log := l.log.With("op", op, "position_id", id)

	unlock, err := l.lockFor(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsOpen() {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrPositionNotOpen)
	}
	if p.Version != expectedVersion {
		return models.Position{}, fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}

	realized := l.calc.UnrealizedPnL(p, closePrice)
	closeFee := p.Size.Mul(closePrice).Mul(l.feeRate)

	p.RealizedPnL = realized
	p.FeesAccrued = p.FeesAccrued.Add(closeFee)
	p.Status = models.Closed
	p.ClosePrice = &closePrice
	p.CloseReason = &reason
	now := time.Now()
	p.ClosedAt = &now
	p.UpdatedAt = now
	p.Version = expectedVersion + 1

	release := p.Collateral.Add(realized).Sub(p.FeesAccrued)
	if release.IsNegative() {
		log.Warn("close with exhausted collateral", "release", release, "close_price", closePrice)
		release = decimal.Zero
	}

	if err := l.store.ClosePosition(ctx, p, expectedVersion, release); err != nil {
		log.Info("close rejected", "err", err)
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}

	l.events.PositionClosed(ctx, p)
	log.Info("position closed", "reason", reason, "realized_pnl", realized, "released", release)
	return p, nil
}

// Liquidate is the privileged monitor path: it forces the position into the
// liquidated state, releases whatever collateral remains (zero on a clean
// liquidation, never negative to the wallet) and appends the liquidation
// record in the same transaction. It always completes on a shortfall; the
// record keeps the signed remaining collateral.
func (l *Ledger) Liquidate(ctx context.Context, id uuid.UUID, expectedVersion int64, markPrice decimal.Decimal, typ models.LiquidationType) (models.LiquidationRecord, error) {
	const op = "ledger.Liquidate"
	log := l.log.With("op", op, "position_id", id)

	unlock, err := l.lockFor(ctx, id)
	if err != nil {
		return models.LiquidationRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.LiquidationRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsOpen() {
		return models.LiquidationRecord{}, fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}
	if p.Version != expectedVersion {
		return models.LiquidationRecord{}, fmt.Errorf("%s: %w", op, models.ErrVersionConflict)
	}

	unrealized := l.calc.UnrealizedPnL(p, markPrice)
	liqFee := p.Size.Mul(markPrice).Mul(l.feeRate)
	feesTotal := p.FeesAccrued.Add(liqFee)
	remaining := p.Collateral.Add(unrealized).Sub(feesTotal)
	loss := p.Collateral.Sub(remaining)

	release := remaining
	if release.IsNegative() {
		release = decimal.Zero
	}

	now := time.Now()
	rec := models.LiquidationRecord{
		Id:                  uuid.New(),
		PositionId:          p.Id,
		OwnerId:             p.OwnerId,
		Pair:                p.Pair,
		Side:                p.Side,
		EntryPrice:          p.EntryPrice,
		LiquidationPrice:    p.LiquidationPrice,
		MarkPrice:           markPrice,
		Size:                p.Size,
		Leverage:            p.Leverage,
		Loss:                loss,
		RemainingCollateral: remaining,
		Type:                typ,
		CreatedAt:           now,
	}

	reason := models.ReasonLiquidation
	p.Status = models.Liquidated
	p.ClosePrice = &markPrice
	p.CloseReason = &reason
	p.RealizedPnL = unrealized
	p.FeesAccrued = feesTotal
	p.ClosedAt = &now
	p.UpdatedAt = now
	p.Version = expectedVersion + 1

	if err := l.store.LiquidatePosition(ctx, p, expectedVersion, release, rec); err != nil {
		log.Info("liquidation rejected", "err", err)
		return models.LiquidationRecord{}, fmt.Errorf("%s: %w", op, err)
	}

	l.events.PositionLiquidated(ctx, rec)
	if remaining.IsNegative() {
		log.Warn("liquidation shortfall", "shortfall", remaining.Neg(), "mark_price", markPrice)
	}
	log.Info("position liquidated", "loss", loss, "remaining", remaining, "type", typ)
	return rec, nil
}

func (l *Ledger) GetPosition(ctx context.Context, id uuid.UUID) (models.Position, error) {
	const op = "ledger.GetPosition"
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return models.Position{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (l *Ledger) OwnerPositions(ctx context.Context, ownerId int64) ([]models.Position, error) {
	const op = "ledger.OwnerPositions"
	positions, err := l.store.OwnerPositions(ctx, ownerId)
	if err != nil {
		l.log.Error("failed to get owner positions", "op", op, "owner_id", ownerId, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return positions, nil
}

func (l *Ledger) OpenPositionsByPair(ctx context.Context, pair string) ([]models.Position, error) {
	const op = "ledger.OpenPositionsByPair"
	positions, err := l.store.OpenPositionsByPair(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return positions, nil
}

func (l *Ledger) OpenCrossPositions(ctx context.Context, ownerId int64) ([]models.Position, error) {
	const op = "ledger.OpenCrossPositions"
	positions, err := l.store.OpenCrossPositions(ctx, ownerId)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return positions, nil
}

func (l *Ledger) AllOpenPositions(ctx context.Context) ([]models.Position, error) {
	const op = "ledger.AllOpenPositions"
	positions, err := l.store.AllOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return positions, nil
}

// UnrealizedPnL computes the PnL of a snapshot at the current cached mark.
func (l *Ledger) UnrealizedPnL(ctx context.Context, p models.Position) (decimal.Decimal, error) {
	mark, err := l.prices.Price(ctx, p.Pair)
	if err != nil {
		return decimal.Zero, err
	}
	return l.calc.UnrealizedPnL(p, mark), nil
}

// lockFor takes the owner-group lock first for cross positions, then the
// per-position lock. Mode is immutable after open, so the unlocked peek is
// safe.
func (l *Ledger) lockFor(ctx context.Context, id uuid.UUID) (func(), error) {
	p, err := l.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Mode == models.Cross {
		unlockGroup := l.coord.LockGroup(p.OwnerId, models.Cross)
		unlockPos := l.coord.LockPosition(id)
		return func() {
			unlockPos()
			unlockGroup()
		}, nil
	}
	return l.coord.LockPosition(id), nil
}

// liquidationPriceFor picks the isolated or cross formula for a snapshot.
// Callers mutating a cross position must hold the owner-group lock.
func (l *Ledger) liquidationPriceFor(ctx context.Context, p models.Position) (decimal.Decimal, error) {
	if p.Mode != models.Cross {
		return l.calc.LiquidationPrice(p)
	}
	siblings, err := l.store.OpenCrossPositions(ctx, p.OwnerId)
	if err != nil {
		return decimal.Zero, err
	}
	// Replace the stored sibling snapshot with the mutated one.
	set := make([]models.Position, 0, len(siblings))
	for _, s := range siblings {
		if s.Id == p.Id {
			continue
		}
		set = append(set, s)
	}
	return l.calc.CrossLiquidationPrice(p, append(set, p))
}
