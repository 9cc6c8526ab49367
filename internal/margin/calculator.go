package margin

import (
	"MarginEngine/internal/domain/models"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSnapshot marks a snapshot no margin math can be done on:
	// zero size, non-positive collateral or a non-positive mark price.
	// Such a snapshot on an open position is an upstream invariant violation.
	ErrInvalidSnapshot = errors.New("invalid position snapshot")
)

// MarkedPosition pairs a position snapshot with the mark price of its pair.
// Cross-mode aggregation needs marks for every sibling, not just the ticked one.
type MarkedPosition struct {
	Position models.Position
	Mark     decimal.Decimal
}

// Calculator holds the maintenance-margin rate and computes unrealized PnL,
// margin ratios and liquidation prices from position snapshots. Pure: no I/O,
// safe for concurrent use on copies of position data.
type Calculator struct {
	maintenanceRate decimal.Decimal
}

func New(maintenanceRate decimal.Decimal) *Calculator {
	return &Calculator{maintenanceRate: maintenanceRate}
}

func (c *Calculator) MaintenanceRate() decimal.Decimal {
	return c.maintenanceRate
}

// UnrealizedPnL is (mark − entry) × size, sign-flipped for shorts.
func (c *Calculator) UnrealizedPnL(p models.Position, mark decimal.Decimal) decimal.Decimal {
	pnl := mark.Sub(p.EntryPrice).Mul(p.Size)
	if p.Side == models.Short {
		pnl = pnl.Neg()
	}
	return pnl
}

// MaintenanceMargin is the configured fraction of the entry notional.
func (c *Calculator) MaintenanceMargin(p models.Position) decimal.Decimal {
	return p.Notional().Mul(c.maintenanceRate)
}

// MarginRatio is (collateral + unrealized PnL) / (size × mark) for a single
// isolated position. A ratio at or below the maintenance rate means the
// position must be liquidated.
func (c *Calculator) MarginRatio(p models.Position, mark decimal.Decimal) (decimal.Decimal, error) {
	if err := c.checkSnapshot(p); err != nil {
		return decimal.Zero, err
	}
	if mark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidSnapshot
	}
	equity := p.Collateral.Add(c.UnrealizedPnL(p, mark))
	return equity.Div(p.Size.Mul(mark)), nil
}

// CrossMarginRatio sums collateral, unrealized PnL and mark notionals across
// an owner's co-mode positions before taking the ratio. One distressed
// position drags the whole set down.
func (c *Calculator) CrossMarginRatio(siblings []MarkedPosition) (decimal.Decimal, error) {
	if len(siblings) == 0 {
		return decimal.Zero, ErrInvalidSnapshot
	}
	equity := decimal.Zero
	notional := decimal.Zero
	for _, mp := range siblings {
		if err := c.checkSnapshot(mp.Position); err != nil {
			return decimal.Zero, err
		}
		if mp.Mark.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, ErrInvalidSnapshot
		}
		equity = equity.Add(mp.Position.Collateral).Add(c.UnrealizedPnL(mp.Position, mp.Mark))
		notional = notional.Add(mp.Position.Size.Mul(mp.Mark))
	}
	return equity.Div(notional), nil
}

// LiquidationPrice solves collateral + unrealizedPnL = maintenanceMargin for
// the mark price of an isolated position:
//
//	long:  entry − (collateral − maintenanceMargin)/size
//	short: entry + (collateral − maintenanceMargin)/size
func (c *Calculator) LiquidationPrice(p models.Position) (decimal.Decimal, error) {
	if err := c.checkSnapshot(p); err != nil {
		return decimal.Zero, err
	}
	return c.solveLiquidationPrice(p, p.Collateral, c.MaintenanceMargin(p)), nil
}

// CrossLiquidationPrice substitutes the owner's aggregate collateral and
// aggregate maintenance margin into the same per-side formula, so each cross
// position's liquidation price moves with its siblings' state. The sibling
// set must include the position itself.
func (c *Calculator) CrossLiquidationPrice(p models.Position, siblings []models.Position) (decimal.Decimal, error) {
	if err := c.checkSnapshot(p); err != nil {
		return decimal.Zero, err
	}
	collateral := decimal.Zero
	maintenance := decimal.Zero
	for _, s := range siblings {
		if err := c.checkSnapshot(s); err != nil {
			return decimal.Zero, err
		}
		collateral = collateral.Add(s.Collateral)
		maintenance = maintenance.Add(c.MaintenanceMargin(s))
	}
	if collateral.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidSnapshot
	}
	return c.solveLiquidationPrice(p, collateral, maintenance), nil
}

// Liquidatable reports whether a margin ratio has crossed the maintenance
// threshold.
func (c *Calculator) Liquidatable(ratio decimal.Decimal) bool {
	return ratio.LessThanOrEqual(c.maintenanceRate)
}

func (c *Calculator) solveLiquidationPrice(p models.Position, collateral, maintenance decimal.Decimal) decimal.Decimal {
	buffer := collateral.Sub(maintenance).Div(p.Size)
	if p.Side == models.Long {
		liq := p.EntryPrice.Sub(buffer)
		if liq.IsNegative() {
			return decimal.Zero
		}
		return liq
	}
	return p.EntryPrice.Add(buffer)
}

func (c *Calculator) checkSnapshot(p models.Position) error {
	if p.Size.LessThanOrEqual(decimal.Zero) || p.Collateral.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidSnapshot
	}
	if p.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidSnapshot
	}
	return nil
}
