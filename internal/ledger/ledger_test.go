package ledger

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/margin"
	"MarginEngine/internal/settings"
	"MarginEngine/internal/storage/memory"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOwner = int64(42)
	testPair  = "BTCUSDT"
)

type stubEvents struct{}

func (stubEvents) PositionOpened(context.Context, models.Position)            {}
func (stubEvents) PositionUpdated(context.Context, models.Position)           {}
func (stubEvents) PositionClosed(context.Context, models.Position)            {}
func (stubEvents) PositionLiquidated(context.Context, models.LiquidationRecord) {}

type staticPrices map[string]decimal.Decimal

func (s staticPrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok {
		return decimal.Zero, models.ErrPairUnavailable
	}
	return price, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, feeRate decimal.Decimal) (*Ledger, *memory.Store, staticPrices) {
	t.Helper()

	store := memory.New()
	store.AddTradingPair(testPair)
	store.AddTradingPair("ETHUSDT")
	_, err := store.Deposit(context.Background(), testOwner, dec("1000"))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	prices := staticPrices{testPair: dec("2000"), "ETHUSDT": dec("1000")}
	calc := margin.New(dec("0.01"))

	l := New(log, store, settings.New(log, store), prices, stubEvents{}, calc, feeRate)
	return l, store, prices
}

func openParams() OpenParams {
	return OpenParams{
		OwnerId:    testOwner,
		Pair:       testPair,
		Side:       models.Long,
		Leverage:   10,
		Size:       dec("1"),
		Collateral: dec("210"),
		Mode:       models.Isolated,
	}
}

func TestOpenValidations(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, decimal.Zero)

	cases := []struct {
		name    string
		mutate  func(*OpenParams)
		wantErr error
	}{
		{"zero leverage", func(p *OpenParams) { p.Leverage = 0 }, models.ErrInvalidLeverage},
		{"leverage above max", func(p *OpenParams) { p.Leverage = 21 }, models.ErrInvalidLeverage},
		{"zero size", func(p *OpenParams) { p.Size = decimal.Zero }, models.ErrInvalidSize},
		{"negative size", func(p *OpenParams) { p.Size = dec("-1") }, models.ErrInvalidSize},
		{"zero collateral", func(p *OpenParams) { p.Collateral = decimal.Zero }, models.ErrInsufficientCollateral},
		{"unknown pair", func(p *OpenParams) { p.Pair = "DOGEUSDT" }, models.ErrPairUnavailable},
		{"collateral below initial margin", func(p *OpenParams) { p.Collateral = dec("199") }, models.ErrInsufficientCollateral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := openParams()
			tc.mutate(&req)
			_, err := l.Open(ctx, req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestOpenReservesCollateral(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	assert.Equal(t, int64(0), p.Version)
	assert.Equal(t, models.Open, p.Status)
	assert.True(t, p.EntryPrice.Equal(dec("2000")))
	assert.True(t, p.LiquidationPrice.Equal(dec("1810")), "got %s", p.LiquidationPrice)

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("790")))
}

func TestOpenInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	poor := int64(7)
	_, err := store.Deposit(ctx, poor, dec("100"))
	require.NoError(t, err)

	req := openParams()
	req.OwnerId = poor
	_, err = l.Open(ctx, req)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	balance, err := store.Balance(ctx, poor)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")))
}

func TestAdjustCollateralRecomputesLiquidationPrice(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	p, err = l.AdjustCollateral(ctx, p.Id, 0, dec("90"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), p.Version)
	assert.True(t, p.Collateral.Equal(dec("300")))
	assert.True(t, p.LiquidationPrice.Equal(dec("1720")), "got %s", p.LiquidationPrice)

	// recomputing from the stored snapshot must land on the stored price
	calc := margin.New(dec("0.01"))
	recomputed, err := calc.LiquidationPrice(p)
	require.NoError(t, err)
	assert.True(t, recomputed.Equal(p.LiquidationPrice))

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("700")))
}

func TestAdjustCollateralStaleVersion(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	_, err = l.AdjustCollateral(ctx, p.Id, 0, dec("10"))
	require.NoError(t, err)

	_, err = l.AdjustCollateral(ctx, p.Id, 0, dec("10"))
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestAdjustCollateralWithdrawalGuard(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	// maintenance margin is 20; dropping to 15 must be refused
	_, err = l.AdjustCollateral(ctx, p.Id, 0, dec("-195"))
	assert.ErrorIs(t, err, models.ErrInsufficientCollateral)

	_, err = l.AdjustCollateral(ctx, p.Id, 0, dec("-210"))
	assert.ErrorIs(t, err, models.ErrInsufficientCollateral)

	got, err := l.GetPosition(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.True(t, got.Collateral.Equal(dec("210")))
}

func TestConcurrentAdjustsSingleWinner(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.AdjustCollateral(ctx, p.Id, 0, dec("10"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, models.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := l.GetPosition(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Collateral.Equal(dec("220")))

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("780")))
}

func TestSetTriggers(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	sl, tp := dec("1900"), dec("2200")
	p, err = l.SetTriggers(ctx, p.Id, 0, &sl, &tp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)
	require.NotNil(t, p.StopLoss)
	require.NotNil(t, p.TakeProfit)
	assert.True(t, p.StopLoss.Equal(sl))
	assert.True(t, p.TakeProfit.Equal(tp))

	// clearing both
	p, err = l.SetTriggers(ctx, p.Id, 1, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, p.StopLoss)
	assert.Nil(t, p.TakeProfit)

	bad := dec("-5")
	_, err = l.SetTriggers(ctx, p.Id, 2, &bad, nil)
	assert.ErrorIs(t, err, models.ErrInvalidSize)
}

func TestCloseRoundTripAtEntry(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	closed, err := l.ManualClose(ctx, p.Id, 0)
	require.NoError(t, err)

	assert.Equal(t, models.Closed, closed.Status)
	require.NotNil(t, closed.CloseReason)
	assert.Equal(t, models.ReasonManual, *closed.CloseReason)
	assert.True(t, closed.RealizedPnL.IsZero())

	// no fees, flat close: the wallet ends where it started
	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1000")))
}

func TestCloseChargesFees(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, dec("0.0005"))

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)
	assert.True(t, p.FeesAccrued.Equal(dec("1")))

	closed, err := l.Close(ctx, p.Id, 0, dec("2000"), models.ReasonManual)
	require.NoError(t, err)
	assert.True(t, closed.FeesAccrued.Equal(dec("2")))

	// release = 210 + 0 - 2
	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("998")), "got %s", balance)
}

func TestCloseTwiceReleasesOnce(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	_, err = l.Close(ctx, p.Id, 0, dec("2100"), models.ReasonManual)
	require.NoError(t, err)

	_, err = l.Close(ctx, p.Id, 0, dec("2100"), models.ReasonManual)
	assert.ErrorIs(t, err, models.ErrPositionNotOpen)

	// collateral plus the 100 profit, released exactly once
	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1100")))
}

func TestLiquidateWritesSingleRecord(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	rec, err := l.Liquidate(ctx, p.Id, 0, dec("1792"), models.LiquidationAuto)
	require.NoError(t, err)
	assert.True(t, rec.Loss.Equal(dec("208")))
	assert.True(t, rec.RemainingCollateral.Equal(dec("2")))
	assert.Equal(t, models.LiquidationAuto, rec.Type)

	got, err := l.GetPosition(ctx, p.Id)
	require.NoError(t, err)
	assert.Equal(t, models.Liquidated, got.Status)
	require.NotNil(t, got.CloseReason)
	assert.Equal(t, models.ReasonLiquidation, *got.CloseReason)

	// a repeat carrying the stale version must not double anything
	_, err = l.Liquidate(ctx, p.Id, 0, dec("1792"), models.LiquidationAuto)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	records, err := store.LiquidationsByPosition(ctx, p.Id)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("792")), "got %s", balance)
}

func TestLiquidateDeductsAccruedFees(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, dec("0.0005"))

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)
	assert.True(t, p.FeesAccrued.Equal(dec("1")))

	// remaining = 210 - 208 - (1 + 1792*0.0005); the open fee already accrued
	// comes out of the released collateral, same as on a close
	rec, err := l.Liquidate(ctx, p.Id, 0, dec("1792"), models.LiquidationAuto)
	require.NoError(t, err)
	assert.True(t, rec.RemainingCollateral.Equal(dec("0.104")), "got %s", rec.RemainingCollateral)
	assert.True(t, rec.Loss.Equal(dec("209.896")), "got %s", rec.Loss)

	got, err := l.GetPosition(ctx, p.Id)
	require.NoError(t, err)
	assert.True(t, got.FeesAccrued.Equal(dec("1.896")))

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("790.104")), "got %s", balance)
}

func TestLiquidateShortfall(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	// gap through the liquidation price: loss exceeds collateral
	rec, err := l.Liquidate(ctx, p.Id, 0, dec("1700"), models.LiquidationAuto)
	require.NoError(t, err)
	assert.True(t, rec.RemainingCollateral.Equal(dec("-90")))
	assert.True(t, rec.Loss.Equal(dec("300")))

	// nothing returns to the wallet; the record keeps the signed shortfall
	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("790")))
}

func TestManualCloseUsesCachedMark(t *testing.T) {
	ctx := context.Background()
	l, store, prices := newTestLedger(t, decimal.Zero)

	p, err := l.Open(ctx, openParams())
	require.NoError(t, err)

	prices[testPair] = dec("2100")
	closed, err := l.ManualClose(ctx, p.Id, 0)
	require.NoError(t, err)
	assert.True(t, closed.RealizedPnL.Equal(dec("100")))
	require.NotNil(t, closed.ClosePrice)
	assert.True(t, closed.ClosePrice.Equal(dec("2100")))

	balance, err := store.Balance(ctx, testOwner)
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("1100")))
}

func TestCrossOpenSharesCollateral(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, decimal.Zero)

	first := openParams()
	first.Mode = models.Cross
	a, err := l.Open(ctx, first)
	require.NoError(t, err)
	// single cross position degenerates to the isolated formula
	assert.True(t, a.LiquidationPrice.Equal(dec("1810")))

	second := OpenParams{
		OwnerId:    testOwner,
		Pair:       "ETHUSDT",
		Side:       models.Long,
		Leverage:   5,
		Size:       dec("1"),
		Collateral: dec("300"),
		Mode:       models.Cross,
	}
	b, err := l.Open(ctx, second)
	require.NoError(t, err)

	// sibling collateral backs b: aggregate collateral 510, aggregate
	// maintenance 30, buffer 480, liq price well below the isolated 710
	assert.True(t, b.LiquidationPrice.Equal(dec("520")), "got %s", b.LiquidationPrice)

	// a's stored price is untouched and its version did not move
	got, err := l.GetPosition(ctx, a.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.True(t, got.LiquidationPrice.Equal(dec("1810")))
}
