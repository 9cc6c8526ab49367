package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

type MarginMode string

const (
	Isolated MarginMode = "isolated"
	Cross    MarginMode = "cross"
)

type PositionStatus string

const (
	Open       PositionStatus = "open"
	Closed     PositionStatus = "closed"
	Liquidated PositionStatus = "liquidated"
)

type CloseReason string

const (
	ReasonManual      CloseReason = "manual"
	ReasonTrigger     CloseReason = "trigger"
	ReasonLiquidation CloseReason = "liquidation"
)

// Position is a leveraged exposure to one trading pair. Size is quoted in the
// base asset, Collateral in the quote asset. LiquidationPrice is derived and
// kept in lockstep with Collateral/Size/Leverage by the ledger.
type Position struct {
	Id               uuid.UUID
	OwnerId          int64
	PairId           int64
	Pair             string
	Side             Side
	Leverage         uint8
	Mode             MarginMode
	EntryPrice       decimal.Decimal
	Size             decimal.Decimal
	Collateral       decimal.Decimal
	LiquidationPrice decimal.Decimal
	RealizedPnL      decimal.Decimal
	FeesAccrued      decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	ClosePrice       *decimal.Decimal
	CloseReason      *CloseReason
	Status           PositionStatus
	Version          int64
	OpenedAt         time.Time
	UpdatedAt        time.Time
	ClosedAt         *time.Time
}

// Notional is the entry-price notional of the position.
func (p Position) Notional() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

func (p Position) IsOpen() bool {
	return p.Status == Open
}
