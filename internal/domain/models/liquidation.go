package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LiquidationType string

const (
	LiquidationAuto   LiquidationType = "auto"
	LiquidationForced LiquidationType = "forced"
	LiquidationManual LiquidationType = "manual"
)

// LiquidationRecord is the immutable audit entry appended exactly once per
// liquidation. RemainingCollateral is signed: a gap move past the posted
// collateral leaves it negative, and the record keeps the exact shortfall.
type LiquidationRecord struct {
	Id                  uuid.UUID
	PositionId          uuid.UUID
	OwnerId             int64
	Pair                string
	Side                Side
	EntryPrice          decimal.Decimal
	LiquidationPrice    decimal.Decimal
	MarkPrice           decimal.Decimal
	Size                decimal.Decimal
	Leverage            uint8
	Loss                decimal.Decimal
	RemainingCollateral decimal.Decimal
	Type                LiquidationType
	CreatedAt           time.Time
}
