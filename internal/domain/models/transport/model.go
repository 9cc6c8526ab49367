package transport

import (
	"MarginEngine/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OpenPositionRequest struct {
	OwnerID    int64             `json:"owner_id" validate:"required,gt=0"`
	Pair       string            `json:"pair" validate:"required"`
	Side       models.Side       `json:"side" validate:"required,oneof=long short"`
	Leverage   uint8             `json:"leverage" validate:"required,gte=1"`
	Size       decimal.Decimal   `json:"size" validate:"required"`
	Collateral decimal.Decimal   `json:"collateral" validate:"required"`
	Mode       models.MarginMode `json:"mode" validate:"required,oneof=isolated cross"`
	StopLoss   *decimal.Decimal  `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal  `json:"take_profit,omitempty"`
}

type OpenPositionResponse struct {
	PositionID       uuid.UUID       `json:"position_id"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Version          int64           `json:"version"`
}

type AdjustCollateralRequest struct {
	PositionID      uuid.UUID       `json:"position_id" validate:"required"`
	ExpectedVersion int64           `json:"expected_version" validate:"gte=0"`
	Delta           decimal.Decimal `json:"delta" validate:"required"`
}

type SetTriggersRequest struct {
	PositionID      uuid.UUID        `json:"position_id" validate:"required"`
	ExpectedVersion int64            `json:"expected_version" validate:"gte=0"`
	StopLoss        *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit      *decimal.Decimal `json:"take_profit,omitempty"`
}

type ClosePositionRequest struct {
	PositionID      uuid.UUID `json:"position_id" validate:"required"`
	ExpectedVersion int64     `json:"expected_version" validate:"gte=0"`
}

type MutationResponse struct {
	PositionID       uuid.UUID       `json:"position_id"`
	Version          int64           `json:"version"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

type PositionResponse struct {
	Id               uuid.UUID             `json:"id"`
	OwnerID          int64                 `json:"owner_id"`
	Pair             string                `json:"pair"`
	Side             models.Side           `json:"side"`
	Leverage         uint8                 `json:"leverage"`
	Mode             models.MarginMode     `json:"mode"`
	EntryPrice       decimal.Decimal       `json:"entry_price"`
	Size             decimal.Decimal       `json:"size"`
	Collateral       decimal.Decimal       `json:"collateral"`
	LiquidationPrice decimal.Decimal       `json:"liquidation_price"`
	UnrealizedPnL    *decimal.Decimal      `json:"unrealized_pnl,omitempty"`
	RealizedPnL      decimal.Decimal       `json:"realized_pnl"`
	FeesAccrued      decimal.Decimal       `json:"fees_accrued"`
	StopLoss         *decimal.Decimal      `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal      `json:"take_profit,omitempty"`
	ClosePrice       *decimal.Decimal      `json:"close_price,omitempty"`
	Status           models.PositionStatus `json:"status"`
	Version          int64                 `json:"version"`
}

type PositionListResponse struct {
	Positions []PositionResponse `json:"positions"`
}

type LiquidationRecordResponse struct {
	Id                  uuid.UUID              `json:"id"`
	PositionID          uuid.UUID              `json:"position_id"`
	OwnerID             int64                  `json:"owner_id"`
	Pair                string                 `json:"pair"`
	Side                models.Side            `json:"side"`
	EntryPrice          decimal.Decimal        `json:"entry_price"`
	LiquidationPrice    decimal.Decimal        `json:"liquidation_price"`
	MarkPrice           decimal.Decimal        `json:"mark_price"`
	Size                decimal.Decimal        `json:"size"`
	Leverage            uint8                  `json:"leverage"`
	Loss                decimal.Decimal        `json:"loss"`
	RemainingCollateral decimal.Decimal        `json:"remaining_collateral"`
	Type                models.LiquidationType `json:"type"`
	CreatedAt           string                 `json:"created_at"`
}

type LiquidationListResponse struct {
	Records []LiquidationRecordResponse `json:"records"`
}

type LeverageSettingResponse struct {
	OwnerID            int64             `json:"owner_id"`
	MaxLeverage        uint8             `json:"max_leverage"`
	PreferredLeverage  uint8             `json:"preferred_leverage"`
	DefaultMode        models.MarginMode `json:"default_mode"`
	AutoDeleverage     bool              `json:"auto_deleverage"`
	LiquidationWarning bool              `json:"liquidation_warning"`
}

type BalanceResponse struct {
	OwnerID int64           `json:"owner_id"`
	Balance decimal.Decimal `json:"balance"`
}

type DepositRequest struct {
	OwnerID int64           `json:"owner_id" validate:"required,gt=0"`
	Amount  decimal.Decimal `json:"amount" validate:"required"`
}
