package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick is the canonical normalized mark-price event: one symbol, one
// price, one oracle timestamp. Everything downstream of the feed adapter
// works on this shape only.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceResponse is the raw upstream ticker payload.
type PriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}
