package models

// LeverageSetting holds the per-owner guardrails read on every open/adjust.
// Mutated by account-settings functionality outside this engine.
type LeverageSetting struct {
	OwnerId            int64
	MaxLeverage        uint8
	PreferredLeverage  uint8
	DefaultMode        MarginMode
	AutoDeleverage     bool
	LiquidationWarning bool
}

// DefaultLeverageSetting applies when an owner has never saved settings.
func DefaultLeverageSetting(ownerId int64) LeverageSetting {
	return LeverageSetting{
		OwnerId:            ownerId,
		MaxLeverage:        20,
		PreferredLeverage:  10,
		DefaultMode:        Isolated,
		AutoDeleverage:     false,
		LiquidationWarning: true,
	}
}
