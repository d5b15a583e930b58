package event

import "github.com/google/uuid"

// MarketInitialized records a new market and its full parameter set.
type MarketInitialized struct {
	Admin                uuid.UUID `json:"admin"`
	Governance           uuid.UUID `json:"governance"`
	Oracle               uuid.UUID `json:"oracle"`
	CollateralAsset      string    `json:"collateral_asset"`
	ReceiptAsset         string    `json:"receipt_asset"`
	PriceExponent        int32     `json:"price_exponent"`
	FeeBps               int64     `json:"fee_bps"`
	BaseInitialMarginBps int64     `json:"base_initial_margin_bps"`
	MaintenanceMarginBps int64     `json:"maintenance_margin_bps"`
	VolMultiplierBps     int64     `json:"vol_multiplier_bps"`
	LastVolBps           int64     `json:"last_vol_bps"`
}

// PricePosted records an accepted settlement price post.
type PricePosted struct {
	Price          int64 `json:"price"`
	PriceExponent  int32 `json:"price_exponent"`
	VolBps         int64 `json:"vol_bps"`
	SourceSequence int64 `json:"source_sequence"`
	Stale          bool  `json:"stale"`
}

// CollateralAdded records an allow-list addition. NoOp is set when the asset
// was already allowed.
type CollateralAdded struct {
	Asset string `json:"asset"`
	NoOp  bool   `json:"no_op"`
}

// CollateralRemoved records an allow-list removal.
type CollateralRemoved struct {
	Asset string `json:"asset"`
}

// MarketPaused records a pause. NoOp is set when the market was already
// paused.
type MarketPaused struct {
	NoOp bool `json:"no_op"`
}

// MarketUnpaused records a pause lift.
type MarketUnpaused struct {
	NoOp bool `json:"no_op"`
}

// StrategyOperatorSet records the yield-parking delegate assignment.
type StrategyOperatorSet struct {
	Operator uuid.UUID `json:"operator"`
}

// FundsCredited records an external on-ramp credit to a party funding vault.
type FundsCredited struct {
	Party   uuid.UUID `json:"party"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}
