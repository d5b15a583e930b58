package event

import "github.com/google/uuid"

// DealOpened records a booked forward with margins already funded.
type DealOpened struct {
	Long            uuid.UUID `json:"long"`
	Short           uuid.UUID `json:"short"`
	CollateralAsset string    `json:"collateral_asset"`
	StrikePrice     int64     `json:"strike_price"`
	PriceExponent   int32     `json:"price_exponent"`
	Quantity        int64     `json:"quantity"`
	SettleAt        int64     `json:"settle_at"`
	Physical        bool      `json:"physical"`
	FeeBps          int64     `json:"fee_bps"`
	RequiredMargin  int64     `json:"required_margin"`
	LongMargin      int64     `json:"long_margin"`
	ShortMargin     int64     `json:"short_margin"`
}

// MarginDeposited records a margin top-up.
type MarginDeposited struct {
	Party     uuid.UUID `json:"party"`
	Long      bool      `json:"long"`
	Amount    int64     `json:"amount"`
	NewMargin int64     `json:"new_margin"`
}

// DealFrozen records an admin freeze.
type DealFrozen struct {
	Admin uuid.UUID `json:"admin"`
}

// DealUnfrozen records an admin unfreeze.
type DealUnfrozen struct {
	Admin uuid.UUID `json:"admin"`
}

// CashSettled records terminal cash settlement.
type CashSettled struct {
	SettlementPrice int64 `json:"settlement_price"`
	PnLLong         int64 `json:"pnl_long"`
	Fee             int64 `json:"fee"`
	LongReturned    int64 `json:"long_returned"`
	ShortReturned   int64 `json:"short_returned"`
}

// PhysicalSettled records full or partial physical delivery. Completed is
// set when remaining quantity reached zero and the deal closed.
type PhysicalSettled struct {
	Delivered int64 `json:"delivered"`
	Payment   int64 `json:"payment"`
	Remaining int64 `json:"remaining"`
	Completed bool  `json:"completed"`
}
