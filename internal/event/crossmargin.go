package event

import "github.com/google/uuid"

// CrossMarginCreated records a new pooled collateral account.
type CrossMarginCreated struct {
	Owner uuid.UUID `json:"owner"`
	Asset string    `json:"asset"`
}

// CrossMarginDeposited records a funding-to-pool transfer.
type CrossMarginDeposited struct {
	Owner   uuid.UUID `json:"owner"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}

// CrossMarginWithdrawn records a pool-to-funding transfer.
type CrossMarginWithdrawn struct {
	Owner   uuid.UUID `json:"owner"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
	Balance int64     `json:"balance"`
}

// CrossMarginMoved records a pool-to-deal or deal-to-pool margin move.
type CrossMarginMoved struct {
	Owner     uuid.UUID `json:"owner"`
	DealID    uint64    `json:"deal_id"`
	Long      bool      `json:"long"`
	Amount    int64     `json:"amount"`
	ToDeal    bool      `json:"to_deal"`
	NewMargin int64     `json:"new_margin"`
	Balance   int64     `json:"balance"`
}
