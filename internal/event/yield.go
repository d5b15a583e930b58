package event

import "github.com/google/uuid"

// YieldParked records a margin-to-strategy-vault move. MarginVaultBalance
// and ParkedBalance are the post-move vault balances; recorded margin is
// deliberately untouched by parking.
type YieldParked struct {
	Operator           uuid.UUID `json:"operator"`
	Long               bool      `json:"long"`
	Amount             int64     `json:"amount"`
	MarginVaultBalance int64     `json:"margin_vault_balance"`
	ParkedBalance      int64     `json:"parked_balance"`
}

// YieldUnparked records the return of parked collateral.
type YieldUnparked struct {
	Operator           uuid.UUID `json:"operator"`
	Long               bool      `json:"long"`
	Amount             int64     `json:"amount"`
	MarginVaultBalance int64     `json:"margin_vault_balance"`
	ParkedBalance      int64     `json:"parked_balance"`
}
