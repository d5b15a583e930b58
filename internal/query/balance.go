package query

import (
	"github.com/google/uuid"
)

// BalanceResponse represents a party's funding balance for API queries.
type BalanceResponse struct {
	Party   uuid.UUID `json:"party"`
	Asset   string    `json:"asset"`
	Balance int64     `json:"balance"`

	// Sum of this party's margin held across open deals, derived from the
	// deal projection at query time.
	MarginHeld int64 `json:"margin_held"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// VaultBalanceResponse represents one vault balance row by path.
type VaultBalanceResponse struct {
	VaultPath    string `json:"vault_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
