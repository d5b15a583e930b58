package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MarketResponse represents market state for API queries.
type MarketResponse struct {
	MarketID             string     `json:"market_id"`
	CollateralAsset      string     `json:"collateral_asset"`
	ReceiptAsset         string     `json:"receipt_asset"`
	PriceExponent        int32      `json:"price_exponent"`
	FeeBps               int64      `json:"fee_bps"`
	BaseInitialMarginBps int64      `json:"base_initial_margin_bps"`
	MaintenanceMarginBps int64      `json:"maintenance_margin_bps"`
	VolMultiplierBps     int64      `json:"vol_multiplier_bps"`
	LastVolBps           int64      `json:"last_vol_bps"`
	Paused               bool       `json:"paused"`
	AllowedCollateral    []string   `json:"allowed_collateral"`
	StrategyOperator     *uuid.UUID `json:"strategy_operator,omitempty"`
	LastPrice            *int64     `json:"last_price,omitempty"`
	LastPriceSequence    *int64     `json:"last_price_sequence,omitempty"`
	AsOfSequence         int64      `json:"as_of_sequence"`
}

// DealResponse represents deal state for API queries.
type DealResponse struct {
	MarketID          string    `json:"market_id"`
	DealID            int64     `json:"deal_id"`
	Long              uuid.UUID `json:"long"`
	Short             uuid.UUID `json:"short"`
	CollateralAsset   string    `json:"collateral_asset"`
	StrikePrice       int64     `json:"strike_price"`
	Quantity          int64     `json:"quantity"`
	RemainingQuantity int64     `json:"remaining_quantity"`
	SettleAt          int64     `json:"settle_at"`
	SettlementKind    string    `json:"settlement_kind"`
	LongMargin        int64     `json:"long_margin"`
	ShortMargin       int64     `json:"short_margin"`
	Settled           bool      `json:"settled"`
	Frozen            bool      `json:"frozen"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// PriceHistoryResponse represents one settlement price post.
type PriceHistoryResponse struct {
	MarketID       string    `json:"market_id"`
	Price          int64     `json:"price"`
	VolBps         int64     `json:"vol_bps"`
	SourceSequence int64     `json:"source_sequence"`
	Stale          bool      `json:"stale"`
	Sequence       int64     `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventResponse represents one event log entry for the audit trail API.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	DealID         *int64          `json:"deal_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalKind   string `json:"journal_kind"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose balances do not sum to zero
// across all vaults including the external boundaries.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
