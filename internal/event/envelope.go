package event

import (
	"time"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypeMarketInitialized
	TypePricePosted
	TypeCollateralAdded
	TypeCollateralRemoved
	TypeMarketPaused
	TypeMarketUnpaused
	TypeStrategyOperatorSet
	TypeWarehouseRegistered
	TypeReceiptMinted
	TypeReceiptBurned
	TypeDealOpened
	TypeMarginDeposited
	TypeDealFrozen
	TypeDealUnfrozen
	TypeCashSettled
	TypePhysicalSettled
	TypeCrossMarginCreated
	TypeCrossMarginDeposited
	TypeCrossMarginWithdrawn
	TypeCrossMarginMoved
	TypeYieldParked
	TypeYieldUnparked
	TypeFundsCredited
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Idempotency key of the instruction that produced this event
	IdempotencyKey string

	// Event type discriminator
	EventType Type

	// Market context
	MarketID string

	// Deal context (nil for market-scoped events)
	DealID *uint64

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

func (t Type) String() string {
	switch t {
	case TypeMarketInitialized:
		return "MarketInitialized"
	case TypePricePosted:
		return "PricePosted"
	case TypeCollateralAdded:
		return "CollateralAdded"
	case TypeCollateralRemoved:
		return "CollateralRemoved"
	case TypeMarketPaused:
		return "MarketPaused"
	case TypeMarketUnpaused:
		return "MarketUnpaused"
	case TypeStrategyOperatorSet:
		return "StrategyOperatorSet"
	case TypeWarehouseRegistered:
		return "WarehouseRegistered"
	case TypeReceiptMinted:
		return "ReceiptMinted"
	case TypeReceiptBurned:
		return "ReceiptBurned"
	case TypeDealOpened:
		return "DealOpened"
	case TypeMarginDeposited:
		return "MarginDeposited"
	case TypeDealFrozen:
		return "DealFrozen"
	case TypeDealUnfrozen:
		return "DealUnfrozen"
	case TypeCashSettled:
		return "CashSettled"
	case TypePhysicalSettled:
		return "PhysicalSettled"
	case TypeCrossMarginCreated:
		return "CrossMarginCreated"
	case TypeCrossMarginDeposited:
		return "CrossMarginDeposited"
	case TypeCrossMarginWithdrawn:
		return "CrossMarginWithdrawn"
	case TypeCrossMarginMoved:
		return "CrossMarginMoved"
	case TypeYieldParked:
		return "YieldParked"
	case TypeYieldUnparked:
		return "YieldUnparked"
	case TypeFundsCredited:
		return "FundsCredited"
	default:
		return "Unknown"
	}
}

// Subject returns the NATS subject suffix for this event type, lower snake
// case to match the outbound subject taxonomy.
func (t Type) Subject() string {
	switch t {
	case TypeMarketInitialized:
		return "market_initialized"
	case TypePricePosted:
		return "price_posted"
	case TypeCollateralAdded:
		return "collateral_added"
	case TypeCollateralRemoved:
		return "collateral_removed"
	case TypeMarketPaused:
		return "market_paused"
	case TypeMarketUnpaused:
		return "market_unpaused"
	case TypeStrategyOperatorSet:
		return "strategy_operator_set"
	case TypeWarehouseRegistered:
		return "warehouse_registered"
	case TypeReceiptMinted:
		return "receipt_minted"
	case TypeReceiptBurned:
		return "receipt_burned"
	case TypeDealOpened:
		return "deal_opened"
	case TypeMarginDeposited:
		return "margin_deposited"
	case TypeDealFrozen:
		return "deal_frozen"
	case TypeDealUnfrozen:
		return "deal_unfrozen"
	case TypeCashSettled:
		return "cash_settled"
	case TypePhysicalSettled:
		return "physical_settled"
	case TypeCrossMarginCreated:
		return "cross_margin_created"
	case TypeCrossMarginDeposited:
		return "cross_margin_deposited"
	case TypeCrossMarginWithdrawn:
		return "cross_margin_withdrawn"
	case TypeCrossMarginMoved:
		return "cross_margin_moved"
	case TypeYieldParked:
		return "yield_parked"
	case TypeYieldUnparked:
		return "yield_unparked"
	case TypeFundsCredited:
		return "funds_credited"
	default:
		return "unknown"
	}
}

var typeByName = map[string]Type{
	"MarketInitialized":    TypeMarketInitialized,
	"PricePosted":          TypePricePosted,
	"CollateralAdded":      TypeCollateralAdded,
	"CollateralRemoved":    TypeCollateralRemoved,
	"MarketPaused":         TypeMarketPaused,
	"MarketUnpaused":       TypeMarketUnpaused,
	"StrategyOperatorSet":  TypeStrategyOperatorSet,
	"WarehouseRegistered":  TypeWarehouseRegistered,
	"ReceiptMinted":        TypeReceiptMinted,
	"ReceiptBurned":        TypeReceiptBurned,
	"DealOpened":           TypeDealOpened,
	"MarginDeposited":      TypeMarginDeposited,
	"DealFrozen":           TypeDealFrozen,
	"DealUnfrozen":         TypeDealUnfrozen,
	"CashSettled":          TypeCashSettled,
	"PhysicalSettled":      TypePhysicalSettled,
	"CrossMarginCreated":   TypeCrossMarginCreated,
	"CrossMarginDeposited": TypeCrossMarginDeposited,
	"CrossMarginWithdrawn": TypeCrossMarginWithdrawn,
	"CrossMarginMoved":     TypeCrossMarginMoved,
	"YieldParked":          TypeYieldParked,
	"YieldUnparked":        TypeYieldUnparked,
	"FundsCredited":        TypeFundsCredited,
}

// TypeFromString resolves a stored event type name back to its discriminator.
func TypeFromString(name string) Type {
	return typeByName[name]
}
