package instruction

import "time"

// Type discriminates instruction payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeInitMarket
	TypePostPrice
	TypeAddAllowedCollateral
	TypeRemoveAllowedCollateral
	TypePauseMarket
	TypeUnpauseMarket
	TypeSetStrategyOperator
	TypeRegisterWarehouse
	TypeMintReceipt
	TypeBurnReceipt
	TypeOpenDeal
	TypeDepositMargin
	TypeFreezeDeal
	TypeUnfreezeDeal
	TypeSettleCash
	TypeSettlePhysical
	TypeSettlePartialPhysical
	TypeCrossMarginCreate
	TypeCrossMarginDeposit
	TypeCrossMarginWithdraw
	TypeCrossMarginMoveToDeal
	TypeCrossMarginMoveFromDeal
	TypeYieldPark
	TypeYieldUnpark
	TypeExternalFund
)

// Instruction is implemented by every operation payload the core consumes.
type Instruction interface {
	// IdempotencyKey returns the stable dedup key from upstream.
	IdempotencyKey() string

	// Type returns the discriminator.
	Type() Type

	// MarketID returns the market context.
	MarketID() string

	// SourceSequence returns the upstream ordering key.
	SourceSequence() int64

	// Time returns the versioned input timestamp.
	Time() time.Time
}

func (t Type) String() string {
	switch t {
	case TypeInitMarket:
		return "InitMarket"
	case TypePostPrice:
		return "PostPrice"
	case TypeAddAllowedCollateral:
		return "AddAllowedCollateral"
	case TypeRemoveAllowedCollateral:
		return "RemoveAllowedCollateral"
	case TypePauseMarket:
		return "PauseMarket"
	case TypeUnpauseMarket:
		return "UnpauseMarket"
	case TypeSetStrategyOperator:
		return "SetStrategyOperator"
	case TypeRegisterWarehouse:
		return "RegisterWarehouse"
	case TypeMintReceipt:
		return "MintReceipt"
	case TypeBurnReceipt:
		return "BurnReceipt"
	case TypeOpenDeal:
		return "OpenDeal"
	case TypeDepositMargin:
		return "DepositMargin"
	case TypeFreezeDeal:
		return "FreezeDeal"
	case TypeUnfreezeDeal:
		return "UnfreezeDeal"
	case TypeSettleCash:
		return "SettleCash"
	case TypeSettlePhysical:
		return "SettlePhysical"
	case TypeSettlePartialPhysical:
		return "SettlePartialPhysical"
	case TypeCrossMarginCreate:
		return "CrossMarginCreate"
	case TypeCrossMarginDeposit:
		return "CrossMarginDeposit"
	case TypeCrossMarginWithdraw:
		return "CrossMarginWithdraw"
	case TypeCrossMarginMoveToDeal:
		return "CrossMarginMoveToDeal"
	case TypeCrossMarginMoveFromDeal:
		return "CrossMarginMoveFromDeal"
	case TypeYieldPark:
		return "YieldPark"
	case TypeYieldUnpark:
		return "YieldUnpark"
	case TypeExternalFund:
		return "ExternalFund"
	default:
		return "Unknown"
	}
}
