package instruction

import "github.com/google/uuid"

// InitMarket creates a market. Signer becomes the market admin.
type InitMarket struct {
	Header
	Governance           uuid.UUID
	Oracle               uuid.UUID
	CollateralAsset      string
	ReceiptAsset         string
	PriceExponent        int32
	FeeBps               int64
	BaseInitialMarginBps int64
	MaintenanceMarginBps int64
	VolMultiplierBps     int64
	LastVolBps           int64
}

func (i *InitMarket) Type() Type { return TypeInitMarket }

// PostPrice carries an oracle settlement price and volatility reading.
// VolBps < 0 means "no reading, keep the current one".
type PostPrice struct {
	Header
	Price         int64
	PriceExponent int32
	VolBps        int64
}

func (i *PostPrice) Type() Type { return TypePostPrice }

// AddAllowedCollateral lists an extra margin deposit asset.
type AddAllowedCollateral struct {
	Header
	Asset string
}

func (i *AddAllowedCollateral) Type() Type { return TypeAddAllowedCollateral }

// RemoveAllowedCollateral delists a margin deposit asset.
type RemoveAllowedCollateral struct {
	Header
	Asset string
}

func (i *RemoveAllowedCollateral) Type() Type { return TypeRemoveAllowedCollateral }

// PauseMarket halts deal opening and collateral-list changes. Idempotent.
type PauseMarket struct {
	Header
}

func (i *PauseMarket) Type() Type { return TypePauseMarket }

// UnpauseMarket lifts a pause. Idempotent.
type UnpauseMarket struct {
	Header
}

func (i *UnpauseMarket) Type() Type { return TypeUnpauseMarket }

// SetStrategyOperator designates the yield-parking delegate.
type SetStrategyOperator struct {
	Header
	Operator uuid.UUID
}

func (i *SetStrategyOperator) Type() Type { return TypeSetStrategyOperator }

// ExternalFund credits a party funding vault from the external on-ramp
// boundary. This is the bridge attestation input, not a user operation.
type ExternalFund struct {
	Header
	Party  uuid.UUID
	Asset  string
	Amount int64
}

func (i *ExternalFund) Type() Type { return TypeExternalFund }
