package instruction

import "github.com/google/uuid"

// OpenDeal books a bilateral forward. Both counterparties' funding vaults
// are debited for initial margin in one batch, so both must have signed:
// Signer and CoSigner are the gateway-authenticated parties, and together
// they must cover Long and Short exactly.
type OpenDeal struct {
	Header
	DealID          uint64
	DealVersion     int32 // Engine schema version the caller built against
	CoSigner        uuid.UUID
	Long            uuid.UUID
	Short           uuid.UUID
	CollateralAsset string
	StrikePrice     int64
	Quantity        int64
	SettleAt        int64 // Unix micros
	Physical        bool
	InitialLong     int64
	InitialShort    int64
}

func (i *OpenDeal) Type() Type { return TypeOpenDeal }

// DepositMargin tops up one side's margin vault from the signer's funding
// vault.
type DepositMargin struct {
	Header
	DealID uint64
	Long   bool // Which side to credit; signer must be that party
	Amount int64
}

func (i *DepositMargin) Type() Type { return TypeDepositMargin }

// FreezeDeal halts a deal. Admin only.
type FreezeDeal struct {
	Header
	DealID uint64
}

func (i *FreezeDeal) Type() Type { return TypeFreezeDeal }

// UnfreezeDeal lifts a freeze. Admin only.
type UnfreezeDeal struct {
	Header
	DealID uint64
}

func (i *UnfreezeDeal) Type() Type { return TypeUnfreezeDeal }

// SettleCash settles a cash deal against the market's posted price.
type SettleCash struct {
	Header
	DealID uint64
}

func (i *SettleCash) Type() Type { return TypeSettleCash }

// SettlePhysical delivers the full receipt quantity against strike payment.
type SettlePhysical struct {
	Header
	DealID uint64
}

func (i *SettlePhysical) Type() Type { return TypeSettlePhysical }

// SettlePartialPhysical delivers part of the receipt quantity. At zero
// remaining, the deal settles fully.
type SettlePartialPhysical struct {
	Header
	DealID uint64
	Amount int64 // Receipt units to deliver
}

func (i *SettlePartialPhysical) Type() Type { return TypeSettlePartialPhysical }
