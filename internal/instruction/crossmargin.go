package instruction

// CrossMarginCreate opens a pooled collateral account for the signer.
type CrossMarginCreate struct {
	Header
	CollateralAsset string
}

func (i *CrossMarginCreate) Type() Type { return TypeCrossMarginCreate }

// CrossMarginDeposit moves funding collateral into the signer's pool.
type CrossMarginDeposit struct {
	Header
	CollateralAsset string
	Amount          int64
}

func (i *CrossMarginDeposit) Type() Type { return TypeCrossMarginDeposit }

// CrossMarginWithdraw moves pool collateral back to the signer's funding
// vault.
type CrossMarginWithdraw struct {
	Header
	CollateralAsset string
	Amount          int64
}

func (i *CrossMarginWithdraw) Type() Type { return TypeCrossMarginWithdraw }

// CrossMarginMoveToDeal tops up a deal margin vault from the signer's pool.
// The signer must be both the pool owner and the named side's party.
type CrossMarginMoveToDeal struct {
	Header
	DealID uint64
	Long   bool
	Amount int64
}

func (i *CrossMarginMoveToDeal) Type() Type { return TypeCrossMarginMoveToDeal }

// CrossMarginMoveFromDeal releases deal margin back into the signer's pool.
type CrossMarginMoveFromDeal struct {
	Header
	DealID uint64
	Long   bool
	Amount int64
}

func (i *CrossMarginMoveFromDeal) Type() Type { return TypeCrossMarginMoveFromDeal }
