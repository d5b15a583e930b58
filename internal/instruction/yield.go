package instruction

// YieldPark moves deal margin into the deal's strategy vault. Signer must be
// the market's strategy operator.
type YieldPark struct {
	Header
	DealID uint64
	Long   bool
	Amount int64
}

func (i *YieldPark) Type() Type { return TypeYieldPark }

// YieldUnpark returns parked collateral to the side's margin vault.
type YieldUnpark struct {
	Header
	DealID uint64
	Long   bool
	Amount int64
}

func (i *YieldUnpark) Type() Type { return TypeYieldUnpark }
