package instruction

import "github.com/google/uuid"

// RegisterWarehouse registers a receipt issuer for a market. The market
// admin signs; Operator is the warehouse identity receiving the mint
// capability.
type RegisterWarehouse struct {
	Header
	Operator uuid.UUID
}

func (i *RegisterWarehouse) Type() Type { return TypeRegisterWarehouse }

// MintReceipt issues receipt units against goods in custody. Signer must be
// the warehouse operator.
type MintReceipt struct {
	Header
	Operator  uuid.UUID
	Recipient uuid.UUID
	Quantity  int64
}

func (i *MintReceipt) Type() Type { return TypeMintReceipt }

// BurnReceipt retires receipt units on redemption. Signer must own the
// receipts.
type BurnReceipt struct {
	Header
	Operator uuid.UUID
	Quantity int64
}

func (i *BurnReceipt) Type() Type { return TypeBurnReceipt }
