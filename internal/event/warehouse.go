package event

import "github.com/google/uuid"

// WarehouseRegistered records a receipt issuer registration and the mint
// capability handoff.
type WarehouseRegistered struct {
	Operator     uuid.UUID `json:"operator"`
	ReceiptAsset string    `json:"receipt_asset"`
}

// ReceiptMinted records receipt issuance against custody.
type ReceiptMinted struct {
	Operator    uuid.UUID `json:"operator"`
	Recipient   uuid.UUID `json:"recipient"`
	Quantity    int64     `json:"quantity"`
	TotalMinted int64     `json:"total_minted"`
}

// ReceiptBurned records receipt retirement on redemption.
type ReceiptBurned struct {
	Owner    uuid.UUID `json:"owner"`
	Quantity int64     `json:"quantity"`
}
