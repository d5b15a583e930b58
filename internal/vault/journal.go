package vault

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalKind represents the purpose of a journal entry
type JournalKind int32

const (
	KindMarginFund JournalKind = iota
	KindMarginDeposit
	KindMarginReturn
	KindSettlementPnL
	KindSettlementFee
	KindSettlementDelivery
	KindSettlementPayment
	KindPoolDeposit
	KindPoolWithdraw
	KindPoolMove
	KindYieldPark
	KindYieldUnpark
	KindReceiptMint
	KindReceiptBurn
	KindAdjustment
)

func (k JournalKind) String() string {
	switch k {
	case KindMarginFund:
		return "margin_fund"
	case KindMarginDeposit:
		return "margin_deposit"
	case KindMarginReturn:
		return "margin_return"
	case KindSettlementPnL:
		return "settlement_pnl"
	case KindSettlementFee:
		return "settlement_fee"
	case KindSettlementDelivery:
		return "settlement_delivery"
	case KindSettlementPayment:
		return "settlement_payment"
	case KindPoolDeposit:
		return "pool_deposit"
	case KindPoolWithdraw:
		return "pool_withdraw"
	case KindPoolMove:
		return "pool_move"
	case KindYieldPark:
		return "yield_park"
	case KindYieldUnpark:
		return "yield_unpark"
	case KindReceiptMint:
		return "receipt_mint"
	case KindReceiptBurn:
		return "receipt_burn"
	case KindAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer: Amount moves from CreditAccount
// (source, balance decreases) to DebitAccount (destination, balance
// increases). The authority must cover the source vault — or, for receipt
// mints, hold the asset's mint delegation.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // Idempotency key of the source instruction
	Sequence      int64  // Global instruction sequence
	DebitAccount  VaultKey
	CreditAccount VaultKey
	AssetID       AssetID
	Amount        int64 // Fixed-point amount, always positive
	Kind          JournalKind
	Authority     Authority
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch groups the journal entries of one instruction. Either every entry
// applies or none do.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry is balanced by
// construction (one positive amount, one source, one destination), so
// Σ debits == Σ credits holds per-entry; multi-leg instructions carry
// multiple entries under one batch ID.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit vault", j.JournalID)
		}
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves asset %d between vaults keyed %d/%d",
				j.JournalID, j.AssetID, j.CreditAccount.AssetID, j.DebitAccount.AssetID)
		}
	}

	return nil
}
