package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientBalance means a source vault cannot cover its leg. The
	// ledger fails closed: no leg of the batch is applied.
	ErrInsufficientBalance = errors.New("insufficient vault balance")

	// ErrUnauthorized means a journal's authority does not cover its source
	// vault (or mint delegation for receipt issuance).
	ErrUnauthorized = errors.New("vault authority mismatch")

	// ErrMintDelegated means a second mint delegation was attempted for an
	// asset; delegation is irrevocable.
	ErrMintDelegated = errors.New("mint authority already delegated")
)

// Ledger is the asset-transfer capability the clearing engine consumes. All
// balance mutation goes through ApplyBatch; the engine never writes balances
// directly.
type Ledger interface {
	ApplyBatch(batch *Batch) error
	BalanceOf(key VaultKey) int64
}

// MemoryLedger is the in-process Ledger: a double-entry balance map with
// two-phase batch application. Phase one verifies every leg (authority,
// solvency in simulated order); phase two applies. A failed verification
// leaves every balance untouched, so a batch commits atomically or not at all.
//
// Not thread-safe: only the single-threaded core touches it.
type MemoryLedger struct {
	balances map[VaultKey]int64

	// mintAuthority maps a receipt asset to the entity holding its mint
	// delegation. Set once per asset; there is no revocation.
	mintAuthority map[AssetID][16]byte
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:      make(map[VaultKey]int64),
		mintAuthority: make(map[AssetID][16]byte),
	}
}

// DelegateMint hands the mint capability for an asset to an entity
// (warehouse certification). Fails if the asset is already delegated.
func (l *MemoryLedger) DelegateMint(assetID AssetID, entity [16]byte) error {
	if _, ok := l.mintAuthority[assetID]; ok {
		return fmt.Errorf("%w: asset %d", ErrMintDelegated, assetID)
	}
	l.mintAuthority[assetID] = entity
	return nil
}

// MintDelegate returns the entity holding an asset's mint capability.
func (l *MemoryLedger) MintDelegate(assetID AssetID) ([16]byte, bool) {
	e, ok := l.mintAuthority[assetID]
	return e, ok
}

// ApplyBatch verifies then applies every journal in the batch.
func (l *MemoryLedger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	// Phase 1: simulate, accumulating deltas so a later leg sees the effect
	// of earlier legs in the same batch.
	deltas := make(map[VaultKey]int64)
	for _, j := range batch.Journals {
		if err := l.authorize(j); err != nil {
			return err
		}

		if j.CreditAccount.Scope != ScopeExternal {
			available := l.balances[j.CreditAccount] + deltas[j.CreditAccount]
			if available < j.Amount {
				return fmt.Errorf("%w: vault %s has %d, needs %d",
					ErrInsufficientBalance, j.CreditAccount.VaultPath(), available, j.Amount)
			}
		}

		deltas[j.CreditAccount] -= j.Amount
		deltas[j.DebitAccount] += j.Amount
	}

	// Phase 2: apply.
	for key, delta := range deltas {
		l.balances[key] += delta
	}

	return nil
}

func (l *MemoryLedger) authorize(j Journal) error {
	if j.Kind == KindReceiptMint {
		// Minting sources from the external boundary; the presented authority
		// must hold the asset's mint delegation instead of owning the source.
		delegate, ok := l.mintAuthority[j.AssetID]
		if !ok || !j.Authority.valid() || j.Authority.Entity != delegate {
			return fmt.Errorf("%w: mint of asset %d", ErrUnauthorized, j.AssetID)
		}
		return nil
	}

	if j.CreditAccount.Scope == ScopeExternal {
		// External boundary debits (party on-ramp) carry the receiving
		// party's authority by convention; nothing on this side to own.
		return nil
	}

	if !j.Authority.Covers(j.CreditAccount) {
		return fmt.Errorf("%w: vault %s", ErrUnauthorized, j.CreditAccount.VaultPath())
	}
	return nil
}

// BalanceOf returns the current balance for a vault.
func (l *MemoryLedger) BalanceOf(key VaultKey) int64 {
	return l.balances[key]
}

// SetBalance overwrites a balance during snapshot restore.
func (l *MemoryLedger) SetBalance(key VaultKey, balance int64) {
	l.balances[key] = balance
}

// RestoreMintDelegate replays a mint delegation during snapshot restore.
func (l *MemoryLedger) RestoreMintDelegate(assetID AssetID, entity [16]byte) {
	l.mintAuthority[assetID] = entity
}

// ComputeGlobalBalance sums all vault balances per asset. The ledger is
// zero-sum: internal holdings are offset by the external boundary vaults.
func (l *MemoryLedger) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)
	for key, balance := range l.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances (for state capture and hashing).
func (l *MemoryLedger) Snapshot() map[VaultKey]int64 {
	snapshot := make(map[VaultKey]int64, len(l.balances))
	for k, v := range l.balances {
		snapshot[k] = v
	}
	return snapshot
}

// MintDelegates returns a copy of the delegation table (for snapshots).
func (l *MemoryLedger) MintDelegates() map[AssetID][16]byte {
	out := make(map[AssetID][16]byte, len(l.mintAuthority))
	for k, v := range l.mintAuthority {
		out[k] = v
	}
	return out
}
