package vault_test

import (
	"ForwardClear/internal/vault"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func fundedParty(t *testing.T, l *vault.MemoryLedger, assetID vault.AssetID, amount int64) (uuid.UUID, vault.Authority) {
	t.Helper()
	party := uuid.New()
	auth := vault.GrantAuthority(party)

	batch := onRampBatch(party, auth, assetID, amount)
	if err := l.ApplyBatch(batch); err != nil {
		t.Fatalf("on-ramp failed: %v", err)
	}
	return party, auth
}

func onRampBatch(party uuid.UUID, auth vault.Authority, assetID vault.AssetID, amount int64) *vault.Batch {
	batchID := uuid.New()
	return &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  vault.NewPartyVault(party, assetID),
			CreditAccount: vault.NewSettlementBoundaryVault(assetID),
			AssetID:       assetID,
			Amount:        amount,
			Kind:          vault.KindAdjustment,
			Authority:     auth,
		}},
	}
}

// ============================================================================
// Test: VaultKey
// ============================================================================

func TestVaultKey_PartyPath(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	party := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	path := vault.NewPartyVault(party, assetID).VaultPath()
	want := "party:550e8400-e29b-41d4-a716-446655440000:funding:USDC"
	if path != want {
		t.Errorf("got %q, want %q", path, want)
	}
}

func TestVaultKey_ExternalPath(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("WR-COFFEE")

	path := vault.NewMintBoundaryVault(assetID).VaultPath()
	if path != "external:mint:WR-COFFEE" {
		t.Errorf("got %q, want %q", path, "external:mint:WR-COFFEE")
	}
}

func TestRegisterAsset_Idempotent(t *testing.T) {
	vault.ResetAssetsForTest()
	a := vault.RegisterAsset("USDC")
	b := vault.RegisterAsset("USDC")
	if a != b {
		t.Errorf("re-registration changed ID: %d vs %d", a, b)
	}
}

func TestDeriveEntity_Stable(t *testing.T) {
	a := vault.DeriveEntity([]byte("deal"), []byte("m1"), []byte("42"))
	b := vault.DeriveEntity([]byte("deal"), []byte("m1"), []byte("42"))
	c := vault.DeriveEntity([]byte("deal"), []byte("m1"), []byte("43"))
	if a != b {
		t.Error("same parts must derive the same entity")
	}
	if a == c {
		t.Error("different parts must derive different entities")
	}
}

// ============================================================================
// Test: Authority
// ============================================================================

func TestAuthority_Covers(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	party := uuid.New()
	auth := vault.GrantAuthority(party)

	if !auth.Covers(vault.NewPartyVault(party, assetID)) {
		t.Error("authority should cover its own entity's vault")
	}
	if auth.Covers(vault.NewPartyVault(uuid.New(), assetID)) {
		t.Error("authority should not cover another entity's vault")
	}
}

func TestAuthority_ForgedTokenRejected(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	l := vault.NewMemoryLedger()
	party, _ := fundedParty(t, l, assetID, 1_000000)

	// A zero-value Authority claims the entity but has no derived token.
	forged := vault.Authority{Entity: party}
	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  vault.NewPartyVault(uuid.New(), assetID),
			CreditAccount: vault.NewPartyVault(party, assetID),
			AssetID:       assetID,
			Amount:        1,
			Authority:     forged,
		}},
	}

	if err := l.ApplyBatch(batch); !errors.Is(err, vault.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for forged authority, got %v", err)
	}
}

// ============================================================================
// Test: MemoryLedger batch application
// ============================================================================

func TestApplyBatch_MovesBalance(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	l := vault.NewMemoryLedger()
	party, auth := fundedParty(t, l, assetID, 500_000)

	dealEntity := vault.DeriveEntity([]byte("deal"), []byte("1"))
	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  vault.NewDealVault(dealEntity, vault.SubTypeLongMargin, assetID),
			CreditAccount: vault.NewPartyVault(party, assetID),
			AssetID:       assetID,
			Amount:        300_000,
			Kind:          vault.KindMarginFund,
			Authority:     auth,
		}},
	}

	if err := l.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := l.BalanceOf(vault.NewPartyVault(party, assetID)); got != 200_000 {
		t.Errorf("party balance: got %d, want 200_000", got)
	}
	if got := l.BalanceOf(vault.NewDealVault(dealEntity, vault.SubTypeLongMargin, assetID)); got != 300_000 {
		t.Errorf("deal vault: got %d, want 300_000", got)
	}
}

func TestApplyBatch_InsufficientFailsWholeBatch(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	l := vault.NewMemoryLedger()
	party, auth := fundedParty(t, l, assetID, 100)

	dealEntity := vault.DeriveEntity([]byte("deal"), []byte("1"))
	dest := vault.NewDealVault(dealEntity, vault.SubTypeLongMargin, assetID)
	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  dest,
				CreditAccount: vault.NewPartyVault(party, assetID),
				AssetID:       assetID,
				Amount:        60,
				Authority:     auth,
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  dest,
				CreditAccount: vault.NewPartyVault(party, assetID),
				AssetID:       assetID,
				Amount:        60, // second leg overdraws
				Authority:     auth,
			},
		},
	}

	if err := l.ApplyBatch(batch); !errors.Is(err, vault.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// No leg applied: balances unchanged.
	if got := l.BalanceOf(vault.NewPartyVault(party, assetID)); got != 100 {
		t.Errorf("party balance mutated on failed batch: got %d, want 100", got)
	}
	if got := l.BalanceOf(dest); got != 0 {
		t.Errorf("dest balance mutated on failed batch: got %d, want 0", got)
	}
}

func TestApplyBatch_LaterLegSeesEarlierLeg(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	l := vault.NewMemoryLedger()
	party, auth := fundedParty(t, l, assetID, 100)

	mid := uuid.New()
	midAuth := vault.GrantAuthority(mid)
	final := uuid.New()

	// party -> mid -> final within one batch: second leg funded by the first.
	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  vault.NewPartyVault(mid, assetID),
				CreditAccount: vault.NewPartyVault(party, assetID),
				AssetID:       assetID,
				Amount:        100,
				Authority:     auth,
			},
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  vault.NewPartyVault(final, assetID),
				CreditAccount: vault.NewPartyVault(mid, assetID),
				AssetID:       assetID,
				Amount:        100,
				Authority:     midAuth,
			},
		},
	}

	if err := l.ApplyBatch(batch); err != nil {
		t.Fatalf("chained batch failed: %v", err)
	}
	if got := l.BalanceOf(vault.NewPartyVault(final, assetID)); got != 100 {
		t.Errorf("final balance: got %d, want 100", got)
	}
}

func TestApplyBatch_ZeroSum(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	l := vault.NewMemoryLedger()
	party, auth := fundedParty(t, l, assetID, 1_000_000)

	dealEntity := vault.DeriveEntity([]byte("deal"), []byte("7"))
	batchID := uuid.New()
	batch := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  vault.NewDealVault(dealEntity, vault.SubTypeShortMargin, assetID),
			CreditAccount: vault.NewPartyVault(party, assetID),
			AssetID:       assetID,
			Amount:        250_000,
			Authority:     auth,
		}},
	}
	if err := l.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	for asset, total := range l.ComputeGlobalBalance() {
		if total != 0 {
			t.Errorf("asset %d has non-zero global balance: %d", asset, total)
		}
	}
}

// ============================================================================
// Test: mint delegation
// ============================================================================

func TestMint_RequiresDelegation(t *testing.T) {
	vault.ResetAssetsForTest()
	receiptID := vault.RegisterAsset("WR-COFFEE")
	l := vault.NewMemoryLedger()

	warehouse := vault.DeriveEntity([]byte("warehouse"), []byte("w1"))
	warehouseAuth := vault.GrantAuthority(warehouse)
	recipient := uuid.New()

	mintBatch := func() *vault.Batch {
		batchID := uuid.New()
		return &vault.Batch{
			BatchID: batchID,
			Journals: []vault.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  vault.NewPartyVault(recipient, receiptID),
				CreditAccount: vault.NewMintBoundaryVault(receiptID),
				AssetID:       receiptID,
				Amount:        50,
				Kind:          vault.KindReceiptMint,
				Authority:     warehouseAuth,
			}},
		}
	}

	// Before delegation: rejected.
	if err := l.ApplyBatch(mintBatch()); !errors.Is(err, vault.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before delegation, got %v", err)
	}

	if err := l.DelegateMint(receiptID, warehouse); err != nil {
		t.Fatalf("DelegateMint failed: %v", err)
	}

	if err := l.ApplyBatch(mintBatch()); err != nil {
		t.Fatalf("mint after delegation failed: %v", err)
	}
	if got := l.BalanceOf(vault.NewPartyVault(recipient, receiptID)); got != 50 {
		t.Errorf("recipient receipts: got %d, want 50", got)
	}
	// Outstanding supply shows as negative boundary balance.
	if got := l.BalanceOf(vault.NewMintBoundaryVault(receiptID)); got != -50 {
		t.Errorf("mint boundary: got %d, want -50", got)
	}
}

func TestDelegateMint_Irrevocable(t *testing.T) {
	vault.ResetAssetsForTest()
	receiptID := vault.RegisterAsset("WR-COFFEE")
	l := vault.NewMemoryLedger()

	w1 := vault.DeriveEntity([]byte("warehouse"), []byte("w1"))
	w2 := vault.DeriveEntity([]byte("warehouse"), []byte("w2"))

	if err := l.DelegateMint(receiptID, w1); err != nil {
		t.Fatalf("first delegation failed: %v", err)
	}
	if err := l.DelegateMint(receiptID, w2); !errors.Is(err, vault.ErrMintDelegated) {
		t.Errorf("expected ErrMintDelegated, got %v", err)
	}
}

// ============================================================================
// Test: batch validation
// ============================================================================

func TestBatchValidate_Rejects(t *testing.T) {
	vault.ResetAssetsForTest()
	assetID := vault.RegisterAsset("USDC")
	otherID := vault.RegisterAsset("WR-COFFEE")
	party := uuid.New()
	batchID := uuid.New()

	empty := &vault.Batch{BatchID: batchID}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}

	self := vault.NewPartyVault(party, assetID)
	selfTransfer := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID: uuid.New(), BatchID: batchID,
			DebitAccount: self, CreditAccount: self,
			AssetID: assetID, Amount: 1,
		}},
	}
	if err := selfTransfer.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}

	crossAsset := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID: uuid.New(), BatchID: batchID,
			DebitAccount:  vault.NewPartyVault(party, otherID),
			CreditAccount: vault.NewPartyVault(uuid.New(), assetID),
			AssetID:       assetID, Amount: 1,
		}},
	}
	if err := crossAsset.Validate(); err == nil {
		t.Error("asset mismatch should fail validation")
	}

	negative := &vault.Batch{
		BatchID: batchID,
		Journals: []vault.Journal{{
			JournalID: uuid.New(), BatchID: batchID,
			DebitAccount:  vault.NewPartyVault(party, assetID),
			CreditAccount: vault.NewPartyVault(uuid.New(), assetID),
			AssetID:       assetID, Amount: -5,
		}},
	}
	if err := negative.Validate(); err == nil {
		t.Error("negative amount should fail validation")
	}
}
