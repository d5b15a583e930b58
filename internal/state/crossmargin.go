package state

import (
	"sort"

	"github.com/google/uuid"

	"ForwardClear/internal/vault"
)

// CrossMarginAccount pools collateral for one owner across the deals of one
// market. The pool vault is the source of truth; Balance mirrors it for the
// query surface.
type CrossMarginAccount struct {
	MarketID string
	Owner    uuid.UUID
	Asset    vault.AssetID

	Balance int64

	Version int64

	entity    [16]byte
	authority vault.Authority
}

// PoolVault returns the account's collateral vault.
func (c *CrossMarginAccount) PoolVault() vault.VaultKey {
	return vault.NewPoolVault(c.entity, c.Asset)
}

// Entity returns the account's vault entity.
func (c *CrossMarginAccount) Entity() [16]byte { return c.entity }

// Authority returns the capability covering the pool vault.
func (c *CrossMarginAccount) Authority() vault.Authority { return c.authority }

// Clone returns an independent copy of the account for snapshot capture.
func (c *CrossMarginAccount) Clone() *CrossMarginAccount {
	out := *c
	return &out
}

// Credit increases the mirrored balance.
func (c *CrossMarginAccount) Credit(amount int64) {
	c.Balance += amount
	c.Version++
}

// Debit decreases the mirrored balance; the vault ledger enforces solvency
// so a shortfall here is a consistency violation.
func (c *CrossMarginAccount) Debit(amount int64) error {
	if amount > c.Balance {
		return ErrConstraintMismatch
	}
	c.Balance -= amount
	c.Version++
	return nil
}

// PoolKey identifies a cross-margin account.
type PoolKey struct {
	MarketID string
	Owner    uuid.UUID
	Asset    vault.AssetID
}

// CrossMarginManager holds all cross-margin accounts.
type CrossMarginManager struct {
	pools map[PoolKey]*CrossMarginAccount
}

func NewCrossMarginManager() *CrossMarginManager {
	return &CrossMarginManager{pools: make(map[PoolKey]*CrossMarginAccount)}
}

// Create registers a new account for (market, owner, asset).
func (cm *CrossMarginManager) Create(c *CrossMarginAccount) error {
	key := PoolKey{MarketID: c.MarketID, Owner: c.Owner, Asset: c.Asset}
	if _, ok := cm.pools[key]; ok {
		return ErrPoolExists
	}
	c.entity = vault.DeriveEntity([]byte("pool"), []byte(c.MarketID), c.Owner[:], assetBytes(c.Asset))
	c.authority = vault.GrantAuthority(c.entity)
	cm.pools[key] = c
	return nil
}

// Get returns an account or ErrPoolNotFound.
func (cm *CrossMarginManager) Get(marketID string, owner uuid.UUID, asset vault.AssetID) (*CrossMarginAccount, error) {
	c, ok := cm.pools[PoolKey{MarketID: marketID, Owner: owner, Asset: asset}]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return c, nil
}

// All returns every account in deterministic order.
func (cm *CrossMarginManager) All() []*CrossMarginAccount {
	out := make([]*CrossMarginAccount, 0, len(cm.pools))
	for _, c := range cm.pools {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.String() < out[j].Owner.String()
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Restore reinstalls an account during snapshot recovery.
func (cm *CrossMarginManager) Restore(c *CrossMarginAccount) {
	c.entity = vault.DeriveEntity([]byte("pool"), []byte(c.MarketID), c.Owner[:], assetBytes(c.Asset))
	c.authority = vault.GrantAuthority(c.entity)
	cm.pools[PoolKey{MarketID: c.MarketID, Owner: c.Owner, Asset: c.Asset}] = c
}

func assetBytes(a vault.AssetID) []byte {
	return []byte{byte(a), byte(a >> 8)}
}
