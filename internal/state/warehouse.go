package state

import (
	"sort"

	"github.com/google/uuid"

	"ForwardClear/internal/vault"
)

// Warehouse is a registered receipt issuer for a market. Exactly one
// warehouse record exists per (market, operator) pair; its capability is the
// only thing that can mint the market's receipt asset through this record.
type Warehouse struct {
	MarketID string
	Operator uuid.UUID

	ReceiptAsset vault.AssetID

	// TotalMinted is the cumulative receipt units issued through this
	// warehouse, for the query surface.
	TotalMinted int64

	Version int64

	entity    [16]byte
	authority vault.Authority
}

// Entity returns the warehouse's vault entity.
func (w *Warehouse) Entity() [16]byte { return w.entity }

// Authority returns the mint capability for this warehouse.
func (w *Warehouse) Authority() vault.Authority { return w.authority }

// Clone returns an independent copy of the warehouse for snapshot capture.
func (w *Warehouse) Clone() *Warehouse {
	out := *w
	return &out
}

// BoundaryVault returns the external mint boundary for receipt issuance.
func (w *Warehouse) BoundaryVault() vault.VaultKey {
	return vault.NewMintBoundaryVault(w.ReceiptAsset)
}

// RecordMint bumps the cumulative issuance counter.
func (w *Warehouse) RecordMint(quantity int64) {
	w.TotalMinted += quantity
	w.Version++
}

// WarehouseKey identifies a warehouse registration.
type WarehouseKey struct {
	MarketID string
	Operator uuid.UUID
}

// WarehouseManager holds all warehouse registrations.
type WarehouseManager struct {
	warehouses map[WarehouseKey]*Warehouse
}

func NewWarehouseManager() *WarehouseManager {
	return &WarehouseManager{warehouses: make(map[WarehouseKey]*Warehouse)}
}

// Create registers a warehouse for (market, operator).
func (wm *WarehouseManager) Create(w *Warehouse) error {
	key := WarehouseKey{MarketID: w.MarketID, Operator: w.Operator}
	if _, ok := wm.warehouses[key]; ok {
		return ErrWarehouseExists
	}
	w.entity = vault.DeriveEntity([]byte("warehouse"), []byte(w.MarketID), w.Operator[:])
	w.authority = vault.GrantAuthority(w.entity)
	wm.warehouses[key] = w
	return nil
}

// Get returns a warehouse or ErrWarehouseNotFound.
func (wm *WarehouseManager) Get(marketID string, operator uuid.UUID) (*Warehouse, error) {
	w, ok := wm.warehouses[WarehouseKey{MarketID: marketID, Operator: operator}]
	if !ok {
		return nil, ErrWarehouseNotFound
	}
	return w, nil
}

// All returns every warehouse in deterministic order.
func (wm *WarehouseManager) All() []*Warehouse {
	out := make([]*Warehouse, 0, len(wm.warehouses))
	for _, w := range wm.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Operator.String() < out[j].Operator.String()
	})
	return out
}

// Restore reinstalls a warehouse during snapshot recovery.
func (wm *WarehouseManager) Restore(w *Warehouse) {
	w.entity = vault.DeriveEntity([]byte("warehouse"), []byte(w.MarketID), w.Operator[:])
	w.authority = vault.GrantAuthority(w.entity)
	wm.warehouses[WarehouseKey{MarketID: w.MarketID, Operator: w.Operator}] = w
}
