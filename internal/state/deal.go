package state

import (
	"encoding/binary"
	"sort"

	"github.com/google/uuid"

	"ForwardClear/internal/fpmath"
	"ForwardClear/internal/vault"
)

// DealSchemaVersion is stamped into every deal record. Instructions that
// mutate a deal carry the version they were built against and are rejected
// on mismatch.
const DealSchemaVersion = 1

// Side identifies a deal counterparty.
type Side int8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	if s == SideLong {
		return "long"
	}
	return "short"
}

// SettlementKind fixes how a deal settles at open time.
type SettlementKind int8

const (
	SettleCash SettlementKind = iota
	SettlePhysical
)

func (k SettlementKind) String() string {
	if k == SettleCash {
		return "cash"
	}
	return "physical"
}

// Deal is a bilateral forward on warehouse receipt units. Margin balances
// recorded here mirror the deal's margin vaults; the vault ledger is the
// source of truth and the recorded figures are the margin-sufficiency view.
type Deal struct {
	MarketID string
	DealID   uint64

	Long  uuid.UUID
	Short uuid.UUID

	CollateralAsset vault.AssetID
	ReceiptAsset    vault.AssetID

	StrikePrice   int64
	PriceExponent int32
	Quantity      int64
	SettleAt      int64
	Kind          SettlementKind
	FeeBps        int64

	LongMargin  int64
	ShortMargin int64

	// RemainingQuantity tracks undelivered receipt units across partial
	// physical settlements. Starts equal to Quantity.
	RemainingQuantity int64

	Settled bool
	Frozen  bool

	SchemaVersion int32
	Version       int64

	entity    [16]byte
	authority vault.Authority
}

// Party returns the counterparty on the given side.
func (d *Deal) Party(side Side) uuid.UUID {
	if side == SideLong {
		return d.Long
	}
	return d.Short
}

// SideOf returns which side of the deal the signer holds, if any.
func (d *Deal) SideOf(signer uuid.UUID) (Side, bool) {
	switch signer {
	case d.Long:
		return SideLong, true
	case d.Short:
		return SideShort, true
	}
	return 0, false
}

// MarginVault returns the margin vault for one side of the deal.
func (d *Deal) MarginVault(side Side) vault.VaultKey {
	sub := vault.SubTypeLongMargin
	if side == SideShort {
		sub = vault.SubTypeShortMargin
	}
	return vault.NewDealVault(d.entity, sub, d.CollateralAsset)
}

// StrategyVault returns the deal's yield parking vault.
func (d *Deal) StrategyVault() vault.VaultKey {
	return vault.NewDealVault(d.entity, vault.SubTypeStrategy, d.CollateralAsset)
}

// RecordedMargin returns the recorded margin for one side.
func (d *Deal) RecordedMargin(side Side) int64 {
	if side == SideLong {
		return d.LongMargin
	}
	return d.ShortMargin
}

// AddMargin increases the recorded margin for one side with overflow checks.
func (d *Deal) AddMargin(side Side, amount int64) error {
	cur := d.RecordedMargin(side)
	next, err := fpmath.CheckedAdd(cur, amount)
	if err != nil {
		return err
	}
	d.setMargin(side, next)
	return nil
}

// SubMargin decreases the recorded margin for one side. Going below zero is
// a consistency violation, not a balance problem, so it maps to
// ErrMarginUnderflow rather than an insufficiency error.
func (d *Deal) SubMargin(side Side, amount int64) error {
	cur := d.RecordedMargin(side)
	if amount > cur {
		return ErrMarginUnderflow
	}
	d.setMargin(side, cur-amount)
	return nil
}

func (d *Deal) setMargin(side Side, v int64) {
	if side == SideLong {
		d.LongMargin = v
	} else {
		d.ShortMargin = v
	}
	d.Version++
}

// Entity returns the deal's vault entity.
func (d *Deal) Entity() [16]byte { return d.entity }

// Authority returns the capability covering the deal's vaults.
func (d *Deal) Authority() vault.Authority { return d.authority }

// Clone returns an independent copy of the deal for snapshot capture.
func (d *Deal) Clone() *Deal {
	out := *d
	return &out
}

// Snapshot is the immutable view of a deal's economic terms taken at
// settlement time. Settlement math reads only from the snapshot so that no
// mid-settlement mutation can change the outcome.
type Snapshot struct {
	StrikePrice   int64
	PriceExponent int32
	Quantity      int64
	Remaining     int64
	FeeBps        int64
	LongMargin    int64
	ShortMargin   int64
	Kind          SettlementKind
	SettleAt      int64
}

// Snapshot captures the deal's settlement-relevant fields.
func (d *Deal) Snapshot() Snapshot {
	return Snapshot{
		StrikePrice:   d.StrikePrice,
		PriceExponent: d.PriceExponent,
		Quantity:      d.Quantity,
		Remaining:     d.RemainingQuantity,
		FeeBps:        d.FeeBps,
		LongMargin:    d.LongMargin,
		ShortMargin:   d.ShortMargin,
		Kind:          d.Kind,
		SettleAt:      d.SettleAt,
	}
}

// DeriveDealEntity computes the vault entity for a deal.
func DeriveDealEntity(marketID string, dealID uint64) [16]byte {
	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], dealID)
	return vault.DeriveEntity([]byte("deal"), []byte(marketID), idBytes[:])
}

// DealKey identifies a deal within the manager.
type DealKey struct {
	MarketID string
	DealID   uint64
}

// DealManager holds all deals keyed by market and deal ID.
type DealManager struct {
	deals map[DealKey]*Deal
}

func NewDealManager() *DealManager {
	return &DealManager{deals: make(map[DealKey]*Deal)}
}

// Create registers a new deal and derives its entity and authority.
func (dm *DealManager) Create(d *Deal) error {
	key := DealKey{MarketID: d.MarketID, DealID: d.DealID}
	if _, ok := dm.deals[key]; ok {
		return ErrDealExists
	}
	if d.Quantity <= 0 {
		return ErrZeroQuantity
	}
	d.RemainingQuantity = d.Quantity
	d.SchemaVersion = DealSchemaVersion
	d.entity = DeriveDealEntity(d.MarketID, d.DealID)
	d.authority = vault.GrantAuthority(d.entity)
	dm.deals[key] = d
	return nil
}

// Get returns a deal or ErrDealNotFound.
func (dm *DealManager) Get(marketID string, dealID uint64) (*Deal, error) {
	d, ok := dm.deals[DealKey{MarketID: marketID, DealID: dealID}]
	if !ok {
		return nil, ErrDealNotFound
	}
	return d, nil
}

// ForMarket returns a market's deals sorted by deal ID.
func (dm *DealManager) ForMarket(marketID string) []*Deal {
	out := make([]*Deal, 0)
	for k, d := range dm.deals {
		if k.MarketID == marketID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DealID < out[j].DealID })
	return out
}

// All returns every deal sorted by market and deal ID.
func (dm *DealManager) All() []*Deal {
	out := make([]*Deal, 0, len(dm.deals))
	for _, d := range dm.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].DealID < out[j].DealID
	})
	return out
}

// Restore reinstalls a deal during snapshot recovery, rederiving its entity
// and authority.
func (dm *DealManager) Restore(d *Deal) {
	d.entity = DeriveDealEntity(d.MarketID, d.DealID)
	d.authority = vault.GrantAuthority(d.entity)
	dm.deals[DealKey{MarketID: d.MarketID, DealID: d.DealID}] = d
}
