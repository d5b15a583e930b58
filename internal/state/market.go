package state

import (
	"sort"

	"github.com/google/uuid"

	"ForwardClear/internal/vault"
)

const (
	// MaxFeeBps caps the payout fee at 10%.
	MaxFeeBps = 1_000

	// MaxAllowedCollateral bounds the per-market collateral allow-list.
	MaxAllowedCollateral = 4
)

// SettlementPrice is the latest oracle post for a market. Posts carry their
// own source sequence; a later post always replaces an earlier one.
type SettlementPrice struct {
	Price          int64
	SourceSequence int64
	Timestamp      int64
}

// Market is the administrative root for a family of forward deals. It owns
// the fee vault, the pause switch, the collateral allow-list, and the margin
// parameter set that open_deal and deposit checks read from.
type Market struct {
	MarketID string

	// Admin is the market administrator; Governance may perform the same
	// admin operations. Oracle is the only signer accepted for price posts.
	Admin      uuid.UUID
	Governance uuid.UUID
	Oracle     uuid.UUID

	CollateralAsset vault.AssetID
	ReceiptAsset    vault.AssetID
	PriceExponent   int32

	FeeBps int64

	// Margin parameters, all in basis points of notional.
	BaseInitialMarginBps  int64
	MaintenanceMarginBps  int64
	VolMultiplierBps      int64
	LastVolBps            int64

	Paused bool

	// StrategyOperator, when set, may park and unpark deal margin.
	StrategyOperator *uuid.UUID

	// AllowedCollateral holds extra deposit assets beyond CollateralAsset,
	// which is always implicitly allowed.
	AllowedCollateral []vault.AssetID

	LastPrice *SettlementPrice

	Version int64

	entity    [16]byte
	authority vault.Authority
}

// IsAdministrator reports whether the signer may perform admin operations.
func (m *Market) IsAdministrator(signer uuid.UUID) bool {
	return signer == m.Admin || signer == m.Governance
}

// IsPricePoster reports whether the signer may post settlement prices.
// The oracle and both administrators qualify.
func (m *Market) IsPricePoster(signer uuid.UUID) bool {
	return signer == m.Oracle || m.IsAdministrator(signer)
}

// IsStrategyOperator reports whether the signer may park and unpark margin.
func (m *Market) IsStrategyOperator(signer uuid.UUID) bool {
	return m.StrategyOperator != nil && *m.StrategyOperator == signer
}

// CollateralAllowed reports whether the asset may be deposited as margin.
// The market's own collateral asset is always allowed.
func (m *Market) CollateralAllowed(asset vault.AssetID) bool {
	if asset == m.CollateralAsset {
		return true
	}
	for _, a := range m.AllowedCollateral {
		if a == asset {
			return true
		}
	}
	return false
}

// AddAllowedCollateral appends an asset to the allow-list. Adding an asset
// already in the set is a no-op and succeeds.
func (m *Market) AddAllowedCollateral(asset vault.AssetID) error {
	if m.CollateralAllowed(asset) {
		return nil
	}
	if len(m.AllowedCollateral) >= MaxAllowedCollateral {
		return ErrCollateralSetFull
	}
	m.AllowedCollateral = append(m.AllowedCollateral, asset)
	m.Version++
	return nil
}

// RemoveAllowedCollateral drops an asset from the allow-list. The market's
// primary collateral asset cannot be removed.
func (m *Market) RemoveAllowedCollateral(asset vault.AssetID) error {
	if asset == m.CollateralAsset {
		return ErrConstraintMismatch
	}
	for i, a := range m.AllowedCollateral {
		if a == asset {
			m.AllowedCollateral = append(m.AllowedCollateral[:i], m.AllowedCollateral[i+1:]...)
			m.Version++
			return nil
		}
	}
	return ErrCollateralNotFound
}

// PostPrice records a settlement price and volatility reading. The latest
// arrival always wins; a post whose source sequence does not advance is still
// applied but reported as stale so the caller can count it.
func (m *Market) PostPrice(price int64, exponent int32, volBps int64, sourceSequence int64, timestamp int64) (stale bool) {
	stale = m.LastPrice != nil && sourceSequence <= m.LastPrice.SourceSequence
	m.LastPrice = &SettlementPrice{
		Price:          price,
		SourceSequence: sourceSequence,
		Timestamp:      timestamp,
	}
	m.PriceExponent = exponent
	if volBps >= 0 {
		m.LastVolBps = volBps
	}
	m.Version++
	return stale
}

// Entity returns the market's vault entity.
func (m *Market) Entity() [16]byte { return m.entity }

// FeeVault returns the market's fee collection vault for one asset. Fees
// accrue in the asset the deal settles in, so a market allowing alternate
// collateral carries one fee vault per asset.
func (m *Market) FeeVault(asset vault.AssetID) vault.VaultKey {
	return vault.NewMarketFeeVault(m.entity, asset)
}

// Authority returns the capability covering the market's vaults.
func (m *Market) Authority() vault.Authority { return m.authority }

// Clone returns an independent copy of the market. Snapshots hold clones so
// the core can keep mutating the live record while the copy is serialized.
func (m *Market) Clone() *Market {
	out := *m
	if m.StrategyOperator != nil {
		op := *m.StrategyOperator
		out.StrategyOperator = &op
	}
	if m.AllowedCollateral != nil {
		out.AllowedCollateral = append([]vault.AssetID(nil), m.AllowedCollateral...)
	}
	if m.LastPrice != nil {
		price := *m.LastPrice
		out.LastPrice = &price
	}
	return &out
}

// MarketManager holds all markets keyed by market ID.
type MarketManager struct {
	markets map[string]*Market
}

func NewMarketManager() *MarketManager {
	return &MarketManager{markets: make(map[string]*Market)}
}

// Create registers a new market. The margin parameter set and fee are
// validated here so a market can never exist in an invalid configuration.
func (mm *MarketManager) Create(m *Market) error {
	if _, ok := mm.markets[m.MarketID]; ok {
		return ErrMarketExists
	}
	if m.FeeBps < 0 || m.FeeBps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	if m.BaseInitialMarginBps <= 0 ||
		m.MaintenanceMarginBps <= 0 ||
		m.MaintenanceMarginBps > m.BaseInitialMarginBps ||
		m.VolMultiplierBps < 0 ||
		m.LastVolBps < 0 {
		return ErrInvalidMarginParams
	}
	m.entity = vault.DeriveEntity([]byte("market"), []byte(m.MarketID))
	m.authority = vault.GrantAuthority(m.entity)
	mm.markets[m.MarketID] = m
	return nil
}

// Get returns a market or ErrMarketNotFound.
func (mm *MarketManager) Get(marketID string) (*Market, error) {
	m, ok := mm.markets[marketID]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// All returns all markets sorted by ID for deterministic iteration.
func (mm *MarketManager) All() []*Market {
	out := make([]*Market, 0, len(mm.markets))
	for _, m := range mm.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Restore reinstalls a market during snapshot recovery, rederiving its
// entity and authority rather than trusting serialized bytes.
func (mm *MarketManager) Restore(m *Market) {
	m.entity = vault.DeriveEntity([]byte("market"), []byte(m.MarketID))
	m.authority = vault.GrantAuthority(m.entity)
	mm.markets[m.MarketID] = m
}
