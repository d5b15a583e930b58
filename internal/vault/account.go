package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Scope represents the top-level vault namespace
type Scope uint8

const (
	ScopeParty Scope = iota
	ScopeDeal
	ScopeMarket
	ScopePool
	ScopeExternal
)

// SubType represents the vault purpose within its scope
type SubType uint8

const (
	// Party sub-types
	SubTypeFunding SubType = iota

	// Deal sub-types
	SubTypeLongMargin
	SubTypeShortMargin
	SubTypeStrategy

	// Market sub-types
	SubTypeFees

	// Pool sub-types
	SubTypePool

	// External sub-types
	SubTypeMintBoundary
	SubTypeSettlementBoundary
)

// AssetID maps asset symbols to numeric IDs for compact keys
type AssetID uint16

// assetRegistry is mutable: markets register their collateral and receipt
// assets at init time, unlike a fixed exchange listing.
var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
	nextAsset AssetID = 1
)

// RegisterAsset assigns (or returns the existing) numeric ID for a symbol.
func RegisterAsset(symbol string) AssetID {
	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[symbol]; ok {
		return id
	}
	id := nextAsset
	nextAsset++
	assetToID[symbol] = id
	idToAsset[id] = symbol
	return id
}

func GetAssetID(symbol string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[symbol]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// Assets snapshots the registry for persistence.
func Assets() map[string]AssetID {
	assetMu.RLock()
	defer assetMu.RUnlock()
	out := make(map[string]AssetID, len(assetToID))
	for sym, id := range assetToID {
		out[sym] = id
	}
	return out
}

// RestoreAssets reinstalls the registry during snapshot recovery. IDs must
// come back exactly as assigned so stored vault keys stay valid.
func RestoreAssets(assets map[string]AssetID) {
	assetMu.Lock()
	defer assetMu.Unlock()
	for sym, id := range assets {
		assetToID[sym] = id
		idToAsset[id] = sym
		if id >= nextAsset {
			nextAsset = id + 1
		}
	}
}

// ResetAssetsForTest clears the registry. Test helper only.
func ResetAssetsForTest() {
	assetMu.Lock()
	defer assetMu.Unlock()
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
	nextAsset = 1
}

// VaultKey is the in-memory key for balance tracking
type VaultKey struct {
	Scope   Scope
	Entity  [16]byte // UUID for parties/markets, derived identity for deals/pools
	SubType SubType
	AssetID AssetID
}

// NewPartyVault keys a party's funding balance for one asset.
func NewPartyVault(party uuid.UUID, assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopeParty, Entity: party, SubType: SubTypeFunding, AssetID: assetID}
}

// NewDealVault keys a deal-scoped vault (margin or strategy).
func NewDealVault(dealEntity [16]byte, subType SubType, assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopeDeal, Entity: dealEntity, SubType: subType, AssetID: assetID}
}

// NewMarketFeeVault keys the market's fee sink for one collateral asset.
func NewMarketFeeVault(marketEntity [16]byte, assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopeMarket, Entity: marketEntity, SubType: SubTypeFees, AssetID: assetID}
}

// NewPoolVault keys a cross-margin pool balance.
func NewPoolVault(poolEntity [16]byte, assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopePool, Entity: poolEntity, SubType: SubTypePool, AssetID: assetID}
}

// NewMintBoundaryVault keys the external issuance boundary for a receipt asset.
// Its balance is the negative of outstanding supply.
func NewMintBoundaryVault(assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopeExternal, SubType: SubTypeMintBoundary, AssetID: assetID}
}

// NewSettlementBoundaryVault keys the external funding boundary used when
// parties on-ramp or off-ramp collateral.
func NewSettlementBoundaryVault(assetID AssetID) VaultKey {
	return VaultKey{Scope: ScopeExternal, SubType: SubTypeSettlementBoundary, AssetID: assetID}
}

// DeriveEntity computes a stable 16-byte identity from a record's natural
// composite key, so deals, pools, and warehouses each own a vault namespace
// derived from what they are rather than from allocation order.
func DeriveEntity(parts ...[]byte) [16]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte{byte(len(p))})
		h.Write(p)
	}
	var entity [16]byte
	copy(entity[:], h.Sum(nil))
	return entity
}

// VaultPath returns the string representation for storage/logging
func (k VaultKey) VaultPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case ScopeParty:
		return fmt.Sprintf("party:%s:%s:%s", uuid.UUID(k.Entity).String(), k.subTypeName(), assetName)
	case ScopeDeal:
		return fmt.Sprintf("deal:%x:%s:%s", k.Entity, k.subTypeName(), assetName)
	case ScopeMarket:
		return fmt.Sprintf("market:%x:%s:%s", k.Entity, k.subTypeName(), assetName)
	case ScopePool:
		return fmt.Sprintf("pool:%x:%s:%s", k.Entity, k.subTypeName(), assetName)
	case ScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k VaultKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFunding:
		return "funding"
	case SubTypeLongMargin:
		return "long_margin"
	case SubTypeShortMargin:
		return "short_margin"
	case SubTypeStrategy:
		return "strategy"
	case SubTypeFees:
		return "fees"
	case SubTypePool:
		return "pool"
	case SubTypeMintBoundary:
		return "mint"
	case SubTypeSettlementBoundary:
		return "settlement"
	default:
		return "unknown"
	}
}

var subTypeByName = map[string]SubType{
	"funding":      SubTypeFunding,
	"long_margin":  SubTypeLongMargin,
	"short_margin": SubTypeShortMargin,
	"strategy":     SubTypeStrategy,
	"fees":         SubTypeFees,
	"pool":         SubTypePool,
	"mint":         SubTypeMintBoundary,
	"settlement":   SubTypeSettlementBoundary,
}

// ParseVaultPath is the inverse of VaultPath. The asset symbol must already
// be registered; journal rows replayed from the event log satisfy this
// because every registration event precedes the first journal touching the
// asset.
func ParseVaultPath(path string) (VaultKey, error) {
	parts := strings.Split(path, ":")

	if len(parts) == 3 && parts[0] == "external" {
		sub, ok := subTypeByName[parts[1]]
		if !ok {
			return VaultKey{}, fmt.Errorf("vault path %q: unknown sub-type", path)
		}
		asset, ok := GetAssetID(parts[2])
		if !ok {
			return VaultKey{}, fmt.Errorf("vault path %q: unregistered asset", path)
		}
		return VaultKey{Scope: ScopeExternal, SubType: sub, AssetID: asset}, nil
	}

	if len(parts) != 4 {
		return VaultKey{}, fmt.Errorf("vault path %q: malformed", path)
	}

	var scope Scope
	var entity [16]byte
	switch parts[0] {
	case "party":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return VaultKey{}, fmt.Errorf("vault path %q: %w", path, err)
		}
		scope, entity = ScopeParty, id
	case "deal", "market", "pool":
		raw, err := hex.DecodeString(parts[1])
		if err != nil || len(raw) != 16 {
			return VaultKey{}, fmt.Errorf("vault path %q: bad entity", path)
		}
		copy(entity[:], raw)
		switch parts[0] {
		case "deal":
			scope = ScopeDeal
		case "market":
			scope = ScopeMarket
		default:
			scope = ScopePool
		}
	default:
		return VaultKey{}, fmt.Errorf("vault path %q: unknown scope", path)
	}

	sub, ok := subTypeByName[parts[2]]
	if !ok {
		return VaultKey{}, fmt.Errorf("vault path %q: unknown sub-type", path)
	}
	asset, ok := GetAssetID(parts[3])
	if !ok {
		return VaultKey{}, fmt.Errorf("vault path %q: unregistered asset", path)
	}
	return VaultKey{Scope: scope, Entity: entity, SubType: sub, AssetID: asset}, nil
}
