package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"ForwardClear/internal/event"
	"ForwardClear/internal/state"
	"ForwardClear/internal/vault"
)

// ReplayedJournal is one stored journal leg fed back during recovery.
type ReplayedJournal struct {
	DebitPath  string
	CreditPath string
	Amount     int64
}

// ReplayedEvent is a stored event-log row prepared for recovery.
type ReplayedEvent struct {
	Sequence       int64
	EventType      event.Type
	MarketID       string
	DealID         *uint64
	Payload        []byte
	TimestampMicro int64
	SourceSequence int64
	StateHash      [32]byte
	Journals       []ReplayedJournal
}

// ReplayEvent folds a stored event back into engine state during warm
// restart. The log records outputs rather than instructions, so recovery
// cannot go back through Process: instead the derived state is rebuilt from
// the event payload, the vault balances from the journal legs, and the hash
// chain is re-verified against the stored state hash as it advances.
//
// Events must be replayed in sequence order starting from the snapshot
// head. The idempotency LRU is not warmed here; the Postgres tier already
// holds every replayed row, so a redelivered instruction dedups on the cold
// path.
func (e *Engine) ReplayEvent(ev ReplayedEvent) error {
	if ev.Sequence != e.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", e.sequence, ev.Sequence)
	}

	// Payload fold first: registration events introduce asset symbols that
	// the journal paths of the same event refer to.
	if err := e.replayFold(ev); err != nil {
		return fmt.Errorf("replay fold seq %d (%s): %w", ev.Sequence, ev.EventType, err)
	}

	affected := make(map[vault.VaultKey]bool, len(ev.Journals)*2)
	for _, j := range ev.Journals {
		debit, err := vault.ParseVaultPath(j.DebitPath)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", ev.Sequence, err)
		}
		credit, err := vault.ParseVaultPath(j.CreditPath)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", ev.Sequence, err)
		}
		e.ledger.SetBalance(debit, e.ledger.BalanceOf(debit)+j.Amount)
		e.ledger.SetBalance(credit, e.ledger.BalanceOf(credit)-j.Amount)
		affected[debit] = true
		affected[credit] = true
	}

	digest := e.replayDigest(affected)
	hash := e.hasher.ComputeHash(ev.Sequence, digest)
	if !bytes.Equal(hash[:], ev.StateHash[:]) {
		return fmt.Errorf("replay hash mismatch at seq %d: computed %x, stored %x",
			ev.Sequence, hash[:8], ev.StateHash[:8])
	}

	e.advanceReplayPartition(ev)
	e.sequence = ev.Sequence + 1

	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// replayDigest mirrors computeStateDigest over an already-collected key set.
func (e *Engine) replayDigest(affected map[vault.VaultKey]bool) []byte {
	keys := make([]vault.VaultKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].VaultPath() < keys[j].VaultPath()
	})

	digest := make([]byte, 0, len(keys)*64)
	for _, key := range keys {
		path := key.VaultPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.ledger.BalanceOf(key))
	}
	return digest
}

// advanceReplayPartition restores the sequence validator position the
// instruction that produced this event moved it to.
func (e *Engine) advanceReplayPartition(ev ReplayedEvent) {
	if ev.EventType == event.TypePricePosted {
		p := "price:" + ev.MarketID
		if ev.SourceSequence+1 > e.sequenceValidator.GetExpectedSequence(p) {
			e.sequenceValidator.SetExpectedSequence(p, ev.SourceSequence+1)
		}
		return
	}
	partition := "global"
	if ev.MarketID != "" {
		partition = "market:" + ev.MarketID
	}
	e.sequenceValidator.SetExpectedSequence(partition, ev.SourceSequence+1)
}

func (e *Engine) replayFold(ev ReplayedEvent) error {
	switch ev.EventType {
	case event.TypeMarketInitialized:
		var p event.MarketInitialized
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		collateral := vault.RegisterAsset(p.CollateralAsset)
		receipt := vault.RegisterAsset(p.ReceiptAsset)
		return e.markets.Create(&state.Market{
			MarketID:             ev.MarketID,
			Admin:                p.Admin,
			Governance:           p.Governance,
			Oracle:               p.Oracle,
			CollateralAsset:      collateral,
			ReceiptAsset:         receipt,
			PriceExponent:        p.PriceExponent,
			FeeBps:               p.FeeBps,
			BaseInitialMarginBps: p.BaseInitialMarginBps,
			MaintenanceMarginBps: p.MaintenanceMarginBps,
			VolMultiplierBps:     p.VolMultiplierBps,
			LastVolBps:           p.LastVolBps,
		})

	case event.TypePricePosted:
		var p event.PricePosted
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		m.PostPrice(p.Price, p.PriceExponent, p.VolBps, p.SourceSequence, ev.TimestampMicro)
		return nil

	case event.TypeCollateralAdded:
		var p event.CollateralAdded
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.NoOp {
			return nil
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		return m.AddAllowedCollateral(vault.RegisterAsset(p.Asset))

	case event.TypeCollateralRemoved:
		var p event.CollateralRemoved
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		asset, ok := vault.GetAssetID(p.Asset)
		if !ok {
			return fmt.Errorf("%w: %s", state.ErrCollateralNotFound, p.Asset)
		}
		return m.RemoveAllowedCollateral(asset)

	case event.TypeMarketPaused:
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		m.Paused = true
		return nil

	case event.TypeMarketUnpaused:
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		m.Paused = false
		return nil

	case event.TypeStrategyOperatorSet:
		var p event.StrategyOperatorSet
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		op := p.Operator
		m.StrategyOperator = &op
		return nil

	case event.TypeWarehouseRegistered:
		var p event.WarehouseRegistered
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		w := &state.Warehouse{
			MarketID:     ev.MarketID,
			Operator:     p.Operator,
			ReceiptAsset: m.ReceiptAsset,
		}
		if err := e.warehouses.Create(w); err != nil {
			return err
		}
		e.ledger.RestoreMintDelegate(m.ReceiptAsset, w.Entity())
		return nil

	case event.TypeReceiptMinted:
		var p event.ReceiptMinted
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		w, err := e.warehouses.Get(ev.MarketID, p.Operator)
		if err != nil {
			return err
		}
		w.RecordMint(p.Quantity)
		return nil

	case event.TypeDealOpened:
		var p event.DealOpened
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if ev.DealID == nil {
			return fmt.Errorf("deal event without deal id")
		}
		m, err := e.markets.Get(ev.MarketID)
		if err != nil {
			return err
		}
		collateral, ok := vault.GetAssetID(p.CollateralAsset)
		if !ok {
			return fmt.Errorf("%w: %s", state.ErrCollateralNotFound, p.CollateralAsset)
		}
		kind := state.SettleCash
		if p.Physical {
			kind = state.SettlePhysical
		}
		return e.deals.Create(&state.Deal{
			MarketID:        ev.MarketID,
			DealID:          *ev.DealID,
			Long:            p.Long,
			Short:           p.Short,
			CollateralAsset: collateral,
			ReceiptAsset:    m.ReceiptAsset,
			StrikePrice:     p.StrikePrice,
			PriceExponent:   p.PriceExponent,
			Quantity:        p.Quantity,
			SettleAt:        p.SettleAt,
			Kind:            kind,
			FeeBps:          p.FeeBps,
			LongMargin:      p.LongMargin,
			ShortMargin:     p.ShortMargin,
		})

	case event.TypeMarginDeposited:
		var p event.MarginDeposited
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d, err := e.replayDeal(ev)
		if err != nil {
			return err
		}
		if p.Long {
			d.LongMargin = p.NewMargin
		} else {
			d.ShortMargin = p.NewMargin
		}
		return nil

	case event.TypeDealFrozen:
		d, err := e.replayDeal(ev)
		if err != nil {
			return err
		}
		d.Frozen = true
		return nil

	case event.TypeDealUnfrozen:
		d, err := e.replayDeal(ev)
		if err != nil {
			return err
		}
		d.Frozen = false
		return nil

	case event.TypeCashSettled:
		d, err := e.replayDeal(ev)
		if err != nil {
			return err
		}
		d.LongMargin = 0
		d.ShortMargin = 0
		d.Settled = true
		return nil

	case event.TypePhysicalSettled:
		var p event.PhysicalSettled
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d, err := e.replayDeal(ev)
		if err != nil {
			return err
		}
		d.RemainingQuantity = p.Remaining
		if p.Completed {
			d.LongMargin = 0
			d.ShortMargin = 0
			d.Settled = true
		} else {
			d.LongMargin -= p.Payment
		}
		return nil

	case event.TypeCrossMarginCreated:
		var p event.CrossMarginCreated
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		asset, ok := vault.GetAssetID(p.Asset)
		if !ok {
			return fmt.Errorf("%w: %s", state.ErrCollateralNotFound, p.Asset)
		}
		return e.pools.Create(&state.CrossMarginAccount{
			MarketID: ev.MarketID,
			Owner:    p.Owner,
			Asset:    asset,
		})

	case event.TypeCrossMarginDeposited:
		var p event.CrossMarginDeposited
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		return e.replaySetPoolBalance(ev.MarketID, p.Owner, p.Asset, p.Balance)

	case event.TypeCrossMarginWithdrawn:
		var p event.CrossMarginWithdrawn
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		return e.replaySetPoolBalance(ev.MarketID, p.Owner, p.Asset, p.Balance)

	case event.TypeCrossMarginMoved:
		var p event.CrossMarginMoved
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		d, err := e.deals.Get(ev.MarketID, p.DealID)
		if err != nil {
			return err
		}
		if p.Long {
			d.LongMargin = p.NewMargin
		} else {
			d.ShortMargin = p.NewMargin
		}
		pool, err := e.pools.Get(ev.MarketID, p.Owner, d.CollateralAsset)
		if err != nil {
			return err
		}
		pool.Balance = p.Balance
		return nil

	case event.TypeFundsCredited:
		// Journal legs carry the balance effect, but funding may introduce
		// a symbol no market has registered yet; registry order must match
		// the original run.
		var p event.FundsCredited
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		vault.RegisterAsset(p.Asset)
		return nil

	case event.TypeYieldParked, event.TypeYieldUnparked, event.TypeReceiptBurned:
		// Journal legs carry the whole effect; no derived state changes.
		return nil

	default:
		return fmt.Errorf("unknown event type %d", ev.EventType)
	}
}

func (e *Engine) replayDeal(ev ReplayedEvent) (*state.Deal, error) {
	if ev.DealID == nil {
		return nil, fmt.Errorf("deal event without deal id")
	}
	return e.deals.Get(ev.MarketID, *ev.DealID)
}

func (e *Engine) replaySetPoolBalance(marketID string, owner uuid.UUID, asset string, balance int64) error {
	assetID, ok := vault.GetAssetID(asset)
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrCollateralNotFound, asset)
	}
	pool, err := e.pools.Get(marketID, owner, assetID)
	if err != nil {
		return err
	}
	pool.Balance = balance
	return nil
}
