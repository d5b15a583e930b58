package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"ForwardClear/internal/event"
	"ForwardClear/internal/fpmath"
	"ForwardClear/internal/instruction"
	"ForwardClear/internal/observability"
	"ForwardClear/internal/state"
	"ForwardClear/internal/vault"
)

// Engine is the single-threaded deterministic instruction processor. It
// never calls time.Now(): every timestamp is a versioned input carried on
// the instruction, so replaying the log reproduces identical state hashes.
type Engine struct {
	sequence          int64
	hasher            *StateHasher
	ledger            *vault.MemoryLedger
	markets           *state.MarketManager
	warehouses        *state.WarehouseManager
	deals             *state.DealManager
	pools             *state.CrossMarginManager
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is what the engine emits per applied instruction.
type CoreOutput struct {
	Envelope   *event.Envelope
	Batch      *vault.Batch
	StateDelta []byte
}

// result is the per-handler outcome fed back into the emission pipeline.
type result struct {
	batch   *vault.Batch
	evtType event.Type
	dealID  *uint64
	payload any
}

func NewEngine(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Engine {
	return &Engine{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		ledger:            vault.NewMemoryLedger(),
		markets:           state.NewMarketManager(),
		warehouses:        state.NewWarehouseManager(),
		deals:             state.NewDealManager(),
		pools:             state.NewCrossMarginManager(),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// Ledger exposes the vault ledger for read-only inspection (queries, tests).
func (e *Engine) Ledger() *vault.MemoryLedger { return e.ledger }

// Markets exposes the market manager for read-only inspection.
func (e *Engine) Markets() *state.MarketManager { return e.markets }

// Deals exposes the deal manager for read-only inspection.
func (e *Engine) Deals() *state.DealManager { return e.deals }

// Pools exposes the cross-margin manager for read-only inspection.
func (e *Engine) Pools() *state.CrossMarginManager { return e.pools }

// Warehouses exposes the warehouse manager for read-only inspection.
func (e *Engine) Warehouses() *state.WarehouseManager { return e.warehouses }

// Process runs one instruction through the full pipeline: dedup, sequence
// validation, dispatch, ledger application, state hash, emission. An error
// return means nothing was mutated.
func (e *Engine) Process(ins instruction.Instruction) error {
	start := time.Now()
	insType := ins.Type().String()
	idempotencyKey := ins.IdempotencyKey()

	isDuplicate := e.idempotency.IsDuplicate(insType, idempotencyKey)

	// Price posts tolerate gaps and regressions; everything else is strict
	// per-partition ordering.
	if pp, ok := ins.(*instruction.PostPrice); ok {
		if err := e.sequenceValidator.ValidatePriceSequence(pp.Market, pp.Sequence); err != nil {
			return err
		}
	} else {
		partition := e.partition(ins)
		if err := e.sequenceValidator.ValidateSequence(partition, ins.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			if e.metrics != nil {
				e.metrics.CoreInstructionsRejected.WithLabelValues(insType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CoreInstructionsRejected.WithLabelValues(insType, "duplicate").Inc()
		}
		return nil
	}

	res, err := e.dispatch(ins)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreInstructionsRejected.WithLabelValues(insType, "rejected").Inc()
		}
		return fmt.Errorf("%s: %w", insType, err)
	}

	payload, err := json.Marshal(res.payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: payload marshal for %s: %v", insType, err))
	}

	hashStart := time.Now()
	stateDigest := e.computeStateDigest(res.batch)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      res.evtType,
		MarketID:       ins.MarketID(),
		DealID:         res.dealID,
		Timestamp:      ins.Time(),
		SourceSequence: ins.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      res.batch,
		StateDelta: stateDigest,
	}
	e.sequence++

	// Persistence: blocking send. The core stalls until the persistence
	// worker drains, so no applied instruction is ever lost.
	e.persistChan <- output

	// Projections: non-blocking send with drop. Projection workers rebuild
	// from the event log when they fall behind.
	select {
	case e.projectionChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.ProjectionDrops.WithLabelValues(insType).Inc()
		}
	}

	e.idempotency.MarkProcessed(insType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreInstructionsApplied.WithLabelValues(insType).Inc()
		e.metrics.CoreInstructionDuration.WithLabelValues(insType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.lru.Size()))
	}

	return nil
}

func (e *Engine) partition(ins instruction.Instruction) string {
	if m := ins.MarketID(); m != "" {
		return fmt.Sprintf("market:%s", m)
	}
	return "global"
}

func (e *Engine) dispatch(ins instruction.Instruction) (*result, error) {
	switch i := ins.(type) {
	case *instruction.InitMarket:
		return e.handleInitMarket(i)
	case *instruction.PostPrice:
		return e.handlePostPrice(i)
	case *instruction.AddAllowedCollateral:
		return e.handleAddAllowedCollateral(i)
	case *instruction.RemoveAllowedCollateral:
		return e.handleRemoveAllowedCollateral(i)
	case *instruction.PauseMarket:
		return e.handlePauseMarket(i)
	case *instruction.UnpauseMarket:
		return e.handleUnpauseMarket(i)
	case *instruction.SetStrategyOperator:
		return e.handleSetStrategyOperator(i)
	case *instruction.ExternalFund:
		return e.handleExternalFund(i)
	case *instruction.RegisterWarehouse:
		return e.handleRegisterWarehouse(i)
	case *instruction.MintReceipt:
		return e.handleMintReceipt(i)
	case *instruction.BurnReceipt:
		return e.handleBurnReceipt(i)
	case *instruction.OpenDeal:
		return e.handleOpenDeal(i)
	case *instruction.DepositMargin:
		return e.handleDepositMargin(i)
	case *instruction.FreezeDeal:
		return e.handleFreezeDeal(i)
	case *instruction.UnfreezeDeal:
		return e.handleUnfreezeDeal(i)
	case *instruction.SettleCash:
		return e.handleSettleCash(i)
	case *instruction.SettlePhysical:
		return e.handleSettlePhysical(i)
	case *instruction.SettlePartialPhysical:
		return e.handleSettlePartialPhysical(i)
	case *instruction.CrossMarginCreate:
		return e.handleCrossMarginCreate(i)
	case *instruction.CrossMarginDeposit:
		return e.handleCrossMarginDeposit(i)
	case *instruction.CrossMarginWithdraw:
		return e.handleCrossMarginWithdraw(i)
	case *instruction.CrossMarginMoveToDeal:
		return e.handleCrossMarginMoveToDeal(i)
	case *instruction.CrossMarginMoveFromDeal:
		return e.handleCrossMarginMoveFromDeal(i)
	case *instruction.YieldPark:
		return e.handleYieldPark(i)
	case *instruction.YieldUnpark:
		return e.handleYieldUnpark(i)
	default:
		return nil, fmt.Errorf("unknown instruction type: %T", ins)
	}
}

// --- Batch helpers ---

func (e *Engine) newBatch(ins instruction.Instruction) *vault.Batch {
	return &vault.Batch{
		BatchID:   uuid.New(),
		EventRef:  ins.IdempotencyKey(),
		Sequence:  e.sequence,
		Timestamp: ins.Time().UnixMicro(),
	}
}

func (e *Engine) addJournal(b *vault.Batch, debit, credit vault.VaultKey, amount int64, kind vault.JournalKind, auth vault.Authority) {
	b.Journals = append(b.Journals, vault.Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		Kind:          kind,
		Authority:     auth,
		Timestamp:     b.Timestamp,
	})
}

func (e *Engine) apply(b *vault.Batch) error {
	if err := e.ledger.ApplyBatch(b); err != nil {
		return err
	}
	if e.metrics != nil {
		for _, j := range b.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.Kind.String()).Inc()
		}
	}
	return nil
}

// partyAuthority materializes the vault capability for an authenticated
// party. The gateway has already verified the signer; inside the core the
// signer identity IS the capability over that party's vaults.
func partyAuthority(party uuid.UUID) vault.Authority {
	return vault.GrantAuthority([16]byte(party))
}

// --- Market handlers ---

func (e *Engine) handleInitMarket(ins *instruction.InitMarket) (*result, error) {
	collateral := vault.RegisterAsset(ins.CollateralAsset)
	receipt := vault.RegisterAsset(ins.ReceiptAsset)

	m := &state.Market{
		MarketID:             ins.Market,
		Admin:                ins.Signer,
		Governance:           ins.Governance,
		Oracle:               ins.Oracle,
		CollateralAsset:      collateral,
		ReceiptAsset:         receipt,
		PriceExponent:        ins.PriceExponent,
		FeeBps:               ins.FeeBps,
		BaseInitialMarginBps: ins.BaseInitialMarginBps,
		MaintenanceMarginBps: ins.MaintenanceMarginBps,
		VolMultiplierBps:     ins.VolMultiplierBps,
		LastVolBps:           ins.LastVolBps,
	}
	if err := e.markets.Create(m); err != nil {
		return nil, err
	}

	return &result{
		evtType: event.TypeMarketInitialized,
		payload: event.MarketInitialized{
			Admin:                m.Admin,
			Governance:           m.Governance,
			Oracle:               m.Oracle,
			CollateralAsset:      ins.CollateralAsset,
			ReceiptAsset:         ins.ReceiptAsset,
			PriceExponent:        m.PriceExponent,
			FeeBps:               m.FeeBps,
			BaseInitialMarginBps: m.BaseInitialMarginBps,
			MaintenanceMarginBps: m.MaintenanceMarginBps,
			VolMultiplierBps:     m.VolMultiplierBps,
			LastVolBps:           m.LastVolBps,
		},
	}, nil
}

func (e *Engine) handlePostPrice(ins *instruction.PostPrice) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	if !m.IsPricePoster(ins.Signer) {
		return nil, fmt.Errorf("%w: %s may not post prices", state.ErrUnauthorized, ins.Signer)
	}
	if ins.Price <= 0 {
		return nil, fmt.Errorf("%w: price %d", state.ErrZeroAmount, ins.Price)
	}

	stale := m.PostPrice(ins.Price, ins.PriceExponent, ins.VolBps, ins.Sequence, ins.Timestamp.UnixMicro())
	if stale && e.metrics != nil {
		e.metrics.StalePricePosts.WithLabelValues(ins.Market).Inc()
	}

	return &result{
		evtType: event.TypePricePosted,
		payload: event.PricePosted{
			Price:          ins.Price,
			PriceExponent:  ins.PriceExponent,
			VolBps:         ins.VolBps,
			SourceSequence: ins.Sequence,
			Stale:          stale,
		},
	}, nil
}

func (e *Engine) adminMarket(marketID string, signer uuid.UUID) (*state.Market, error) {
	m, err := e.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	if !m.IsAdministrator(signer) {
		return nil, fmt.Errorf("%w: %s is not a market administrator", state.ErrUnauthorized, signer)
	}
	return m, nil
}

func (e *Engine) handleAddAllowedCollateral(ins *instruction.AddAllowedCollateral) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, state.ErrMarketPaused
	}

	asset := vault.RegisterAsset(ins.Asset)
	noop := m.CollateralAllowed(asset)
	if !noop {
		if err := m.AddAllowedCollateral(asset); err != nil {
			return nil, err
		}
	}

	return &result{
		evtType: event.TypeCollateralAdded,
		payload: event.CollateralAdded{Asset: ins.Asset, NoOp: noop},
	}, nil
}

func (e *Engine) handleRemoveAllowedCollateral(ins *instruction.RemoveAllowedCollateral) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, state.ErrMarketPaused
	}

	asset, ok := vault.GetAssetID(ins.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrCollateralNotFound, ins.Asset)
	}
	if err := m.RemoveAllowedCollateral(asset); err != nil {
		return nil, err
	}

	return &result{
		evtType: event.TypeCollateralRemoved,
		payload: event.CollateralRemoved{Asset: ins.Asset},
	}, nil
}

func (e *Engine) handlePauseMarket(ins *instruction.PauseMarket) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}

	noop := m.Paused
	if !noop {
		m.Paused = true
		m.Version++
	}

	return &result{
		evtType: event.TypeMarketPaused,
		payload: event.MarketPaused{NoOp: noop},
	}, nil
}

func (e *Engine) handleUnpauseMarket(ins *instruction.UnpauseMarket) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}

	noop := !m.Paused
	if !noop {
		m.Paused = false
		m.Version++
	}

	return &result{
		evtType: event.TypeMarketUnpaused,
		payload: event.MarketUnpaused{NoOp: noop},
	}, nil
}

func (e *Engine) handleSetStrategyOperator(ins *instruction.SetStrategyOperator) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}

	op := ins.Operator
	m.StrategyOperator = &op
	m.Version++

	return &result{
		evtType: event.TypeStrategyOperatorSet,
		payload: event.StrategyOperatorSet{Operator: op},
	}, nil
}

func (e *Engine) handleExternalFund(ins *instruction.ExternalFund) (*result, error) {
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: fund amount %d", state.ErrZeroAmount, ins.Amount)
	}
	asset := vault.RegisterAsset(ins.Asset)
	funding := vault.NewPartyVault(ins.Party, asset)

	batch := e.newBatch(ins)
	e.addJournal(batch, funding, vault.NewSettlementBoundaryVault(asset), ins.Amount, vault.KindMarginFund, partyAuthority(ins.Party))
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	return &result{
		batch:   batch,
		evtType: event.TypeFundsCredited,
		payload: event.FundsCredited{
			Party:   ins.Party,
			Asset:   ins.Asset,
			Amount:  ins.Amount,
			Balance: e.ledger.BalanceOf(funding),
		},
	}, nil
}

// --- Warehouse handlers ---

func (e *Engine) handleRegisterWarehouse(ins *instruction.RegisterWarehouse) (*result, error) {
	m, err := e.adminMarket(ins.Market, ins.Signer)
	if err != nil {
		return nil, err
	}
	if _, taken := e.ledger.MintDelegate(m.ReceiptAsset); taken {
		return nil, fmt.Errorf("%w: receipt asset %d", vault.ErrMintDelegated, m.ReceiptAsset)
	}

	w := &state.Warehouse{
		MarketID:     ins.Market,
		Operator:     ins.Operator,
		ReceiptAsset: m.ReceiptAsset,
	}
	if err := e.warehouses.Create(w); err != nil {
		return nil, err
	}
	if err := e.ledger.DelegateMint(m.ReceiptAsset, w.Entity()); err != nil {
		// Checked above; delegation cannot race in a single-threaded core.
		panic(fmt.Sprintf("FATAL: mint delegation: %v", err))
	}

	receiptName, _ := vault.GetAssetName(m.ReceiptAsset)
	return &result{
		evtType: event.TypeWarehouseRegistered,
		payload: event.WarehouseRegistered{Operator: ins.Operator, ReceiptAsset: receiptName},
	}, nil
}

func (e *Engine) handleMintReceipt(ins *instruction.MintReceipt) (*result, error) {
	w, err := e.warehouses.Get(ins.Market, ins.Operator)
	if err != nil {
		return nil, err
	}
	if ins.Signer != w.Operator {
		return nil, fmt.Errorf("%w: only the warehouse operator may mint", state.ErrUnauthorized)
	}
	if ins.Quantity <= 0 {
		return nil, fmt.Errorf("%w: mint quantity %d", state.ErrZeroAmount, ins.Quantity)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch,
		vault.NewPartyVault(ins.Recipient, w.ReceiptAsset),
		w.BoundaryVault(),
		ins.Quantity, vault.KindReceiptMint, w.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	w.RecordMint(ins.Quantity)
	if e.metrics != nil {
		e.metrics.ReceiptsMinted.WithLabelValues(ins.Market).Add(float64(ins.Quantity))
	}

	return &result{
		batch:   batch,
		evtType: event.TypeReceiptMinted,
		payload: event.ReceiptMinted{
			Operator:    ins.Operator,
			Recipient:   ins.Recipient,
			Quantity:    ins.Quantity,
			TotalMinted: w.TotalMinted,
		},
	}, nil
}

func (e *Engine) handleBurnReceipt(ins *instruction.BurnReceipt) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	if ins.Quantity <= 0 {
		return nil, fmt.Errorf("%w: burn quantity %d", state.ErrZeroAmount, ins.Quantity)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch,
		vault.NewMintBoundaryVault(m.ReceiptAsset),
		vault.NewPartyVault(ins.Signer, m.ReceiptAsset),
		ins.Quantity, vault.KindReceiptBurn, partyAuthority(ins.Signer))
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.ReceiptsBurned.WithLabelValues(ins.Market).Add(float64(ins.Quantity))
	}

	return &result{
		batch:   batch,
		evtType: event.TypeReceiptBurned,
		payload: event.ReceiptBurned{Owner: ins.Signer, Quantity: ins.Quantity},
	}, nil
}

// --- Deal handlers ---

func (e *Engine) handleOpenDeal(ins *instruction.OpenDeal) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	if m.Paused {
		return nil, state.ErrMarketPaused
	}
	if ins.DealVersion != state.DealSchemaVersion {
		return nil, fmt.Errorf("%w: instruction built for schema %d, engine at %d",
			state.ErrVersionMismatch, ins.DealVersion, state.DealSchemaVersion)
	}
	// Both funding vaults get debited below, so both counterparties must
	// have signed. The gateway authenticates the signatures; here the two
	// signing parties must cover long and short exactly.
	bothSigned := (ins.Signer == ins.Long && ins.CoSigner == ins.Short) ||
		(ins.Signer == ins.Short && ins.CoSigner == ins.Long)
	if !bothSigned {
		return nil, fmt.Errorf("%w: open requires both counterparties' signatures", state.ErrUnauthorized)
	}
	if ins.SettleAt <= ins.Timestamp.UnixMicro() {
		return nil, fmt.Errorf("%w: settle_at %d not after %d",
			state.ErrInvalidSettlementTime, ins.SettleAt, ins.Timestamp.UnixMicro())
	}
	if ins.Quantity <= 0 {
		return nil, state.ErrZeroQuantity
	}
	if ins.StrikePrice <= 0 {
		return nil, fmt.Errorf("%w: strike %d", state.ErrZeroAmount, ins.StrikePrice)
	}
	if _, err := e.deals.Get(ins.Market, ins.DealID); err == nil {
		return nil, state.ErrDealExists
	}

	asset, ok := vault.GetAssetID(ins.CollateralAsset)
	if !ok || !m.CollateralAllowed(asset) {
		return nil, fmt.Errorf("%w: %s", state.ErrCollateralNotAllowed, ins.CollateralAsset)
	}

	notional, err := fpmath.Notional(ins.StrikePrice, ins.Quantity, m.PriceExponent)
	if err != nil {
		return nil, err
	}
	required, err := fpmath.RequiredInitialMargin(notional, m.BaseInitialMarginBps, m.VolMultiplierBps, m.LastVolBps)
	if err != nil {
		return nil, err
	}
	if ins.InitialLong < required || ins.InitialShort < required {
		return nil, fmt.Errorf("%w: required %d, offered long=%d short=%d",
			state.ErrInsufficientInitialMargin, required, ins.InitialLong, ins.InitialShort)
	}
	if ins.InitialLong <= 0 || ins.InitialShort <= 0 {
		return nil, fmt.Errorf("%w: initial margin must be positive", state.ErrZeroAmount)
	}

	entity := state.DeriveDealEntity(ins.Market, ins.DealID)
	longVault := vault.NewDealVault(entity, vault.SubTypeLongMargin, asset)
	shortVault := vault.NewDealVault(entity, vault.SubTypeShortMargin, asset)

	batch := e.newBatch(ins)
	e.addJournal(batch, longVault, vault.NewPartyVault(ins.Long, asset), ins.InitialLong, vault.KindMarginFund, partyAuthority(ins.Long))
	e.addJournal(batch, shortVault, vault.NewPartyVault(ins.Short, asset), ins.InitialShort, vault.KindMarginFund, partyAuthority(ins.Short))
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	kind := state.SettleCash
	if ins.Physical {
		kind = state.SettlePhysical
	}
	d := &state.Deal{
		MarketID:        ins.Market,
		DealID:          ins.DealID,
		Long:            ins.Long,
		Short:           ins.Short,
		CollateralAsset: asset,
		ReceiptAsset:    m.ReceiptAsset,
		StrikePrice:     ins.StrikePrice,
		PriceExponent:   m.PriceExponent,
		Quantity:        ins.Quantity,
		SettleAt:        ins.SettleAt,
		Kind:            kind,
		FeeBps:          m.FeeBps,
	}
	if err := e.deals.Create(d); err != nil {
		// Existence and quantity were pre-checked; creation cannot fail here.
		panic(fmt.Sprintf("FATAL: deal create after funded batch: %v", err))
	}
	if err := d.AddMargin(state.SideLong, ins.InitialLong); err != nil {
		panic(fmt.Sprintf("FATAL: margin mirror: %v", err))
	}
	if err := d.AddMargin(state.SideShort, ins.InitialShort); err != nil {
		panic(fmt.Sprintf("FATAL: margin mirror: %v", err))
	}

	if e.metrics != nil {
		e.metrics.DealsOpened.WithLabelValues(ins.Market, kind.String()).Inc()
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeDealOpened,
		dealID:  &dealID,
		payload: event.DealOpened{
			Long:            ins.Long,
			Short:           ins.Short,
			CollateralAsset: ins.CollateralAsset,
			StrikePrice:     ins.StrikePrice,
			PriceExponent:   m.PriceExponent,
			Quantity:        ins.Quantity,
			SettleAt:        ins.SettleAt,
			Physical:        ins.Physical,
			FeeBps:          m.FeeBps,
			RequiredMargin:  required,
			LongMargin:      ins.InitialLong,
			ShortMargin:     ins.InitialShort,
		},
	}, nil
}

// openDeal returns the deal only if it can still be mutated.
func (e *Engine) openDeal(marketID string, dealID uint64) (*state.Deal, error) {
	d, err := e.deals.Get(marketID, dealID)
	if err != nil {
		return nil, err
	}
	if d.Settled {
		return nil, state.ErrAlreadySettled
	}
	if d.Frozen {
		return nil, state.ErrDealFrozen
	}
	return d, nil
}

func side(long bool) state.Side {
	if long {
		return state.SideLong
	}
	return state.SideShort
}

func (e *Engine) handleDepositMargin(ins *instruction.DepositMargin) (*result, error) {
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: deposit %d", state.ErrZeroAmount, ins.Amount)
	}

	s := side(ins.Long)
	party := d.Party(s)
	if ins.Signer != party {
		return nil, fmt.Errorf("%w: signer is not the %s party", state.ErrUnauthorized, s)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch, d.MarginVault(s), vault.NewPartyVault(party, d.CollateralAsset), ins.Amount, vault.KindMarginDeposit, partyAuthority(party))
	if err := e.apply(batch); err != nil {
		return nil, err
	}
	if err := d.AddMargin(s, ins.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: margin mirror overflow after funded batch: %v", err))
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeMarginDeposited,
		dealID:  &dealID,
		payload: event.MarginDeposited{
			Party:     party,
			Long:      ins.Long,
			Amount:    ins.Amount,
			NewMargin: d.RecordedMargin(s),
		},
	}, nil
}

func (e *Engine) handleFreezeDeal(ins *instruction.FreezeDeal) (*result, error) {
	if _, err := e.adminMarket(ins.Market, ins.Signer); err != nil {
		return nil, err
	}
	d, err := e.deals.Get(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if d.Settled {
		return nil, state.ErrAlreadySettled
	}
	if d.Frozen {
		return nil, state.ErrDealFrozen
	}

	d.Frozen = true
	d.Version++

	dealID := ins.DealID
	return &result{
		evtType: event.TypeDealFrozen,
		dealID:  &dealID,
		payload: event.DealFrozen{Admin: ins.Signer},
	}, nil
}

func (e *Engine) handleUnfreezeDeal(ins *instruction.UnfreezeDeal) (*result, error) {
	if _, err := e.adminMarket(ins.Market, ins.Signer); err != nil {
		return nil, err
	}
	d, err := e.deals.Get(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if d.Settled {
		return nil, state.ErrAlreadySettled
	}
	if !d.Frozen {
		return nil, state.ErrDealNotFrozen
	}

	d.Frozen = false
	d.Version++

	dealID := ins.DealID
	return &result{
		evtType: event.TypeDealUnfrozen,
		dealID:  &dealID,
		payload: event.DealUnfrozen{Admin: ins.Signer},
	}, nil
}

// settleParticipant verifies the signer may trigger settlement: either
// counterparty or a market administrator.
func settleParticipant(m *state.Market, d *state.Deal, signer uuid.UUID) error {
	if _, ok := d.SideOf(signer); ok {
		return nil
	}
	if m.IsAdministrator(signer) {
		return nil
	}
	return fmt.Errorf("%w: signer may not settle this deal", state.ErrUnauthorized)
}

func (e *Engine) handleSettleCash(ins *instruction.SettleCash) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if err := settleParticipant(m, d, ins.Signer); err != nil {
		return nil, err
	}
	if d.Kind != state.SettleCash {
		return nil, state.ErrWrongSettlementKind
	}
	now := ins.Timestamp.UnixMicro()
	if now < d.SettleAt {
		return nil, fmt.Errorf("%w: now %d, settle_at %d", state.ErrTooEarlyToSettle, now, d.SettleAt)
	}
	if m.LastPrice == nil || m.LastPrice.Price <= 0 {
		return nil, state.ErrNoSettlementPrice
	}

	// All settlement math reads from an immutable snapshot of the deal's
	// economic terms; nothing mutated below can change the outcome.
	snap := d.Snapshot()
	price := m.LastPrice.Price

	pnl, err := fpmath.PnLLong(snap.StrikePrice, price, snap.Quantity, snap.PriceExponent)
	if err != nil {
		return nil, err
	}

	longVault := d.MarginVault(state.SideLong)
	shortVault := d.MarginVault(state.SideShort)
	longBal := e.ledger.BalanceOf(longVault)
	shortBal := e.ledger.BalanceOf(shortVault)

	var fee int64
	batch := e.newBatch(ins)

	switch {
	case pnl > 0:
		fee, err = fpmath.FeeOnPayout(pnl, snap.FeeBps)
		if err != nil {
			return nil, err
		}
		if pnl-fee > 0 {
			e.addJournal(batch, vault.NewPartyVault(d.Long, d.CollateralAsset), shortVault, pnl-fee, vault.KindSettlementPnL, d.Authority())
		}
		if fee > 0 {
			e.addJournal(batch, m.FeeVault(d.CollateralAsset), shortVault, fee, vault.KindSettlementFee, d.Authority())
		}
		shortBal -= pnl
	case pnl < 0:
		loss := -pnl
		fee, err = fpmath.FeeOnPayout(loss, snap.FeeBps)
		if err != nil {
			return nil, err
		}
		if loss-fee > 0 {
			e.addJournal(batch, vault.NewPartyVault(d.Short, d.CollateralAsset), longVault, loss-fee, vault.KindSettlementPnL, d.Authority())
		}
		if fee > 0 {
			e.addJournal(batch, m.FeeVault(d.CollateralAsset), longVault, fee, vault.KindSettlementFee, d.Authority())
		}
		longBal -= loss
	}

	// Return whatever remains in each margin vault to its owner. A payout
	// exceeding the losing vault fails the whole batch in ApplyBatch; there
	// is no scaling down.
	longReturned := longBal
	shortReturned := shortBal
	if longReturned > 0 {
		e.addJournal(batch, vault.NewPartyVault(d.Long, d.CollateralAsset), longVault, longReturned, vault.KindMarginReturn, d.Authority())
	}
	if shortReturned > 0 {
		e.addJournal(batch, vault.NewPartyVault(d.Short, d.CollateralAsset), shortVault, shortReturned, vault.KindMarginReturn, d.Authority())
	}

	if len(batch.Journals) > 0 {
		if err := e.apply(batch); err != nil {
			return nil, err
		}
	} else {
		batch = nil
	}

	d.LongMargin = 0
	d.ShortMargin = 0
	d.Settled = true
	d.Version++

	if e.metrics != nil {
		e.metrics.DealsSettled.WithLabelValues(ins.Market, "cash").Inc()
		abs := pnl
		if abs < 0 {
			abs = -abs
		}
		e.metrics.SettlementPnL.WithLabelValues(ins.Market).Add(float64(abs))
		e.metrics.FeesCollected.WithLabelValues(ins.Market).Add(float64(fee))
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeCashSettled,
		dealID:  &dealID,
		payload: event.CashSettled{
			SettlementPrice: price,
			PnLLong:         pnl,
			Fee:             fee,
			LongReturned:    longReturned,
			ShortReturned:   shortReturned,
		},
	}, nil
}

func (e *Engine) handleSettlePhysical(ins *instruction.SettlePhysical) (*result, error) {
	d, err := e.deals.Get(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	return e.settlePhysical(ins, ins.Market, ins.DealID, d.RemainingQuantity)
}

func (e *Engine) handleSettlePartialPhysical(ins *instruction.SettlePartialPhysical) (*result, error) {
	return e.settlePhysical(ins, ins.Market, ins.DealID, ins.Amount)
}

// settlePhysical delivers receipt units against strike payment. Delivering
// the full remaining quantity additionally returns leftover margins and
// closes the deal, so a partial for the whole remainder behaves exactly like
// a full settlement.
func (e *Engine) settlePhysical(ins instruction.Instruction, marketID string, dealID uint64, amount int64) (*result, error) {
	m, err := e.markets.Get(marketID)
	if err != nil {
		return nil, err
	}
	d, err := e.openDeal(marketID, dealID)
	if err != nil {
		return nil, err
	}
	signer := ins.(interface{ SignedBy() uuid.UUID }).SignedBy()
	if err := settleParticipant(m, d, signer); err != nil {
		return nil, err
	}
	if d.Kind != state.SettlePhysical {
		return nil, state.ErrWrongSettlementKind
	}
	now := ins.Time().UnixMicro()
	if now < d.SettleAt {
		return nil, fmt.Errorf("%w: now %d, settle_at %d", state.ErrTooEarlyToSettle, now, d.SettleAt)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: delivery amount %d", state.ErrZeroAmount, amount)
	}

	snap := d.Snapshot()
	if amount > snap.Remaining {
		return nil, fmt.Errorf("%w: %d exceeds remaining %d", state.ErrExcessiveQuantity, amount, snap.Remaining)
	}
	completing := amount == snap.Remaining

	payment, err := fpmath.Notional(snap.StrikePrice, amount, snap.PriceExponent)
	if err != nil {
		return nil, err
	}
	// The payment leg drains the long margin vault, so the recorded margin
	// must cover it before any transfer happens.
	if payment > d.RecordedMargin(state.SideLong) {
		return nil, fmt.Errorf("%w: payment %d exceeds recorded long margin %d",
			state.ErrMarginUnderflow, payment, d.RecordedMargin(state.SideLong))
	}

	longVault := d.MarginVault(state.SideLong)
	shortVault := d.MarginVault(state.SideShort)

	batch := e.newBatch(ins)
	e.addJournal(batch,
		vault.NewPartyVault(d.Long, d.ReceiptAsset),
		vault.NewPartyVault(d.Short, d.ReceiptAsset),
		amount, vault.KindSettlementDelivery, partyAuthority(d.Short))
	if payment > 0 {
		e.addJournal(batch, vault.NewPartyVault(d.Short, d.CollateralAsset), longVault, payment, vault.KindSettlementPayment, d.Authority())
	}

	if completing {
		longLeft := e.ledger.BalanceOf(longVault) - payment
		shortLeft := e.ledger.BalanceOf(shortVault)
		if longLeft > 0 {
			e.addJournal(batch, vault.NewPartyVault(d.Long, d.CollateralAsset), longVault, longLeft, vault.KindMarginReturn, d.Authority())
		}
		if shortLeft > 0 {
			e.addJournal(batch, vault.NewPartyVault(d.Short, d.CollateralAsset), shortVault, shortLeft, vault.KindMarginReturn, d.Authority())
		}
	}

	if err := e.apply(batch); err != nil {
		return nil, err
	}

	d.RemainingQuantity -= amount
	if completing {
		d.LongMargin = 0
		d.ShortMargin = 0
		d.Settled = true
		if e.metrics != nil {
			e.metrics.DealsSettled.WithLabelValues(marketID, "physical").Inc()
		}
	} else {
		if err := d.SubMargin(state.SideLong, payment); err != nil {
			panic(fmt.Sprintf("FATAL: margin mirror after checked payment: %v", err))
		}
	}
	d.Version++

	id := dealID
	return &result{
		batch:   batch,
		evtType: event.TypePhysicalSettled,
		dealID:  &id,
		payload: event.PhysicalSettled{
			Delivered: amount,
			Payment:   payment,
			Remaining: d.RemainingQuantity,
			Completed: completing,
		},
	}, nil
}

// --- Cross-margin handlers ---

func (e *Engine) handleCrossMarginCreate(ins *instruction.CrossMarginCreate) (*result, error) {
	if _, err := e.markets.Get(ins.Market); err != nil {
		return nil, err
	}
	asset := vault.RegisterAsset(ins.CollateralAsset)

	acct := &state.CrossMarginAccount{
		MarketID: ins.Market,
		Owner:    ins.Signer,
		Asset:    asset,
	}
	if err := e.pools.Create(acct); err != nil {
		return nil, err
	}

	return &result{
		evtType: event.TypeCrossMarginCreated,
		payload: event.CrossMarginCreated{Owner: ins.Signer, Asset: ins.CollateralAsset},
	}, nil
}

func (e *Engine) crossMarginPool(marketID string, owner uuid.UUID, asset vault.AssetID) (*state.CrossMarginAccount, error) {
	return e.pools.Get(marketID, owner, asset)
}

func (e *Engine) handleCrossMarginDeposit(ins *instruction.CrossMarginDeposit) (*result, error) {
	asset, ok := vault.GetAssetID(ins.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrCollateralNotFound, ins.CollateralAsset)
	}
	pool, err := e.crossMarginPool(ins.Market, ins.Signer, asset)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: deposit %d", state.ErrZeroAmount, ins.Amount)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch, pool.PoolVault(), vault.NewPartyVault(ins.Signer, asset), ins.Amount, vault.KindPoolDeposit, partyAuthority(ins.Signer))
	if err := e.apply(batch); err != nil {
		return nil, err
	}
	pool.Credit(ins.Amount)

	return &result{
		batch:   batch,
		evtType: event.TypeCrossMarginDeposited,
		payload: event.CrossMarginDeposited{
			Owner:   ins.Signer,
			Asset:   ins.CollateralAsset,
			Amount:  ins.Amount,
			Balance: pool.Balance,
		},
	}, nil
}

func (e *Engine) handleCrossMarginWithdraw(ins *instruction.CrossMarginWithdraw) (*result, error) {
	asset, ok := vault.GetAssetID(ins.CollateralAsset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrCollateralNotFound, ins.CollateralAsset)
	}
	pool, err := e.crossMarginPool(ins.Market, ins.Signer, asset)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: withdrawal %d", state.ErrZeroAmount, ins.Amount)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch, vault.NewPartyVault(ins.Signer, asset), pool.PoolVault(), ins.Amount, vault.KindPoolWithdraw, pool.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}
	if err := pool.Debit(ins.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: pool mirror under ledger balance: %v", err))
	}

	return &result{
		batch:   batch,
		evtType: event.TypeCrossMarginWithdrawn,
		payload: event.CrossMarginWithdrawn{
			Owner:   ins.Signer,
			Asset:   ins.CollateralAsset,
			Amount:  ins.Amount,
			Balance: pool.Balance,
		},
	}, nil
}

func (e *Engine) handleCrossMarginMoveToDeal(ins *instruction.CrossMarginMoveToDeal) (*result, error) {
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	s := side(ins.Long)
	if ins.Signer != d.Party(s) {
		return nil, fmt.Errorf("%w: signer is not the %s party", state.ErrUnauthorized, s)
	}
	pool, err := e.crossMarginPool(ins.Market, ins.Signer, d.CollateralAsset)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: move %d", state.ErrZeroAmount, ins.Amount)
	}

	batch := e.newBatch(ins)
	e.addJournal(batch, d.MarginVault(s), pool.PoolVault(), ins.Amount, vault.KindPoolMove, pool.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}
	if err := pool.Debit(ins.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: pool mirror under ledger balance: %v", err))
	}
	if err := d.AddMargin(s, ins.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: margin mirror overflow after funded batch: %v", err))
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeCrossMarginMoved,
		dealID:  &dealID,
		payload: event.CrossMarginMoved{
			Owner:     ins.Signer,
			DealID:    ins.DealID,
			Long:      ins.Long,
			Amount:    ins.Amount,
			ToDeal:    true,
			NewMargin: d.RecordedMargin(s),
			Balance:   pool.Balance,
		},
	}, nil
}

func (e *Engine) handleCrossMarginMoveFromDeal(ins *instruction.CrossMarginMoveFromDeal) (*result, error) {
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	s := side(ins.Long)
	if ins.Signer != d.Party(s) {
		return nil, fmt.Errorf("%w: signer is not the %s party", state.ErrUnauthorized, s)
	}
	pool, err := e.crossMarginPool(ins.Market, ins.Signer, d.CollateralAsset)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: move %d", state.ErrZeroAmount, ins.Amount)
	}
	// Checked subtraction on the recorded margin fails before any transfer.
	if ins.Amount > d.RecordedMargin(s) {
		return nil, fmt.Errorf("%w: move %d exceeds recorded margin %d",
			state.ErrMarginUnderflow, ins.Amount, d.RecordedMargin(s))
	}

	batch := e.newBatch(ins)
	e.addJournal(batch, pool.PoolVault(), d.MarginVault(s), ins.Amount, vault.KindPoolMove, d.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}
	if err := d.SubMargin(s, ins.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: margin mirror after checked move: %v", err))
	}
	pool.Credit(ins.Amount)

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeCrossMarginMoved,
		dealID:  &dealID,
		payload: event.CrossMarginMoved{
			Owner:     ins.Signer,
			DealID:    ins.DealID,
			Long:      ins.Long,
			Amount:    ins.Amount,
			ToDeal:    false,
			NewMargin: d.RecordedMargin(s),
			Balance:   pool.Balance,
		},
	}, nil
}

// --- Yield parking handlers ---

func (e *Engine) handleYieldPark(ins *instruction.YieldPark) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	if !m.IsStrategyOperator(ins.Signer) {
		return nil, fmt.Errorf("%w: signer is not the strategy operator", state.ErrUnauthorized)
	}
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: park %d", state.ErrZeroAmount, ins.Amount)
	}

	s := side(ins.Long)
	marginVault := d.MarginVault(s)
	strategyVault := d.StrategyVault()

	batch := e.newBatch(ins)
	e.addJournal(batch, strategyVault, marginVault, ins.Amount, vault.KindYieldPark, d.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.YieldParkedTotal.WithLabelValues(ins.Market).Add(float64(ins.Amount))
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeYieldParked,
		dealID:  &dealID,
		payload: event.YieldParked{
			Operator:           ins.Signer,
			Long:               ins.Long,
			Amount:             ins.Amount,
			MarginVaultBalance: e.ledger.BalanceOf(marginVault),
			ParkedBalance:      e.ledger.BalanceOf(strategyVault),
		},
	}, nil
}

func (e *Engine) handleYieldUnpark(ins *instruction.YieldUnpark) (*result, error) {
	m, err := e.markets.Get(ins.Market)
	if err != nil {
		return nil, err
	}
	if !m.IsStrategyOperator(ins.Signer) {
		return nil, fmt.Errorf("%w: signer is not the strategy operator", state.ErrUnauthorized)
	}
	d, err := e.openDeal(ins.Market, ins.DealID)
	if err != nil {
		return nil, err
	}
	if ins.Amount <= 0 {
		return nil, fmt.Errorf("%w: unpark %d", state.ErrZeroAmount, ins.Amount)
	}

	s := side(ins.Long)
	marginVault := d.MarginVault(s)
	strategyVault := d.StrategyVault()

	batch := e.newBatch(ins)
	e.addJournal(batch, marginVault, strategyVault, ins.Amount, vault.KindYieldUnpark, d.Authority())
	if err := e.apply(batch); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.YieldParkedTotal.WithLabelValues(ins.Market).Sub(float64(ins.Amount))
	}

	dealID := ins.DealID
	return &result{
		batch:   batch,
		evtType: event.TypeYieldUnparked,
		dealID:  &dealID,
		payload: event.YieldUnparked{
			Operator:           ins.Signer,
			Long:               ins.Long,
			Amount:             ins.Amount,
			MarginVaultBalance: e.ledger.BalanceOf(marginVault),
			ParkedBalance:      e.ledger.BalanceOf(strategyVault),
		},
	}, nil
}

// --- State digest ---

// computeStateDigest creates canonical bytes covering every vault the batch
// touched, path-sorted, with post-apply balances.
func (e *Engine) computeStateDigest(batch *vault.Batch) []byte {
	affected := make(map[vault.VaultKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	keys := make([]vault.VaultKey, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].VaultPath() < keys[j].VaultPath()
	})

	digest := make([]byte, 0, len(keys)*64)
	for _, key := range keys {
		balance := e.ledger.BalanceOf(key)

		path := key.VaultPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, balance)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Assets          map[string]vault.AssetID
	Balances        map[vault.VaultKey]int64
	MintDelegates   map[vault.AssetID][16]byte
	Markets         []*state.Market
	Warehouses      []*state.Warehouse
	Deals           []*state.Deal
	Pools           []*state.CrossMarginAccount
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the engine's in-memory state. Derived values
// (entities, authorities) are recomputed, never trusted from serialized form.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)

	vault.RestoreAssets(snap.Assets)

	for key, balance := range snap.Balances {
		e.ledger.SetBalance(key, balance)
	}
	for assetID, entity := range snap.MintDelegates {
		e.ledger.RestoreMintDelegate(assetID, entity)
	}

	for _, m := range snap.Markets {
		e.markets.Restore(m)
	}
	for _, w := range snap.Warehouses {
		e.warehouses.Restore(w)
	}
	for _, d := range snap.Deals {
		e.deals.Restore(d)
	}
	for _, p := range snap.Pools {
		e.pools.Restore(p)
	}

	for partition, nextSeq := range snap.SequenceState {
		e.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache so redeliveries
// of just-processed instructions skip the cold path.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Records are cloned, not aliased: the snapshot is marshaled on another
// goroutine while the core keeps mutating the live state, and a restored
// engine must never share records with its donor.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	markets := e.markets.All()
	marketCopies := make([]*state.Market, len(markets))
	for i, m := range markets {
		marketCopies[i] = m.Clone()
	}
	warehouses := e.warehouses.All()
	warehouseCopies := make([]*state.Warehouse, len(warehouses))
	for i, w := range warehouses {
		warehouseCopies[i] = w.Clone()
	}
	deals := e.deals.All()
	dealCopies := make([]*state.Deal, len(deals))
	for i, d := range deals {
		dealCopies[i] = d.Clone()
	}
	pools := e.pools.All()
	poolCopies := make([]*state.CrossMarginAccount, len(pools))
	for i, p := range pools {
		poolCopies[i] = p.Clone()
	}

	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Assets:          vault.Assets(),
		Balances:        e.ledger.Snapshot(),
		MintDelegates:   e.ledger.MintDelegates(),
		Markets:         marketCopies,
		Warehouses:      warehouseCopies,
		Deals:           dealCopies,
		Pools:           poolCopies,
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}
