package core_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"ForwardClear/internal/core"
	"ForwardClear/internal/event"
	"ForwardClear/internal/instruction"
	"ForwardClear/internal/state"
	"ForwardClear/internal/vault"
)

// --- Test fixture ---

const (
	testMarket    = "COFFEE-DEC26"
	collateralSym = "USD"
	receiptSym    = "WR-COFFEE"
)

var (
	baseTime   = time.UnixMicro(1_750_000_000_000_000)
	settleTime = baseTime.Add(25 * time.Hour)
)

// Market fixture: exponent -6, fee 100 bps, base margin 500 bps, vol
// multiplier 1000 bps, last vol 2000 bps. Effective margin rate is
// 500 + 1000*2000/10000 = 700 bps.
type fixture struct {
	t       *testing.T
	eng     *core.Engine
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	seqs    map[string]int64

	admin      uuid.UUID
	governance uuid.UUID
	oracle     uuid.UUID
	operator   uuid.UUID
	long       uuid.UUID
	short      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	vault.ResetAssetsForTest()
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	return &fixture{
		t:          t,
		eng:        core.NewEngine(0, persist, proj, nil, nil),
		persist:    persist,
		proj:       proj,
		seqs:       make(map[string]int64),
		admin:      uuid.New(),
		governance: uuid.New(),
		oracle:     uuid.New(),
		operator:   uuid.New(),
		long:       uuid.New(),
		short:      uuid.New(),
	}
}

func (f *fixture) next(partition string) int64 {
	seq := f.seqs[partition]
	f.seqs[partition]++
	return seq
}

func (f *fixture) header(signer uuid.UUID, market string, ts time.Time) instruction.Header {
	partition := "global"
	if market != "" {
		partition = "market:" + market
	}
	return instruction.Header{
		InstructionID: uuid.New(),
		Signer:        signer,
		Market:        market,
		Sequence:      f.next(partition),
		Timestamp:     ts,
	}
}

// priceHeader draws from the oracle's own sequence stream, which is
// independent of the strict per-market ordering.
func (f *fixture) priceHeader(market string, ts time.Time) instruction.Header {
	return instruction.Header{
		InstructionID: uuid.New(),
		Signer:        f.oracle,
		Market:        market,
		Sequence:      f.next("price:" + market),
		Timestamp:     ts,
	}
}

func (f *fixture) mustProcess(ins instruction.Instruction) {
	f.t.Helper()
	if err := f.eng.Process(ins); err != nil {
		f.t.Fatalf("%s failed: %v", ins.Type(), err)
	}
}

func (f *fixture) fund(party uuid.UUID, asset string, amount int64) {
	f.t.Helper()
	f.mustProcess(&instruction.ExternalFund{
		Header: f.header(party, "", baseTime),
		Party:  party,
		Asset:  asset,
		Amount: amount,
	})
}

func (f *fixture) initMarket() {
	f.t.Helper()
	f.mustProcess(&instruction.InitMarket{
		Header:               f.header(f.admin, testMarket, baseTime),
		Governance:           f.governance,
		Oracle:               f.oracle,
		CollateralAsset:      collateralSym,
		ReceiptAsset:         receiptSym,
		PriceExponent:        -6,
		FeeBps:               100,
		BaseInitialMarginBps: 500,
		MaintenanceMarginBps: 300,
		VolMultiplierBps:     1000,
		LastVolBps:           2000,
	})
}

func (f *fixture) postPrice(price, volBps int64) {
	f.t.Helper()
	f.mustProcess(&instruction.PostPrice{
		Header:        f.priceHeader(testMarket, baseTime),
		Price:         price,
		PriceExponent: -6,
		VolBps:        volBps,
	})
}

func (f *fixture) openDeal(dealID uint64, physical bool, strike, qty, initLong, initShort int64) {
	f.t.Helper()
	f.mustProcess(&instruction.OpenDeal{
		Header:          f.header(f.long, testMarket, baseTime),
		DealID:          dealID,
		DealVersion:     state.DealSchemaVersion,
		CoSigner:        f.short,
		Long:            f.long,
		Short:           f.short,
		CollateralAsset: collateralSym,
		StrikePrice:     strike,
		Quantity:        qty,
		SettleAt:        baseTime.Add(24 * time.Hour).UnixMicro(),
		Physical:        physical,
		InitialLong:     initLong,
		InitialShort:    initShort,
	})
}

// setupCash funds both parties and books a cash deal: strike 100.000000,
// qty 10.000000, notional 1000.000000, required margin 70.000000.
func (f *fixture) setupCash() {
	f.t.Helper()
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.initMarket()
	f.openDeal(1, false, 100_000_000, 10_000_000, 80_000_000, 150_000_000)
}

// setupPhysical books a physical deal backed by minted receipts: strike
// 20.000000, qty 5.000000, full-delivery payment 100.000000.
func (f *fixture) setupPhysical() {
	f.t.Helper()
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.initMarket()
	f.mustProcess(&instruction.RegisterWarehouse{
		Header:   f.header(f.admin, testMarket, baseTime),
		Operator: f.operator,
	})
	f.mustProcess(&instruction.MintReceipt{
		Header:    f.header(f.operator, testMarket, baseTime),
		Operator:  f.operator,
		Recipient: f.short,
		Quantity:  5_000_000,
	})
	f.openDeal(1, true, 20_000_000, 5_000_000, 120_000_000, 10_000_000)
}

func (f *fixture) partyBalance(party uuid.UUID, symbol string) int64 {
	f.t.Helper()
	id, ok := vault.GetAssetID(symbol)
	if !ok {
		f.t.Fatalf("asset %s not registered", symbol)
	}
	return f.eng.Ledger().BalanceOf(vault.NewPartyVault(party, id))
}

func (f *fixture) deal(dealID uint64) *state.Deal {
	f.t.Helper()
	d, err := f.eng.Deals().Get(testMarket, dealID)
	if err != nil {
		f.t.Fatalf("deal %d: %v", dealID, err)
	}
	return d
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func lastOutput(t *testing.T, ch chan core.CoreOutput) core.CoreOutput {
	t.Helper()
	outputs := drainOutputs(ch)
	if len(outputs) == 0 {
		t.Fatal("expected at least one output")
	}
	return outputs[len(outputs)-1]
}

// ============================================================================
// Test: Market Lifecycle
// ============================================================================

func TestInitMarket_CreatesMarket(t *testing.T) {
	f := newFixture(t)
	f.initMarket()

	m, err := f.eng.Markets().Get(testMarket)
	if err != nil {
		t.Fatalf("market lookup: %v", err)
	}
	if m.Admin != f.admin || m.Governance != f.governance || m.Oracle != f.oracle {
		t.Error("market roles not recorded")
	}
	if m.FeeBps != 100 || m.BaseInitialMarginBps != 500 || m.LastVolBps != 2000 {
		t.Error("market params not recorded")
	}

	o := lastOutput(t, f.persist)
	if o.Envelope.EventType != event.TypeMarketInitialized {
		t.Errorf("expected market_initialized, got %s", o.Envelope.EventType)
	}
	if o.Envelope.MarketID != testMarket {
		t.Errorf("expected market %s, got %s", testMarket, o.Envelope.MarketID)
	}
	if o.Envelope.Sequence != 0 {
		t.Errorf("expected sequence 0, got %d", o.Envelope.Sequence)
	}
}

func TestPauseMarket_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.initMarket()
	drainOutputs(f.persist)

	f.mustProcess(&instruction.PauseMarket{Header: f.header(f.admin, testMarket, baseTime)})
	o := lastOutput(t, f.persist)
	var p1 event.MarketPaused
	if err := json.Unmarshal(o.Envelope.Payload, &p1); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p1.NoOp {
		t.Error("first pause should not be a no-op")
	}

	// Second pause applies as a no-op, it is not an error.
	f.mustProcess(&instruction.PauseMarket{Header: f.header(f.governance, testMarket, baseTime)})
	o = lastOutput(t, f.persist)
	var p2 event.MarketPaused
	if err := json.Unmarshal(o.Envelope.Payload, &p2); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p2.NoOp {
		t.Error("second pause should be a no-op")
	}

	m, _ := f.eng.Markets().Get(testMarket)
	if !m.Paused {
		t.Error("market should be paused")
	}

	f.mustProcess(&instruction.UnpauseMarket{Header: f.header(f.admin, testMarket, baseTime)})
	m, _ = f.eng.Markets().Get(testMarket)
	if m.Paused {
		t.Error("market should be unpaused")
	}

	err := f.eng.Process(&instruction.PauseMarket{Header: f.header(f.long, testMarket, baseTime)})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-admin pause, got %v", err)
	}
}

func TestAllowedCollateral_AddRemove(t *testing.T) {
	f := newFixture(t)
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.fund(f.long, "USDT", 200_000_000)
	f.fund(f.short, "USDT", 200_000_000)
	f.initMarket()

	f.mustProcess(&instruction.AddAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "USDT",
	})
	drainOutputs(f.persist)

	// Re-adding an already listed asset applies as a no-op.
	f.mustProcess(&instruction.AddAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "USDT",
	})
	o := lastOutput(t, f.persist)
	var added event.CollateralAdded
	if err := json.Unmarshal(o.Envelope.Payload, &added); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !added.NoOp {
		t.Error("re-add should be a no-op")
	}

	// A deal can margin in the listed asset.
	f.mustProcess(&instruction.OpenDeal{
		Header:          f.header(f.long, testMarket, baseTime),
		DealID:          1,
		DealVersion:     state.DealSchemaVersion,
		CoSigner:        f.short,
		Long:            f.long,
		Short:           f.short,
		CollateralAsset: "USDT",
		StrikePrice:     100_000_000,
		Quantity:        10_000_000,
		SettleAt:        baseTime.Add(24 * time.Hour).UnixMicro(),
		InitialLong:     80_000_000,
		InitialShort:    80_000_000,
	})

	// The primary collateral asset can never be delisted.
	err := f.eng.Process(&instruction.RemoveAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  collateralSym,
	})
	if !errors.Is(err, state.ErrConstraintMismatch) {
		t.Errorf("expected ErrConstraintMismatch removing primary, got %v", err)
	}

	err = f.eng.Process(&instruction.RemoveAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "NOPE",
	})
	if !errors.Is(err, state.ErrCollateralNotFound) {
		t.Errorf("expected ErrCollateralNotFound, got %v", err)
	}

	f.mustProcess(&instruction.RemoveAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "USDT",
	})

	// List changes are blocked while paused.
	f.mustProcess(&instruction.PauseMarket{Header: f.header(f.admin, testMarket, baseTime)})
	err = f.eng.Process(&instruction.AddAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "USDT",
	})
	if !errors.Is(err, state.ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
}

// ============================================================================
// Test: Price Posting
// ============================================================================

func TestPostPrice_LatestArrivalWins(t *testing.T) {
	f := newFixture(t)
	f.initMarket()
	drainOutputs(f.persist)

	f.postPrice(110_000_000, 2_500)
	m, _ := f.eng.Markets().Get(testMarket)
	if m.LastPrice == nil || m.LastPrice.Price != 110_000_000 {
		t.Fatal("first price not recorded")
	}
	if m.LastVolBps != 2_500 {
		t.Errorf("expected vol 2500, got %d", m.LastVolBps)
	}

	// Regressed source sequence still overwrites; it is only flagged stale.
	f.mustProcess(&instruction.PostPrice{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        f.oracle,
			Market:        testMarket,
			Sequence:      0,
			Timestamp:     baseTime,
		},
		Price:         105_000_000,
		PriceExponent: -6,
		VolBps:        -1,
	})
	o := lastOutput(t, f.persist)
	var posted event.PricePosted
	if err := json.Unmarshal(o.Envelope.Payload, &posted); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !posted.Stale {
		t.Error("regressed sequence should be flagged stale")
	}

	m, _ = f.eng.Markets().Get(testMarket)
	if m.LastPrice.Price != 105_000_000 {
		t.Errorf("expected overwrite to 105_000_000, got %d", m.LastPrice.Price)
	}
	// VolBps < 0 keeps the previous reading.
	if m.LastVolBps != 2_500 {
		t.Errorf("expected vol kept at 2500, got %d", m.LastVolBps)
	}
}

func TestPostPrice_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.initMarket()

	err := f.eng.Process(&instruction.PostPrice{
		Header: instruction.Header{
			InstructionID: uuid.New(),
			Signer:        f.long,
			Market:        testMarket,
			Sequence:      0,
			Timestamp:     baseTime,
		},
		Price:         110_000_000,
		PriceExponent: -6,
		VolBps:        -1,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Deal Opening
// ============================================================================

func TestOpenDeal_FundsBothMarginVaults(t *testing.T) {
	f := newFixture(t)
	f.setupCash()

	if got := f.partyBalance(f.long, collateralSym); got != 120_000_000 {
		t.Errorf("long funding vault: expected 120_000_000, got %d", got)
	}
	if got := f.partyBalance(f.short, collateralSym); got != 50_000_000 {
		t.Errorf("short funding vault: expected 50_000_000, got %d", got)
	}

	d := f.deal(1)
	ledger := f.eng.Ledger()
	if got := ledger.BalanceOf(d.MarginVault(state.SideLong)); got != 80_000_000 {
		t.Errorf("long margin vault: expected 80_000_000, got %d", got)
	}
	if got := ledger.BalanceOf(d.MarginVault(state.SideShort)); got != 150_000_000 {
		t.Errorf("short margin vault: expected 150_000_000, got %d", got)
	}
	if d.RecordedMargin(state.SideLong) != 80_000_000 || d.RecordedMargin(state.SideShort) != 150_000_000 {
		t.Error("recorded margins do not mirror the vaults")
	}
	if d.RemainingQuantity != 10_000_000 {
		t.Errorf("expected remaining 10_000_000, got %d", d.RemainingQuantity)
	}

	o := lastOutput(t, f.persist)
	if o.Envelope.EventType != event.TypeDealOpened {
		t.Errorf("expected deal_opened, got %s", o.Envelope.EventType)
	}
	if o.Envelope.DealID == nil || *o.Envelope.DealID != 1 {
		t.Error("envelope should carry the deal ID")
	}
	var opened event.DealOpened
	if err := json.Unmarshal(o.Envelope.Payload, &opened); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if opened.RequiredMargin != 70_000_000 {
		t.Errorf("expected required margin 70_000_000, got %d", opened.RequiredMargin)
	}
}

func TestOpenDeal_MarginThresholdIsExact(t *testing.T) {
	f := newFixture(t)
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.initMarket()

	// One unit below the requirement fails for either side.
	err := f.eng.Process(&instruction.OpenDeal{
		Header:          f.header(f.long, testMarket, baseTime),
		DealID:          1,
		DealVersion:     state.DealSchemaVersion,
		CoSigner:        f.short,
		Long:            f.long,
		Short:           f.short,
		CollateralAsset: collateralSym,
		StrikePrice:     100_000_000,
		Quantity:        10_000_000,
		SettleAt:        baseTime.Add(24 * time.Hour).UnixMicro(),
		InitialLong:     69_999_999,
		InitialShort:    70_000_000,
	})
	if !errors.Is(err, state.ErrInsufficientInitialMargin) {
		t.Fatalf("expected ErrInsufficientInitialMargin, got %v", err)
	}

	// Exactly the requirement succeeds.
	f.openDeal(1, false, 100_000_000, 10_000_000, 70_000_000, 70_000_000)
}

func TestOpenDeal_Rejections(t *testing.T) {
	f := newFixture(t)
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.initMarket()

	base := func() *instruction.OpenDeal {
		return &instruction.OpenDeal{
			Header:          f.header(f.long, testMarket, baseTime),
			DealID:          9,
			DealVersion:     state.DealSchemaVersion,
			CoSigner:        f.short,
			Long:            f.long,
			Short:           f.short,
			CollateralAsset: collateralSym,
			StrikePrice:     100_000_000,
			Quantity:        10_000_000,
			SettleAt:        baseTime.Add(24 * time.Hour).UnixMicro(),
			InitialLong:     80_000_000,
			InitialShort:    80_000_000,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*instruction.OpenDeal)
		wantErr error
	}{
		{"schema version mismatch", func(i *instruction.OpenDeal) { i.DealVersion = 99 }, state.ErrVersionMismatch},
		{"signer not a counterparty", func(i *instruction.OpenDeal) { i.Signer = uuid.New() }, state.ErrUnauthorized},
		{"co-signer not a counterparty", func(i *instruction.OpenDeal) { i.CoSigner = uuid.New() }, state.ErrUnauthorized},
		{"one party signing twice", func(i *instruction.OpenDeal) { i.CoSigner = f.long }, state.ErrUnauthorized},
		{"settle_at not in the future", func(i *instruction.OpenDeal) { i.SettleAt = i.Timestamp.UnixMicro() }, state.ErrInvalidSettlementTime},
		{"zero quantity", func(i *instruction.OpenDeal) { i.Quantity = 0 }, state.ErrZeroQuantity},
		{"unlisted collateral", func(i *instruction.OpenDeal) { i.CollateralAsset = "EUR" }, state.ErrCollateralNotAllowed},
	}
	for _, tt := range tests {
		ins := base()
		tt.mutate(ins)
		if err := f.eng.Process(ins); !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}

	f.openDeal(9, false, 100_000_000, 10_000_000, 80_000_000, 80_000_000)
	ins := base()
	if err := f.eng.Process(ins); !errors.Is(err, state.ErrDealExists) {
		t.Errorf("expected ErrDealExists, got %v", err)
	}

	f.mustProcess(&instruction.PauseMarket{Header: f.header(f.admin, testMarket, baseTime)})
	ins = base()
	ins.DealID = 10
	if err := f.eng.Process(ins); !errors.Is(err, state.ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
}

func TestDepositMargin_TopsUpOneSide(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	drainOutputs(f.persist)

	f.mustProcess(&instruction.DepositMargin{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 25_000_000,
	})

	d := f.deal(1)
	if d.RecordedMargin(state.SideLong) != 105_000_000 {
		t.Errorf("expected long margin 105_000_000, got %d", d.RecordedMargin(state.SideLong))
	}
	if got := f.partyBalance(f.long, collateralSym); got != 95_000_000 {
		t.Errorf("expected long funding 95_000_000, got %d", got)
	}

	// The short party cannot top up the long side.
	err := f.eng.Process(&instruction.DepositMargin{
		Header: f.header(f.short, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 1_000_000,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// ============================================================================
// Test: Cash Settlement
// ============================================================================

func TestCashSettlement_LongWins_FeeCarvedFromPayout(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(110_000_000, -1)
	drainOutputs(f.persist)

	// PnL for long is (110-100)*10 = 100.000000; the 100 bps fee carves
	// 1.000000 off the payout.
	f.mustProcess(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})

	// Long: 120 funding + 99 net payout + 80 margin return.
	if got := f.partyBalance(f.long, collateralSym); got != 299_000_000 {
		t.Errorf("long: expected 299_000_000, got %d", got)
	}
	// Short: 50 funding + (150 - 100) margin return.
	if got := f.partyBalance(f.short, collateralSym); got != 100_000_000 {
		t.Errorf("short: expected 100_000_000, got %d", got)
	}

	m, _ := f.eng.Markets().Get(testMarket)
	usd, _ := vault.GetAssetID(collateralSym)
	if got := f.eng.Ledger().BalanceOf(m.FeeVault(usd)); got != 1_000_000 {
		t.Errorf("fee vault: expected 1_000_000, got %d", got)
	}

	d := f.deal(1)
	if !d.Settled {
		t.Error("deal should be settled")
	}
	if d.RecordedMargin(state.SideLong) != 0 || d.RecordedMargin(state.SideShort) != 0 {
		t.Error("recorded margins should be zeroed")
	}

	o := lastOutput(t, f.persist)
	var settled event.CashSettled
	if err := json.Unmarshal(o.Envelope.Payload, &settled); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if settled.PnLLong != 100_000_000 || settled.Fee != 1_000_000 {
		t.Errorf("unexpected settlement payload: %+v", settled)
	}

	// Settlement is terminal.
	err := f.eng.Process(&instruction.SettleCash{
		Header: f.header(f.short, testMarket, settleTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrAlreadySettled) {
		t.Errorf("expected ErrAlreadySettled, got %v", err)
	}
}

func TestCashSettlement_ShortWins(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(95_000_000, -1)

	f.mustProcess(&instruction.SettleCash{
		Header: f.header(f.short, testMarket, settleTime),
		DealID: 1,
	})

	// Long loses 50.000000; fee 0.500000 comes out of the payout.
	// Long: 120 funding + (80 - 50) margin return.
	if got := f.partyBalance(f.long, collateralSym); got != 150_000_000 {
		t.Errorf("long: expected 150_000_000, got %d", got)
	}
	// Short: 50 funding + 49.5 net payout + 150 margin return.
	if got := f.partyBalance(f.short, collateralSym); got != 249_500_000 {
		t.Errorf("short: expected 249_500_000, got %d", got)
	}
	m, _ := f.eng.Markets().Get(testMarket)
	usd, _ := vault.GetAssetID(collateralSym)
	if got := f.eng.Ledger().BalanceOf(m.FeeVault(usd)); got != 500_000 {
		t.Errorf("fee vault: expected 500_000, got %d", got)
	}
}

func TestCashSettlement_AlternateCollateral(t *testing.T) {
	f := newFixture(t)
	f.fund(f.long, "EUR", 200_000_000)
	f.fund(f.short, "EUR", 200_000_000)
	f.initMarket()
	f.mustProcess(&instruction.AddAllowedCollateral{
		Header: f.header(f.admin, testMarket, baseTime),
		Asset:  "EUR",
	})

	f.mustProcess(&instruction.OpenDeal{
		Header:          f.header(f.long, testMarket, baseTime),
		DealID:          1,
		DealVersion:     state.DealSchemaVersion,
		CoSigner:        f.short,
		Long:            f.long,
		Short:           f.short,
		CollateralAsset: "EUR",
		StrikePrice:     100_000_000,
		Quantity:        10_000_000,
		SettleAt:        baseTime.Add(24 * time.Hour).UnixMicro(),
		InitialLong:     80_000_000,
		InitialShort:    150_000_000,
	})
	f.postPrice(110_000_000, -1)

	f.mustProcess(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})

	// Same economics as the primary-collateral case, denominated in the
	// deal's asset. The fee accrues in the market's EUR fee vault.
	if got := f.partyBalance(f.long, "EUR"); got != 299_000_000 {
		t.Errorf("long: expected 299_000_000, got %d", got)
	}
	if got := f.partyBalance(f.short, "EUR"); got != 100_000_000 {
		t.Errorf("short: expected 100_000_000, got %d", got)
	}

	m, _ := f.eng.Markets().Get(testMarket)
	eur, _ := vault.GetAssetID("EUR")
	if got := f.eng.Ledger().BalanceOf(m.FeeVault(eur)); got != 1_000_000 {
		t.Errorf("fee vault: expected 1_000_000, got %d", got)
	}

	if !f.deal(1).Settled {
		t.Error("deal should be settled")
	}
}

func TestCashSettlement_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.setupCash()

	// No posted price yet.
	err := f.eng.Process(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrNoSettlementPrice) {
		t.Errorf("expected ErrNoSettlementPrice, got %v", err)
	}

	f.postPrice(110_000_000, -1)

	// Before settle_at.
	err = f.eng.Process(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, baseTime.Add(time.Hour)),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrTooEarlyToSettle) {
		t.Errorf("expected ErrTooEarlyToSettle, got %v", err)
	}

	// A stranger cannot trigger settlement.
	err = f.eng.Process(&instruction.SettleCash{
		Header: f.header(uuid.New(), testMarket, settleTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	// Physical settlement on a cash deal.
	err = f.eng.Process(&instruction.SettlePhysical{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrWrongSettlementKind) {
		t.Errorf("expected ErrWrongSettlementKind, got %v", err)
	}
}

func TestCashSettlement_InsufficientVault_FailsClosed(t *testing.T) {
	f := newFixture(t)
	f.fund(f.long, collateralSym, 200_000_000)
	f.fund(f.short, collateralSym, 200_000_000)
	f.initMarket()
	// Short margin covers the requirement but not a 100.000000 payout.
	f.openDeal(1, false, 100_000_000, 10_000_000, 70_000_000, 70_000_000)
	f.postPrice(110_000_000, -1)

	d := f.deal(1)
	ledger := f.eng.Ledger()
	longBefore := ledger.BalanceOf(d.MarginVault(state.SideLong))
	shortBefore := ledger.BalanceOf(d.MarginVault(state.SideShort))

	err := f.eng.Process(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})
	if err == nil {
		t.Fatal("expected settlement to fail on underfunded margin vault")
	}

	// Nothing moved and the deal is still open.
	if ledger.BalanceOf(d.MarginVault(state.SideLong)) != longBefore ||
		ledger.BalanceOf(d.MarginVault(state.SideShort)) != shortBefore {
		t.Error("failed settlement must not move funds")
	}
	if d.Settled {
		t.Error("failed settlement must not close the deal")
	}
	if d.RecordedMargin(state.SideShort) != 70_000_000 {
		t.Error("failed settlement must not touch recorded margins")
	}
}

// ============================================================================
// Test: Physical Settlement
// ============================================================================

func TestPhysicalSettlement_FullDelivery(t *testing.T) {
	f := newFixture(t)
	f.setupPhysical()
	drainOutputs(f.persist)

	f.mustProcess(&instruction.SettlePhysical{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})

	// Long receives the receipts, short receives strike payment 100.000000.
	if got := f.partyBalance(f.long, receiptSym); got != 5_000_000 {
		t.Errorf("long receipts: expected 5_000_000, got %d", got)
	}
	if got := f.partyBalance(f.short, receiptSym); got != 0 {
		t.Errorf("short receipts: expected 0, got %d", got)
	}
	// Long: 200 - 120 margin + 20 leftover return.
	if got := f.partyBalance(f.long, collateralSym); got != 100_000_000 {
		t.Errorf("long collateral: expected 100_000_000, got %d", got)
	}
	// Short: 200 - 10 margin + 100 payment + 10 margin return.
	if got := f.partyBalance(f.short, collateralSym); got != 300_000_000 {
		t.Errorf("short collateral: expected 300_000_000, got %d", got)
	}

	d := f.deal(1)
	if !d.Settled || d.RemainingQuantity != 0 {
		t.Error("full delivery should close the deal")
	}

	o := lastOutput(t, f.persist)
	var settled event.PhysicalSettled
	if err := json.Unmarshal(o.Envelope.Payload, &settled); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !settled.Completed || settled.Payment != 100_000_000 {
		t.Errorf("unexpected settlement payload: %+v", settled)
	}
}

func TestPartialPhysical_DeliversInTranches(t *testing.T) {
	f := newFixture(t)
	f.setupPhysical()

	f.mustProcess(&instruction.SettlePartialPhysical{
		Header: f.header(f.short, testMarket, settleTime),
		DealID: 1,
		Amount: 2_000_000,
	})

	d := f.deal(1)
	if d.Settled {
		t.Error("partial delivery must not close the deal")
	}
	if d.RemainingQuantity != 3_000_000 {
		t.Errorf("expected remaining 3_000_000, got %d", d.RemainingQuantity)
	}
	// Payment 40.000000 drains the long margin mirror.
	if d.RecordedMargin(state.SideLong) != 80_000_000 {
		t.Errorf("expected long margin 80_000_000, got %d", d.RecordedMargin(state.SideLong))
	}
	if got := f.partyBalance(f.long, receiptSym); got != 2_000_000 {
		t.Errorf("long receipts: expected 2_000_000, got %d", got)
	}

	// Over-delivery of the remainder is rejected.
	err := f.eng.Process(&instruction.SettlePartialPhysical{
		Header: f.header(f.short, testMarket, settleTime),
		DealID: 1,
		Amount: 4_000_000,
	})
	if !errors.Is(err, state.ErrExcessiveQuantity) {
		t.Errorf("expected ErrExcessiveQuantity, got %v", err)
	}

	// Delivering the exact remainder completes the deal.
	f.mustProcess(&instruction.SettlePartialPhysical{
		Header: f.header(f.short, testMarket, settleTime),
		DealID: 1,
		Amount: 3_000_000,
	})
	d = f.deal(1)
	if !d.Settled || d.RemainingQuantity != 0 {
		t.Error("final tranche should close the deal")
	}
	if got := f.partyBalance(f.long, collateralSym); got != 100_000_000 {
		t.Errorf("long collateral: expected 100_000_000, got %d", got)
	}
	if got := f.partyBalance(f.short, collateralSym); got != 300_000_000 {
		t.Errorf("short collateral: expected 300_000_000, got %d", got)
	}
}

// A partial delivery of the whole remaining quantity is the same operation
// as a full settlement: identical vault balances and state hashes.
func TestPartialPhysical_FullAmount_EqualsFullSettlement(t *testing.T) {
	full := newFixture(t)
	full.setupPhysical()
	full.mustProcess(&instruction.SettlePhysical{
		Header: full.header(full.long, testMarket, settleTime),
		DealID: 1,
	})
	fullBalances := full.eng.Ledger().Snapshot()
	fullHash := full.eng.GetStateHash()

	partial := newFixture(t)
	partial.admin, partial.governance, partial.oracle = full.admin, full.governance, full.oracle
	partial.operator, partial.long, partial.short = full.operator, full.long, full.short
	partial.setupPhysical()
	partial.mustProcess(&instruction.SettlePartialPhysical{
		Header: partial.header(partial.long, testMarket, settleTime),
		DealID: 1,
		Amount: 5_000_000,
	})
	partialBalances := partial.eng.Ledger().Snapshot()

	if !reflect.DeepEqual(fullBalances, partialBalances) {
		t.Error("full and whole-remainder partial settlement diverged on balances")
	}
	if partial.eng.GetStateHash() != fullHash {
		t.Error("full and whole-remainder partial settlement diverged on state hash")
	}
	if d := partial.deal(1); !d.Settled {
		t.Error("whole-remainder partial should close the deal")
	}
}

// ============================================================================
// Test: Freeze / Unfreeze
// ============================================================================

func TestFreezeDeal_BlocksMutations(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(110_000_000, -1)

	err := f.eng.Process(&instruction.FreezeDeal{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for party freeze, got %v", err)
	}

	f.mustProcess(&instruction.FreezeDeal{
		Header: f.header(f.admin, testMarket, baseTime),
		DealID: 1,
	})

	err = f.eng.Process(&instruction.DepositMargin{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 1_000_000,
	})
	if !errors.Is(err, state.ErrDealFrozen) {
		t.Errorf("deposit on frozen deal: expected ErrDealFrozen, got %v", err)
	}

	err = f.eng.Process(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrDealFrozen) {
		t.Errorf("settle on frozen deal: expected ErrDealFrozen, got %v", err)
	}

	err = f.eng.Process(&instruction.FreezeDeal{
		Header: f.header(f.admin, testMarket, baseTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrDealFrozen) {
		t.Errorf("double freeze: expected ErrDealFrozen, got %v", err)
	}

	f.mustProcess(&instruction.UnfreezeDeal{
		Header: f.header(f.governance, testMarket, baseTime),
		DealID: 1,
	})
	f.mustProcess(&instruction.DepositMargin{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 1_000_000,
	})

	err = f.eng.Process(&instruction.UnfreezeDeal{
		Header: f.header(f.admin, testMarket, baseTime),
		DealID: 1,
	})
	if !errors.Is(err, state.ErrDealNotFrozen) {
		t.Errorf("unfreeze unfrozen: expected ErrDealNotFrozen, got %v", err)
	}
}

// ============================================================================
// Test: Warehouse Receipts
// ============================================================================

func TestWarehouse_MintAndBurn(t *testing.T) {
	f := newFixture(t)
	f.initMarket()

	err := f.eng.Process(&instruction.RegisterWarehouse{
		Header:   f.header(f.long, testMarket, baseTime),
		Operator: f.operator,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("non-admin register: expected ErrUnauthorized, got %v", err)
	}

	f.mustProcess(&instruction.RegisterWarehouse{
		Header:   f.header(f.admin, testMarket, baseTime),
		Operator: f.operator,
	})

	// The receipt asset's mint capability is exclusive.
	err = f.eng.Process(&instruction.RegisterWarehouse{
		Header:   f.header(f.admin, testMarket, baseTime),
		Operator: uuid.New(),
	})
	if !errors.Is(err, vault.ErrMintDelegated) {
		t.Errorf("second warehouse: expected ErrMintDelegated, got %v", err)
	}

	err = f.eng.Process(&instruction.MintReceipt{
		Header:    f.header(f.long, testMarket, baseTime),
		Operator:  f.operator,
		Recipient: f.long,
		Quantity:  1_000_000,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("non-operator mint: expected ErrUnauthorized, got %v", err)
	}

	f.mustProcess(&instruction.MintReceipt{
		Header:    f.header(f.operator, testMarket, baseTime),
		Operator:  f.operator,
		Recipient: f.short,
		Quantity:  7_000_000,
	})
	if got := f.partyBalance(f.short, receiptSym); got != 7_000_000 {
		t.Errorf("expected 7_000_000 receipts, got %d", got)
	}
	w, _ := f.eng.Warehouses().Get(testMarket, f.operator)
	if w.TotalMinted != 7_000_000 {
		t.Errorf("expected total minted 7_000_000, got %d", w.TotalMinted)
	}

	f.mustProcess(&instruction.BurnReceipt{
		Header:   f.header(f.short, testMarket, baseTime),
		Operator: f.operator,
		Quantity: 2_000_000,
	})
	if got := f.partyBalance(f.short, receiptSym); got != 5_000_000 {
		t.Errorf("expected 5_000_000 receipts after burn, got %d", got)
	}

	// Burning more than held fails in the ledger.
	err = f.eng.Process(&instruction.BurnReceipt{
		Header:   f.header(f.short, testMarket, baseTime),
		Operator: f.operator,
		Quantity: 6_000_000,
	})
	if err == nil {
		t.Error("expected over-burn to fail")
	}
	if got := f.partyBalance(f.short, receiptSym); got != 5_000_000 {
		t.Errorf("failed burn must not move receipts, got %d", got)
	}
}

// ============================================================================
// Test: Cross-Margin Pools
// ============================================================================

func TestCrossMargin_RoundTripRestoresBalances(t *testing.T) {
	f := newFixture(t)
	f.setupCash()

	f.mustProcess(&instruction.CrossMarginCreate{
		Header:          f.header(f.long, testMarket, baseTime),
		CollateralAsset: collateralSym,
	})
	f.mustProcess(&instruction.CrossMarginDeposit{
		Header:          f.header(f.long, testMarket, baseTime),
		CollateralAsset: collateralSym,
		Amount:          50_000_000,
	})
	if got := f.partyBalance(f.long, collateralSym); got != 70_000_000 {
		t.Errorf("expected funding 70_000_000 after pool deposit, got %d", got)
	}

	f.mustProcess(&instruction.CrossMarginMoveToDeal{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 10_000_000,
	})
	d := f.deal(1)
	if d.RecordedMargin(state.SideLong) != 90_000_000 {
		t.Errorf("expected long margin 90_000_000, got %d", d.RecordedMargin(state.SideLong))
	}

	// Releasing more than the recorded margin is rejected up front.
	err := f.eng.Process(&instruction.CrossMarginMoveFromDeal{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 90_000_001,
	})
	if !errors.Is(err, state.ErrMarginUnderflow) {
		t.Errorf("expected ErrMarginUnderflow, got %v", err)
	}

	f.mustProcess(&instruction.CrossMarginMoveFromDeal{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 10_000_000,
	})
	f.mustProcess(&instruction.CrossMarginWithdraw{
		Header:          f.header(f.long, testMarket, baseTime),
		CollateralAsset: collateralSym,
		Amount:          50_000_000,
	})

	// The round trip is conservative: funding and margin are back where
	// they started and the pool is empty.
	if got := f.partyBalance(f.long, collateralSym); got != 120_000_000 {
		t.Errorf("expected funding restored to 120_000_000, got %d", got)
	}
	if d.RecordedMargin(state.SideLong) != 80_000_000 {
		t.Errorf("expected long margin restored to 80_000_000, got %d", d.RecordedMargin(state.SideLong))
	}
	asset, _ := vault.GetAssetID(collateralSym)
	pool, err := f.eng.Pools().Get(testMarket, f.long, asset)
	if err != nil {
		t.Fatalf("pool lookup: %v", err)
	}
	if pool.Balance != 0 {
		t.Errorf("expected pool balance 0, got %d", pool.Balance)
	}

	// Over-withdrawal fails in the ledger.
	err = f.eng.Process(&instruction.CrossMarginWithdraw{
		Header:          f.header(f.long, testMarket, baseTime),
		CollateralAsset: collateralSym,
		Amount:          1,
	})
	if err == nil {
		t.Error("expected withdrawal from empty pool to fail")
	}
}

// ============================================================================
// Test: Yield Parking
// ============================================================================

func TestYieldParking_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.setupCash()

	// Parking requires a designated strategy operator.
	err := f.eng.Process(&instruction.YieldPark{
		Header: f.header(f.operator, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("park without operator: expected ErrUnauthorized, got %v", err)
	}

	f.mustProcess(&instruction.SetStrategyOperator{
		Header:   f.header(f.admin, testMarket, baseTime),
		Operator: f.operator,
	})

	err = f.eng.Process(&instruction.YieldPark{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	})
	if !errors.Is(err, state.ErrUnauthorized) {
		t.Fatalf("park by party: expected ErrUnauthorized, got %v", err)
	}

	f.mustProcess(&instruction.YieldPark{
		Header: f.header(f.operator, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	})

	d := f.deal(1)
	ledger := f.eng.Ledger()
	if got := ledger.BalanceOf(d.MarginVault(state.SideLong)); got != 75_000_000 {
		t.Errorf("expected margin vault 75_000_000 while parked, got %d", got)
	}
	if got := ledger.BalanceOf(d.StrategyVault()); got != 5_000_000 {
		t.Errorf("expected strategy vault 5_000_000, got %d", got)
	}
	// The recorded margin tracks journal flow through the margin vault.
	if d.RecordedMargin(state.SideLong) != 80_000_000 {
		t.Errorf("recorded margin should be untouched by parking, got %d", d.RecordedMargin(state.SideLong))
	}

	f.mustProcess(&instruction.YieldUnpark{
		Header: f.header(f.operator, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	})
	if got := ledger.BalanceOf(d.MarginVault(state.SideLong)); got != 80_000_000 {
		t.Errorf("expected margin vault restored to 80_000_000, got %d", got)
	}
	if got := ledger.BalanceOf(d.StrategyVault()); got != 0 {
		t.Errorf("expected strategy vault drained, got %d", got)
	}

	// Parking more than the vault holds fails in the ledger.
	err = f.eng.Process(&instruction.YieldPark{
		Header: f.header(f.operator, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 80_000_001,
	})
	if err == nil {
		t.Error("expected over-park to fail")
	}
}

// ============================================================================
// Test: Idempotency & Sequencing
// ============================================================================

func TestIdempotency_RedeliveredInstruction_Skipped(t *testing.T) {
	f := newFixture(t)

	ins := &instruction.ExternalFund{
		Header: f.header(f.long, "", baseTime),
		Party:  f.long,
		Asset:  collateralSym,
		Amount: 1_000_000,
	}
	f.mustProcess(ins)
	f.mustProcess(ins) // Redelivery: same ID, same source sequence.

	outputs := drainOutputs(f.persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got := f.partyBalance(f.long, collateralSym); got != 1_000_000 {
		t.Errorf("redelivery must not double-apply, got %d", got)
	}
	if f.eng.GetSequence() != 1 {
		t.Errorf("expected sequence 1, got %d", f.eng.GetSequence())
	}
}

func TestSequenceValidation_GapAndReorderRejected(t *testing.T) {
	f := newFixture(t)
	f.initMarket() // Consumes market sequence 0.

	gap := &instruction.PauseMarket{Header: instruction.Header{
		InstructionID: uuid.New(),
		Signer:        f.admin,
		Market:        testMarket,
		Sequence:      5,
		Timestamp:     baseTime,
	}}
	if err := f.eng.Process(gap); err == nil {
		t.Error("expected sequence gap to be rejected")
	}

	reorder := &instruction.PauseMarket{Header: instruction.Header{
		InstructionID: uuid.New(),
		Signer:        f.admin,
		Market:        testMarket,
		Sequence:      0,
		Timestamp:     baseTime,
	}}
	if err := f.eng.Process(reorder); err == nil {
		t.Error("expected out-of-order instruction to be rejected")
	}

	m, _ := f.eng.Markets().Get(testMarket)
	if m.Paused {
		t.Error("rejected instructions must not mutate state")
	}
}

// ============================================================================
// Test: Hash Chain & Determinism
// ============================================================================

func TestStateHashChain_LinksEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(110_000_000, -1)
	f.mustProcess(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})

	outputs := drainOutputs(f.persist)
	if len(outputs) < 3 {
		t.Fatalf("expected several outputs, got %d", len(outputs))
	}
	var zero [32]byte
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("output %d: expected sequence %d, got %d", i, i, o.Envelope.Sequence)
		}
		if o.Envelope.StateHash == zero {
			t.Errorf("output %d: zero state hash", i)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("output %d: prev hash does not link to output %d", i, i-1)
		}
	}
	if f.eng.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("chain tip does not match the last envelope")
	}
}

func TestStateHashChain_DeterministicAcrossRuns(t *testing.T) {
	run := func() [32]byte {
		f := newFixture(t)
		// Fixed identities so vault paths match across runs.
		f.admin = uuid.MustParse("11111111-1111-1111-1111-111111111111")
		f.governance = uuid.MustParse("22222222-2222-2222-2222-222222222222")
		f.oracle = uuid.MustParse("33333333-3333-3333-3333-333333333333")
		f.long = uuid.MustParse("44444444-4444-4444-4444-444444444444")
		f.short = uuid.MustParse("55555555-5555-5555-5555-555555555555")
		f.setupCash()
		f.postPrice(110_000_000, -1)
		f.mustProcess(&instruction.SettleCash{
			Header: f.header(f.long, testMarket, settleTime),
			DealID: 1,
		})
		return f.eng.GetStateHash()
	}

	if run() != run() {
		t.Error("identical instruction streams produced different state hashes")
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(110_000_000, -1)
	redelivered := &instruction.DepositMargin{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	}
	f.mustProcess(redelivered)

	snap := f.eng.CreateSnapshotState()

	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	restored := core.NewEngine(0, persist, proj, nil, nil)
	restored.RestoreFromSnapshot(snap)
	restored.WarmLRU(snap.IdempotencyKeys)

	if restored.GetSequence() != f.eng.GetSequence() {
		t.Errorf("sequence: expected %d, got %d", f.eng.GetSequence(), restored.GetSequence())
	}
	if restored.GetStateHash() != f.eng.GetStateHash() {
		t.Error("restored chain tip differs")
	}
	if !reflect.DeepEqual(restored.Ledger().Snapshot(), f.eng.Ledger().Snapshot()) {
		t.Error("restored balances differ")
	}

	d, err := restored.Deals().Get(testMarket, 1)
	if err != nil {
		t.Fatalf("restored deal lookup: %v", err)
	}
	if d.RecordedMargin(state.SideLong) != 85_000_000 {
		t.Errorf("restored long margin: expected 85_000_000, got %d", d.RecordedMargin(state.SideLong))
	}
	m, err := restored.Markets().Get(testMarket)
	if err != nil {
		t.Fatalf("restored market lookup: %v", err)
	}
	if m.LastPrice == nil || m.LastPrice.Price != 110_000_000 {
		t.Error("restored market lost its settlement price")
	}

	// A redelivery from before the snapshot is still deduplicated.
	if err := restored.Process(redelivered); err != nil {
		t.Fatalf("redelivery on restored engine: %v", err)
	}
	if len(drainOutputs(persist)) != 0 {
		t.Error("redelivery must not emit on the restored engine")
	}

	// Both engines settle identically after the restore point.
	settle := &instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	}
	if err := f.eng.Process(settle); err != nil {
		t.Fatalf("settle on original: %v", err)
	}
	if err := restored.Process(settle); err != nil {
		t.Fatalf("settle on restored: %v", err)
	}
	if restored.GetStateHash() != f.eng.GetStateHash() {
		t.Error("original and restored engines diverged after settlement")
	}
}

func TestCreateSnapshotState_IndependentOfLiveState(t *testing.T) {
	f := newFixture(t)
	f.setupCash()
	f.postPrice(110_000_000, -1)

	snap := f.eng.CreateSnapshotState()

	// Keep mutating the live engine; the captured records must not move.
	f.mustProcess(&instruction.DepositMargin{
		Header: f.header(f.long, testMarket, baseTime),
		DealID: 1,
		Long:   true,
		Amount: 5_000_000,
	})
	f.postPrice(112_000_000, 3000)
	f.mustProcess(&instruction.SettleCash{
		Header: f.header(f.long, testMarket, settleTime),
		DealID: 1,
	})

	var snapDeal *state.Deal
	for _, d := range snap.Deals {
		if d.DealID == 1 {
			snapDeal = d
		}
	}
	if snapDeal == nil {
		t.Fatal("deal missing from snapshot")
	}
	if snapDeal.Settled {
		t.Error("live settlement leaked into the captured deal")
	}
	if snapDeal.LongMargin != 80_000_000 {
		t.Errorf("captured long margin: expected 80_000_000, got %d", snapDeal.LongMargin)
	}

	var snapMarket *state.Market
	for _, m := range snap.Markets {
		if m.MarketID == testMarket {
			snapMarket = m
		}
	}
	if snapMarket == nil {
		t.Fatal("market missing from snapshot")
	}
	if snapMarket.LastPrice == nil || snapMarket.LastPrice.Price != 110_000_000 {
		t.Errorf("captured price moved: %+v", snapMarket.LastPrice)
	}
	if snapMarket.LastVolBps != 2000 {
		t.Errorf("captured vol reading: expected 2000, got %d", snapMarket.LastVolBps)
	}
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	vault.ResetAssetsForTest()
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 1)
	eng := core.NewEngine(0, persist, proj, nil, nil)
	party := uuid.New()

	for i := int64(0); i < 3; i++ {
		err := eng.Process(&instruction.ExternalFund{
			Header: instruction.Header{
				InstructionID: uuid.New(),
				Signer:        party,
				Sequence:      i,
				Timestamp:     baseTime,
			},
			Party:  party,
			Asset:  collateralSym,
			Amount: 1_000_000,
		})
		if err != nil {
			t.Fatalf("instruction %d: %v", i, err)
		}
	}

	// Persistence never drops; projections drop past capacity.
	if got := len(drainOutputs(persist)); got != 3 {
		t.Errorf("expected 3 persisted outputs, got %d", got)
	}
	if got := len(drainOutputs(proj)); got != 1 {
		t.Errorf("expected 1 projected output, got %d", got)
	}
}
