package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"ForwardClear/internal/ingestion"
	"ForwardClear/internal/instruction"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawInstruction {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawInstruction{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseOpenDeal(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id":   "550e8400-e29b-41d4-a716-446655440000",
		"signer":           "660e8400-e29b-41d4-a716-446655440001",
		"market":           "COFFEE-DEC26",
		"sequence":         int64(42),
		"timestamp_us":     int64(1750000000000000),
		"deal_id":          uint64(7),
		"deal_version":     int32(1),
		"co_signer":        "770e8400-e29b-41d4-a716-446655440002",
		"long":             "660e8400-e29b-41d4-a716-446655440001",
		"short":            "770e8400-e29b-41d4-a716-446655440002",
		"collateral_asset": "USD",
		"strike_price":     int64(100_000_000),
		"quantity":         int64(10_000_000),
		"settle_at_us":     int64(1750086400000000),
		"physical":         true,
		"initial_long":     int64(80_000_000),
		"initial_short":    int64(80_000_000),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "OpenDeal")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	od, ok := ins.(*instruction.OpenDeal)
	if !ok {
		t.Fatalf("expected *instruction.OpenDeal, got %T", ins)
	}

	if od.Market != "COFFEE-DEC26" {
		t.Errorf("market: got %s, want COFFEE-DEC26", od.Market)
	}
	if od.DealID != 7 {
		t.Errorf("deal_id: got %d, want 7", od.DealID)
	}
	if od.DealVersion != 1 {
		t.Errorf("deal_version: got %d, want 1", od.DealVersion)
	}
	if od.CoSigner.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("co_signer: got %s", od.CoSigner)
	}
	if od.StrikePrice != 100_000_000 {
		t.Errorf("strike_price: got %d, want 100_000_000", od.StrikePrice)
	}
	if od.Quantity != 10_000_000 {
		t.Errorf("quantity: got %d, want 10_000_000", od.Quantity)
	}
	if !od.Physical {
		t.Error("physical: got false, want true")
	}
	if od.SettleAt != 1750086400000000 {
		t.Errorf("settle_at: got %d, want 1750086400000000", od.SettleAt)
	}
	if od.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", od.SourceSequence())
	}
	if od.Type() != instruction.TypeOpenDeal {
		t.Errorf("type: got %v, want OpenDeal", od.Type())
	}
	if od.Time() != time.UnixMicro(1750000000000000) {
		t.Errorf("timestamp: got %v", od.Time())
	}
}

func TestParsePostPrice(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"market":         "COFFEE-DEC26",
		"sequence":       int64(9),
		"timestamp_us":   int64(1750000000000000),
		"price":          int64(110_000_000),
		"price_exponent": int32(-6),
		"vol_bps":        int64(-1),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "PostPrice")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pp, ok := ins.(*instruction.PostPrice)
	if !ok {
		t.Fatalf("expected *instruction.PostPrice, got %T", ins)
	}
	if pp.Price != 110_000_000 {
		t.Errorf("price: got %d, want 110_000_000", pp.Price)
	}
	if pp.PriceExponent != -6 {
		t.Errorf("price_exponent: got %d, want -6", pp.PriceExponent)
	}
	if pp.VolBps != -1 {
		t.Errorf("vol_bps: got %d, want -1", pp.VolBps)
	}
}

func TestParseExternalFund(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"sequence":       int64(3),
		"timestamp_us":   int64(1750000000000000),
		"party":          "660e8400-e29b-41d4-a716-446655440001",
		"asset":          "USD",
		"amount":         int64(5_000_000),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "ExternalFund")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ef, ok := ins.(*instruction.ExternalFund)
	if !ok {
		t.Fatalf("expected *instruction.ExternalFund, got %T", ins)
	}
	if ef.Asset != "USD" {
		t.Errorf("asset: got %s, want USD", ef.Asset)
	}
	if ef.Amount != 5_000_000 {
		t.Errorf("amount: got %d, want 5_000_000", ef.Amount)
	}
	if ef.MarketID() != "" {
		t.Errorf("market: got %s, want empty", ef.MarketID())
	}
}

func TestParseMintReceipt(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"market":         "COFFEE-DEC26",
		"sequence":       int64(4),
		"timestamp_us":   int64(1750000000000000),
		"operator":       "660e8400-e29b-41d4-a716-446655440001",
		"recipient":      "770e8400-e29b-41d4-a716-446655440002",
		"quantity":       int64(9_000_000),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "MintReceipt")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mr, ok := ins.(*instruction.MintReceipt)
	if !ok {
		t.Fatalf("expected *instruction.MintReceipt, got %T", ins)
	}
	if mr.Quantity != 9_000_000 {
		t.Errorf("quantity: got %d, want 9_000_000", mr.Quantity)
	}
	if mr.Operator.String() != "660e8400-e29b-41d4-a716-446655440001" {
		t.Errorf("operator: got %s", mr.Operator)
	}
	if mr.Recipient.String() != "770e8400-e29b-41d4-a716-446655440002" {
		t.Errorf("recipient: got %s", mr.Recipient)
	}
}

func TestParseSettlePartialPhysical(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"market":         "COFFEE-DEC26",
		"sequence":       int64(11),
		"timestamp_us":   int64(1750086400000000),
		"deal_id":        uint64(7),
		"amount":         int64(2_000_000),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "SettlePartialPhysical")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sp, ok := ins.(*instruction.SettlePartialPhysical)
	if !ok {
		t.Fatalf("expected *instruction.SettlePartialPhysical, got %T", ins)
	}
	if sp.DealID != 7 {
		t.Errorf("deal_id: got %d, want 7", sp.DealID)
	}
	if sp.Amount != 2_000_000 {
		t.Errorf("amount: got %d, want 2_000_000", sp.Amount)
	}
}

func TestParseCrossMarginMove(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "550e8400-e29b-41d4-a716-446655440000",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"market":         "COFFEE-DEC26",
		"sequence":       int64(12),
		"timestamp_us":   int64(1750000000000000),
		"deal_id":        uint64(7),
		"long":           true,
		"amount":         int64(10_000_000),
	}

	raw := rawFromJSON(t, payload)
	ins, err := ingestion.ParseRawInstruction(raw, "CrossMarginMoveToDeal")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mv, ok := ins.(*instruction.CrossMarginMoveToDeal)
	if !ok {
		t.Fatalf("expected *instruction.CrossMarginMoveToDeal, got %T", ins)
	}
	if !mv.Long {
		t.Error("long: got false, want true")
	}
	if mv.Amount != 10_000_000 {
		t.Errorf("amount: got %d, want 10_000_000", mv.Amount)
	}
}

func TestParseRejectsMalformedUUID(t *testing.T) {
	payload := map[string]interface{}{
		"instruction_id": "not-a-uuid",
		"signer":         "660e8400-e29b-41d4-a716-446655440001",
		"market":         "COFFEE-DEC26",
		"sequence":       int64(0),
		"timestamp_us":   int64(1750000000000000),
	}

	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawInstruction(raw, "PauseMarket"); err == nil {
		t.Error("expected malformed instruction_id to fail")
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{})
	if _, err := ingestion.ParseRawInstruction(raw, "TeleportCollateral"); err == nil {
		t.Error("expected unknown instruction type to fail")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	raw := ingestion.RawInstruction{
		Subject:   "test",
		Data:      []byte("{not json"),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
	if _, err := ingestion.ParseRawInstruction(raw, "OpenDeal"); err == nil {
		t.Error("expected malformed JSON to fail")
	}
}
