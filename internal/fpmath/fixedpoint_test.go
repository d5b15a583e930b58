package fpmath_test

import (
	"ForwardClear/internal/fpmath"
	"errors"
	"math"
	"testing"
)

// ============================================================================
// Test: Notional
// ============================================================================

func TestNotional_Basic(t *testing.T) {
	// 100.0 quote/unit * 10.0 units at exponent -6 => 1000.0 quote
	got, err := fpmath.Notional(100_000000, 10_000000, -6)
	if err != nil {
		t.Fatalf("Notional failed: %v", err)
	}
	if got != 1000_000000 {
		t.Errorf("got %d, want 1000_000000", got)
	}
}

func TestNotional_Truncates(t *testing.T) {
	// 1 * 1 / 10^6 = 0.000001 truncated to 0
	got, err := fpmath.Notional(1, 1, -6)
	if err != nil {
		t.Fatalf("Notional failed: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0 (floor)", got)
	}
}

func TestNotional_WideIntermediate(t *testing.T) {
	// strike * qty overflows int64 but the scaled result does not
	strike := int64(math.MaxInt64 / 1000)
	got, err := fpmath.Notional(strike, 1_000000, -6)
	if err != nil {
		t.Fatalf("Notional failed on wide intermediate: %v", err)
	}
	if got != strike {
		t.Errorf("got %d, want %d", got, strike)
	}
}

func TestNotional_ResultOverflow(t *testing.T) {
	_, err := fpmath.Notional(math.MaxInt64, math.MaxInt64, -6)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestNotional_NegativeInput(t *testing.T) {
	if _, err := fpmath.Notional(-1, 10, -6); err == nil {
		t.Error("negative price should fail")
	}
}

// ============================================================================
// Test: PnLLong
// ============================================================================

func TestPnLLong_LongWins(t *testing.T) {
	// Scenario from the settlement parity suite: strike 100.0, final 110.0,
	// qty 10.0, exponent -6 => pnl_long = 100.0
	got, err := fpmath.PnLLong(100_000000, 110_000000, 10_000000, -6)
	if err != nil {
		t.Fatalf("PnLLong failed: %v", err)
	}
	if got != 100_000000 {
		t.Errorf("got %d, want 100_000000", got)
	}
}

func TestPnLLong_ShortWins(t *testing.T) {
	got, err := fpmath.PnLLong(100_000000, 90_000000, 10_000000, -6)
	if err != nil {
		t.Fatalf("PnLLong failed: %v", err)
	}
	if got != -100_000000 {
		t.Errorf("got %d, want -100_000000", got)
	}
}

func TestPnLLong_Flat(t *testing.T) {
	got, err := fpmath.PnLLong(100_000000, 100_000000, 10_000000, -6)
	if err != nil {
		t.Fatalf("PnLLong failed: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestPnLLong_NegativeTruncatesTowardZero(t *testing.T) {
	// (-5 * 1) / 10 = -0.5 must truncate to 0, not floor to -1
	got, err := fpmath.PnLLong(10, 5, 1, -1)
	if err != nil {
		t.Fatalf("PnLLong failed: %v", err)
	}
	if got != 0 {
		t.Errorf("negative quotient must round toward zero: got %d, want 0", got)
	}

	// (-15 * 1) / 10 = -1.5 truncates to -1
	got, err = fpmath.PnLLong(20, 5, 1, -1)
	if err != nil {
		t.Fatalf("PnLLong failed: %v", err)
	}
	if got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

// ============================================================================
// Test: RequiredInitialMargin
// ============================================================================

func TestRequiredInitialMargin_Basic(t *testing.T) {
	// notional 1000.0, base 500 bps (5%), vol term 1000*2000/10000 = 200 bps
	// => 1000.0 * 700 / 10000 = 70.0
	got, err := fpmath.RequiredInitialMargin(1000_000000, 500, 1000, 2000)
	if err != nil {
		t.Fatalf("RequiredInitialMargin failed: %v", err)
	}
	if got != 70_000000 {
		t.Errorf("got %d, want 70_000000", got)
	}
}

func TestRequiredInitialMargin_ZeroVol(t *testing.T) {
	got, err := fpmath.RequiredInitialMargin(1000_000000, 500, 1000, 0)
	if err != nil {
		t.Fatalf("RequiredInitialMargin failed: %v", err)
	}
	if got != 50_000000 {
		t.Errorf("got %d, want 50_000000 (base only)", got)
	}
}

func TestRequiredInitialMargin_MonotonicInVol(t *testing.T) {
	prev := int64(-1)
	for vol := int64(0); vol <= 50_000; vol += 1000 {
		got, err := fpmath.RequiredInitialMargin(123_456789, 250, 1500, vol)
		if err != nil {
			t.Fatalf("RequiredInitialMargin failed at vol=%d: %v", vol, err)
		}
		if got < prev {
			t.Fatalf("margin decreased as vol rose: vol=%d margin=%d prev=%d", vol, got, prev)
		}
		prev = got
	}
}

func TestRequiredInitialMargin_MonotonicInNotional(t *testing.T) {
	prev := int64(-1)
	for notional := int64(0); notional <= 10_000_000; notional += 250_000 {
		got, err := fpmath.RequiredInitialMargin(notional, 250, 1500, 3000)
		if err != nil {
			t.Fatalf("RequiredInitialMargin failed at notional=%d: %v", notional, err)
		}
		if got < prev {
			t.Fatalf("margin decreased as notional rose: notional=%d margin=%d prev=%d", notional, got, prev)
		}
		prev = got
	}
}

// ============================================================================
// Test: FeeOnPayout
// ============================================================================

func TestFeeOnPayout(t *testing.T) {
	// 100.0 payout at 100 bps (1%) => 1.0 fee
	got, err := fpmath.FeeOnPayout(100_000000, 100)
	if err != nil {
		t.Fatalf("FeeOnPayout failed: %v", err)
	}
	if got != 1_000000 {
		t.Errorf("got %d, want 1_000000", got)
	}
}

func TestFeeOnPayout_ZeroFee(t *testing.T) {
	got, err := fpmath.FeeOnPayout(100_000000, 0)
	if err != nil {
		t.Fatalf("FeeOnPayout failed: %v", err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: Checked arithmetic
// ============================================================================

func TestCheckedAdd(t *testing.T) {
	got, err := fpmath.CheckedAdd(40, 2)
	if err != nil || got != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", got, err)
	}

	if _, err := fpmath.CheckedAdd(math.MaxInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := fpmath.CheckedAdd(math.MinInt64, -1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow on negative wrap, got %v", err)
	}
}

func TestCheckedSub(t *testing.T) {
	got, err := fpmath.CheckedSub(40, -2)
	if err != nil || got != 42 {
		t.Errorf("got (%d, %v), want (42, nil)", got, err)
	}

	if _, err := fpmath.CheckedSub(math.MinInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	if _, err := fpmath.CheckedSub(math.MaxInt64, -1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected ErrOverflow on positive wrap, got %v", err)
	}
}
