package fees

import (
	"errors"
	"testing"
	"time"
)

func TestPlatformFee(t *testing.T) {
	cases := []struct {
		total int64
		want  int64
	}{
		{0, 150},
		{100, 160},        // $1 -> $0.10 + $1.50
		{10000, 1150},     // $100 -> $10 + $1.50
		{33500, 3500},     // $335 -> hits the cap exactly
		{33600, 3500},     // over the cap
		{1000000, 3500},   // far over the cap
		{1249, 275},       // $12.49 -> 124.9 rounds to 125 + 150
	}
	for _, tc := range cases {
		got, err := PlatformFee(tc.total)
		if err != nil {
			t.Fatalf("PlatformFee(%d): %v", tc.total, err)
		}
		if got != tc.want {
			t.Errorf("PlatformFee(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}

func TestPlatformFeeNegative(t *testing.T) {
	if _, err := PlatformFee(-1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSplitAmountAlwaysSumsToTotal(t *testing.T) {
	totals := []int64{0, 1, 2, 3, 99, 100, 101, 9999, 10000, 10001, 12345, 33333}
	for _, total := range totals {
		split, err := SplitAmount(total)
		if err != nil {
			t.Fatalf("SplitAmount(%d): %v", total, err)
		}
		if split.DepositCents+split.FinalCents != total {
			t.Errorf("SplitAmount(%d): %d + %d != total", total, split.DepositCents, split.FinalCents)
		}
	}
}

func TestSplitAmountEightyTwenty(t *testing.T) {
	split, err := SplitAmount(10000)
	if err != nil {
		t.Fatal(err)
	}
	if split.DepositCents != 8000 || split.FinalCents != 2000 {
		t.Errorf("SplitAmount(10000) = %+v, want 8000/2000", split)
	}

	// Remainder from rounding lands in final.
	split, err = SplitAmount(101)
	if err != nil {
		t.Fatal(err)
	}
	if split.DepositCents != 81 || split.FinalCents != 20 {
		t.Errorf("SplitAmount(101) = %+v, want 81/20", split)
	}
}

func TestSplitAmountNegative(t *testing.T) {
	if _, err := SplitAmount(-50); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBinaryRefundEligibleBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !BinaryRefundEligible(now.Add(48*time.Hour), now) {
		t.Error("exactly 48h notice should be refund eligible")
	}
	if BinaryRefundEligible(now.Add(48*time.Hour-time.Minute), now) {
		t.Error("47.98h notice should not be refund eligible")
	}
	if !BinaryRefundEligible(now.Add(200*time.Hour), now) {
		t.Error("long notice should be refund eligible")
	}
	if BinaryRefundEligible(now.Add(-time.Hour), now) {
		t.Error("past appointment should not be refund eligible")
	}
}
