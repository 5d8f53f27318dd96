package fees

import (
	"testing"
	"time"
)

var quoteNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCancellationQuoteStandardTiers(t *testing.T) {
	cases := []struct {
		name       string
		notice     time.Duration
		feePercent int64
		feeCents   int64
	}{
		{"well ahead", 72 * time.Hour, 0, 0},
		{"exactly 24h", 24 * time.Hour, 0, 0},
		{"between 12 and 24", 18 * time.Hour, 25, 2500},
		{"exactly 12h", 12 * time.Hour, 25, 2500},
		{"under 12h", 3 * time.Hour, 50, 5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := CancellationQuote(quoteNow.Add(tc.notice), 10000, PolicyStandard, CancelledByPatient, quoteNow)
			if err != nil {
				t.Fatal(err)
			}
			if q.FeePercent != tc.feePercent {
				t.Errorf("FeePercent = %d, want %d", q.FeePercent, tc.feePercent)
			}
			if q.FeeCents != tc.feeCents {
				t.Errorf("FeeCents = %d, want %d", q.FeeCents, tc.feeCents)
			}
			if q.FeeCents+q.RefundCents != 10000 {
				t.Errorf("fee %d + refund %d != total", q.FeeCents, q.RefundCents)
			}
		})
	}
}

func TestCancellationQuoteModerateTiers(t *testing.T) {
	q, err := CancellationQuote(quoteNow.Add(36*time.Hour), 10000, PolicyModerate, CancelledByPatient, quoteNow)
	if err != nil {
		t.Fatal(err)
	}
	if q.FeePercent != 25 {
		t.Errorf("36h notice under moderate = %d%%, want 25", q.FeePercent)
	}

	q, err = CancellationQuote(quoteNow.Add(49*time.Hour), 10000, PolicyModerate, CancelledByPatient, quoteNow)
	if err != nil {
		t.Fatal(err)
	}
	if q.FeePercent != 0 {
		t.Errorf("49h notice under moderate = %d%%, want 0", q.FeePercent)
	}
}

func TestCancellationQuoteProviderAlwaysFree(t *testing.T) {
	q, err := CancellationQuote(quoteNow.Add(30*time.Minute), 10000, PolicyStandard, CancelledByProvider, quoteNow)
	if err != nil {
		t.Fatal(err)
	}
	if q.FeeCents != 0 || q.RefundCents != 10000 {
		t.Errorf("provider cancel = fee %d refund %d, want 0/10000", q.FeeCents, q.RefundCents)
	}
}

func TestCancellationQuoteNoShow(t *testing.T) {
	q, err := CancellationQuote(quoteNow.Add(-time.Hour), 10000, PolicyStandard, CancelledByPatient, quoteNow)
	if err != nil {
		t.Fatal(err)
	}
	if !q.IsNoShow {
		t.Error("past appointment should quote as no-show")
	}
	if q.FeePercent != NoShowPercent || q.RefundCents != 0 {
		t.Errorf("no-show quote = %d%% refund %d, want 100%%/0", q.FeePercent, q.RefundCents)
	}
}

func TestCancellationQuoteUnknownTierFallsBack(t *testing.T) {
	q, err := CancellationQuote(quoteNow.Add(72*time.Hour), 10000, PolicyTier("strict"), CancelledByPatient, quoteNow)
	if err != nil {
		t.Fatal(err)
	}
	if q.Tier != PolicyStandard {
		t.Errorf("unknown tier resolved to %q, want standard", q.Tier)
	}
}
