package booking

import (
	"strings"
	"testing"
	"time"
)

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(2026, 1); got != "FH-2026-0001" {
		t.Errorf("FormatNumber = %q", got)
	}
	if got := FormatNumber(2026, 12345); got != "FH-2026-12345" {
		t.Errorf("FormatNumber wide = %q", got)
	}
}

func TestNextNumber(t *testing.T) {
	cases := map[string]string{
		"":             "FH-2026-0001",
		"FH-2026-0234": "FH-2026-0235",
		"FH-2026-9999": "FH-2026-10000",
		"garbage":      "FH-2026-0001",
	}
	for latest, want := range cases {
		if got := NextNumber(latest, 2026); got != want {
			t.Errorf("NextNumber(%q) = %q, want %q", latest, got, want)
		}
	}
}

func TestFallbackNumber(t *testing.T) {
	now := time.Date(2026, 7, 4, 10, 30, 0, 0, time.UTC)
	got := FallbackNumber(now)
	if !strings.HasPrefix(got, "FH-2026-") {
		t.Errorf("FallbackNumber = %q, want FH-2026- prefix", got)
	}
	if !IsValidNumber(got) {
		t.Errorf("FallbackNumber %q should validate", got)
	}
}

func TestIsValidNumber(t *testing.T) {
	if !IsValidNumber("FH-2026-0234") {
		t.Error("FH-2026-0234 should be valid")
	}
	for _, bad := range []string{"", "FH-26-0234", "XX-2026-0234", "FH-2026-12"} {
		if IsValidNumber(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}
