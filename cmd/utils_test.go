package main

import (
	"testing"
	"time"

	"github.com/ofdreport/ReportAgent/pkg/types"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("unexpected value %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestResolveWindow(t *testing.T) {
	now := time.Date(2025, 4, 15, 10, 0, 0, 0, time.Local)

	kind, rng, err := resolveWindow("tariff-next-month", "", "", "", now)
	if err != nil {
		t.Fatalf("preset: %v", err)
	}
	if kind != types.FilterTariffExpiry || rng.String() != "01.05.2025-31.05.2025" {
		t.Fatalf("unexpected preset window %s %s", kind, rng)
	}

	kind, rng, err = resolveWindow("", "", "01.04.2025", "10.04.2025", now)
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if kind != types.FilterDeviceLifetime || rng.String() != "01.04.2025-10.04.2025" {
		t.Fatalf("unexpected explicit window %s %s", kind, rng)
	}

	cases := []struct{ filter, from, to string }{
		{"fn", "", "10.04.2025"},
		{"fn", "2025-04-01", "10.04.2025"},
		{"fn", "10.04.2025", "01.04.2025"},
		{"bogus", "01.04.2025", "10.04.2025"},
	}
	for _, tc := range cases {
		if _, _, err := resolveWindow("", tc.filter, tc.from, tc.to, now); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}
