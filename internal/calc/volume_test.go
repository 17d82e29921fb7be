package calc

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"otoflow/internal/enginerr"
)

func TestRequiredCycles(t *testing.T) {
	// API reports 400 at a 4x multiplier, so actual progress is 100 of 1000.
	// The remaining 900 at 40 per cycle rounds up to 23 cycles.
	got, err := RequiredCycles(dec(t, "1000"), dec(t, "400"), dec(t, "40"), dec(t, "4"))
	if err != nil {
		t.Fatalf("RequiredCycles failed: %v", err)
	}
	if got != 23 {
		t.Errorf("unexpected cycle count: got %d want 23", got)
	}
}

func TestRequiredCyclesTargetReached(t *testing.T) {
	got, err := RequiredCycles(dec(t, "1000"), dec(t, "4000"), dec(t, "40"), dec(t, "4"))
	if err != nil {
		t.Fatalf("RequiredCycles failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected zero cycles at target, got %d", got)
	}
}

func TestRequiredCyclesInvalidInputs(t *testing.T) {
	cases := []struct {
		name                                  string
		target, current, perCycle, multiplier string
	}{
		{"zero target", "0", "0", "40", "4"},
		{"zero per-cycle", "1000", "0", "0", "4"},
		{"zero multiplier", "1000", "0", "40", "0"},
		{"negative current", "1000", "-1", "40", "4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := RequiredCycles(dec(t, tc.target), dec(t, tc.current), dec(t, tc.perCycle), dec(t, tc.multiplier))
			if !errors.Is(err, enginerr.ErrInvalidParameter) {
				t.Errorf("expected invalid parameter error, got %v", err)
			}
		})
	}
}

func TestProgressPercentage(t *testing.T) {
	got, err := ProgressPercentage(dec(t, "1000"), dec(t, "400"), dec(t, "4"))
	if err != nil {
		t.Fatalf("ProgressPercentage failed: %v", err)
	}
	if want := dec(t, "10"); !got.Equal(want) {
		t.Errorf("unexpected progress: got %s want %s", got, want)
	}
}

func TestProgressPercentageClampedAtHundred(t *testing.T) {
	got, err := ProgressPercentage(dec(t, "1000"), dec(t, "8000"), dec(t, "4"))
	if err != nil {
		t.Fatalf("ProgressPercentage failed: %v", err)
	}
	if want := decimal.NewFromInt(100); !got.Equal(want) {
		t.Errorf("expected progress clamped to 100, got %s", got)
	}
}
