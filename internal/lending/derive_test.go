package lending

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestIsBuyable(t *testing.T) {
	tests := []struct {
		name     string
		borrowed string
		cap      string
		want     bool
	}{
		{"room left", "400000000", "1000000000", true},
		{"at cap", "1000000000", "1000000000", false},
		{"over cap", "1200000000", "1000000000", false},
		{"zero cap", "0", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBuyable(d(tt.borrowed), d(tt.cap)); got != tt.want {
				t.Errorf("IsBuyable(%s, %s) = %v, want %v", tt.borrowed, tt.cap, got, tt.want)
			}
		})
	}
}

func TestBuyCap(t *testing.T) {
	tests := []struct {
		name     string
		cap      string
		borrowed string
		decimals int32
		want     string
	}{
		{"usdc room", "1000000000", "400000000", 6, "600.00"},
		{"exhausted", "1000000000", "1000000000", 6, "0.00"},
		{"over cap clamps", "1000000000", "1500000000", 6, "0.00"},
		{"sol decimals", "5000000000000", "1234500000000", 9, "3765.50"},
		{"rounds half up", "1005", "0", 3, "1.01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatAmount(BuyCap(d(tt.cap), d(tt.borrowed), tt.decimals))
			if got != tt.want {
				t.Errorf("BuyCap = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFormatRatio(t *testing.T) {
	tests := map[string]string{
		"0.5412":  "54.12%",
		"0":       "0.00%",
		"0.7":     "70.00%",
		"0.12345": "12.35%",
	}
	for in, want := range tests {
		if got := FormatRatio(d(in)); got != want {
			t.Errorf("FormatRatio(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestIsUnderwater(t *testing.T) {
	limit := d("0.70")
	if !IsUnderwater(d("0.71"), limit) {
		t.Error("0.71 vs 0.70 should be underwater")
	}
	if IsUnderwater(d("0.70"), limit) {
		t.Error("equality must not be underwater")
	}
	if IsUnderwater(d("0.5"), limit) {
		t.Error("0.5 vs 0.70 should not be underwater")
	}
}

func TestIsCriticallyUnderwater(t *testing.T) {
	limit, liq := d("0.70"), d("0.80")
	if IsCriticallyUnderwater(d("0.75"), limit, liq) {
		t.Error("midpoint itself is not critical")
	}
	if !IsCriticallyUnderwater(d("0.76"), limit, liq) {
		t.Error("0.76 should be critical")
	}
}

func TestLimitLTV(t *testing.T) {
	tests := []struct {
		name                       string
		liq, limit, liqLimit, tick string
		want                       string
	}{
		{"ratio rounded to tick", "0.8", "900", "1000", "0.01", "0.72"},
		{"rounds up", "0.85", "833", "1000", "0.01", "0.71"},
		{"coarse tick", "0.8", "900", "1000", "0.05", "0.7"},
		{"no debt uses liquidation ltv", "0.856", "0", "0", "0.01", "0.86"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LimitLTV(d(tt.liq), d(tt.limit), d(tt.liqLimit), d(tt.tick))
			if !got.Equal(d(tt.want)) {
				t.Errorf("LimitLTV = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRoundToTickZeroTick(t *testing.T) {
	if got := RoundToTick(d("0.7234"), decimal.Zero); !got.Equal(d("0.7234")) {
		t.Errorf("zero tick should leave value unchanged, got %s", got)
	}
}
