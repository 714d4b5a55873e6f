package billing

import (
	"slices"
	"testing"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

func TestNewCatalog(t *testing.T) {
	c, err := NewCatalog(
		map[string]string{"pro_monthly": "price_pro_m", "pro_annual": "price_pro_y", "hobby_yearly": "price_hobby_y"},
		map[int64]string{100: "price_pack_100", 25: "price_pack_25"},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	if id, ok := c.PriceFor(Plan{Tier: model.TierPro, Interval: Annual}); !ok || id != "price_pro_y" {
		t.Errorf("PriceFor(pro annual) = %q, %v, want price_pro_y", id, ok)
	}
	plan, ok := c.PlanForPrice("price_hobby_y")
	if !ok || plan != (Plan{Tier: model.TierHobby, Interval: Annual}) {
		t.Errorf("PlanForPrice(price_hobby_y) = %+v, %v", plan, ok)
	}
	if _, ok := c.PriceFor(Plan{Tier: model.TierBusiness, Interval: Monthly}); ok {
		t.Error("PriceFor(business monthly) should not be configured")
	}
	if n, ok := c.PackForPrice("price_pack_25"); !ok || n != 25 {
		t.Errorf("PackForPrice = %d, %v, want 25", n, ok)
	}
	if id, ok := c.PackPrice(100); !ok || id != "price_pack_100" {
		t.Errorf("PackPrice(100) = %q, %v", id, ok)
	}
	if got := c.Packs(); !slices.Equal(got, []int64{25, 100}) {
		t.Errorf("Packs() = %v, want [25 100]", got)
	}
}

func TestNewCatalogRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name   string
		prices map[string]string
		packs  map[int64]string
	}{
		{"no interval", map[string]string{"pro": "price_1"}, nil},
		{"free tier", map[string]string{"free_monthly": "price_1"}, nil},
		{"bad interval", map[string]string{"pro_weekly": "price_1"}, nil},
		{"zero pack", nil, map[int64]string{0: "price_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.prices, tt.packs); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIntervalPeriodEnd(t *testing.T) {
	start := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if got, want := Monthly.PeriodEnd(start), start.AddDate(0, 1, 0); !got.Equal(want) {
		t.Errorf("Monthly.PeriodEnd = %v, want %v", got, want)
	}
	if got, want := Annual.PeriodEnd(start), time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Annual.PeriodEnd = %v, want %v", got, want)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in   string
		want Interval
		ok   bool
	}{
		{"monthly", Monthly, true},
		{"Month", Monthly, true},
		{" yearly ", Annual, true},
		{"annual", Annual, true},
		{"weekly", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseInterval(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseInterval(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
