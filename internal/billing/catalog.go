package billing

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

type Interval string

const (
	Monthly Interval = "monthly"
	Annual  Interval = "annual"
)

// ParseInterval accepts "monthly"/"month" and "annual"/"yearly"/"year".
func ParseInterval(s string) (Interval, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly", "month":
		return Monthly, true
	case "annual", "yearly", "year":
		return Annual, true
	}
	return "", false
}

// PeriodEnd returns the end of a billing period of this interval starting at start.
func (i Interval) PeriodEnd(start time.Time) time.Time {
	if i == Annual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

type Plan struct {
	Tier     model.Tier
	Interval Interval
}

// Catalog maps provider price IDs to plans and scan packs.
type Catalog struct {
	planPrices map[Plan]string
	prices     map[string]Plan
	packPrices map[int64]string
	packs      map[string]int64
}

// NewCatalog builds a catalog from "<tier>_<interval>" -> price ID and
// pack size -> price ID maps.
func NewCatalog(prices map[string]string, packs map[int64]string) (*Catalog, error) {
	c := &Catalog{
		planPrices: make(map[Plan]string),
		prices:     make(map[string]Plan),
		packPrices: make(map[int64]string),
		packs:      make(map[string]int64),
	}
	for key, priceID := range prices {
		tierName, intervalName, ok := strings.Cut(key, "_")
		if !ok {
			return nil, fmt.Errorf("price key %q: want <tier>_<interval>", key)
		}
		tier := model.Tier(tierName)
		if !tier.Paid() {
			return nil, fmt.Errorf("price key %q: %q is not a paid tier", key, tierName)
		}
		interval, ok := ParseInterval(intervalName)
		if !ok {
			return nil, fmt.Errorf("price key %q: unknown interval %q", key, intervalName)
		}
		plan := Plan{Tier: tier, Interval: interval}
		c.planPrices[plan] = priceID
		c.prices[priceID] = plan
	}
	for n, priceID := range packs {
		if n <= 0 {
			return nil, fmt.Errorf("scan pack size %d must be positive", n)
		}
		c.packPrices[n] = priceID
		c.packs[priceID] = n
	}
	return c, nil
}

func (c *Catalog) PriceFor(plan Plan) (string, bool) {
	id, ok := c.planPrices[plan]
	return id, ok
}

func (c *Catalog) PlanForPrice(priceID string) (Plan, bool) {
	p, ok := c.prices[priceID]
	return p, ok
}

func (c *Catalog) PackPrice(scans int64) (string, bool) {
	id, ok := c.packPrices[scans]
	return id, ok
}

func (c *Catalog) PackForPrice(priceID string) (int64, bool) {
	n, ok := c.packs[priceID]
	return n, ok
}

// Packs returns the configured scan-pack sizes in ascending order.
func (c *Catalog) Packs() []int64 {
	sizes := make([]int64, 0, len(c.packPrices))
	for n := range c.packPrices {
		sizes = append(sizes, n)
	}
	slices.Sort(sizes)
	return sizes
}
