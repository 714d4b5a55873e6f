package model

import "time"

// Unbounded is reported as Remaining for unlimited tiers.
const Unbounded int64 = -1

// Entitlement is derived on every request and never cached.
type Entitlement struct {
	Principal      Principal `json:"principal"`
	Tier           Tier      `json:"tier"`
	Status         Status    `json:"status"`
	Unlimited      bool      `json:"unlimited"`
	BaseAllotment  int64     `json:"base_allotment"`
	BonusCredits   int64     `json:"bonus_credits"`
	UsedThisPeriod int64     `json:"used_this_period"`
	Remaining      int64     `json:"remaining"`
	CanConsume     bool      `json:"can_consume"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	// Degraded is set when the stores could not be read and the answer
	// was produced by failing open.
	Degraded bool `json:"degraded,omitempty"`
}

// TotalAllowance is base allotment plus bonus credits.
func (e Entitlement) TotalAllowance() int64 {
	return e.BaseAllotment + e.BonusCredits
}

// Allotments maps each metered tier to its monthly base quota.
type Allotments map[Tier]int64

// DefaultAllotments are the base monthly scans per tier. Unlimited has no
// entry because it is never counted.
var DefaultAllotments = Allotments{
	TierFree:     3,
	TierHobby:    25,
	TierPro:      100,
	TierBusiness: 500,
}

// For returns the allotment for tier, falling back to the free allotment
// for unknown tiers.
func (a Allotments) For(tier Tier) int64 {
	if n, ok := a[tier]; ok {
		return n
	}
	if n, ok := a[TierFree]; ok {
		return n
	}
	return DefaultAllotments[TierFree]
}
