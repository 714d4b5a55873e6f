package model

import "time"

type Tier string

const (
	TierFree      Tier = "free"
	TierHobby     Tier = "hobby"
	TierPro       Tier = "pro"
	TierBusiness  Tier = "business"
	TierUnlimited Tier = "unlimited"
)

func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierHobby, TierPro, TierBusiness, TierUnlimited:
		return true
	}
	return false
}

// Paid reports whether the tier is purchased through a subscription.
func (t Tier) Paid() bool {
	return t.Valid() && t != TierFree
}

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled:
		return true
	}
	return false
}

// SubscriptionState is the single current subscription row for a principal.
// It is superseded, never appended or deleted.
type SubscriptionState struct {
	Principal               Principal `json:"principal"`
	Tier                    Tier      `json:"tier"`
	Status                  Status    `json:"status"`
	PeriodStart             time.Time `json:"period_start"`
	PeriodEnd               time.Time `json:"period_end"`
	ExternalSubscriptionRef string    `json:"external_subscription_ref,omitempty"`
	LastEventAt             time.Time `json:"last_event_at"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Contains reports whether t falls in [PeriodStart, PeriodEnd).
func (s *SubscriptionState) Contains(t time.Time) bool {
	return !t.Before(s.PeriodStart) && t.Before(s.PeriodEnd)
}

// FreeState is the implicit state of a principal with no subscription row.
func FreeState(p Principal, now time.Time) SubscriptionState {
	start, end := CalendarMonth(now)
	return SubscriptionState{
		Principal:   p,
		Tier:        TierFree,
		Status:      StatusActive,
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

// CalendarMonth returns the UTC calendar month containing t as [start, end).
func CalendarMonth(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
