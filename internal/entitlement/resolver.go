package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
	"github.com/dukerupert/haulscan/internal/store"
)

// Ledger gives a consistent read of subscription, usage and credits.
type Ledger interface {
	View(ctx context.Context, fn func(store.Snapshot) error) error
}

// Seeder creates the implicit free subscription row for new principals.
type Seeder interface {
	EnsureDefault(ctx context.Context, p model.Principal, now time.Time) (bool, error)
}

// Status is the combined subscription and entitlement view of a principal.
type Status struct {
	Subscription model.SubscriptionState `json:"subscription"`
	Entitlement  model.Entitlement       `json:"entitlement"`
}

// Decision is the answer to "may this principal scan once more".
type Decision struct {
	Allowed     bool              `json:"allowed"`
	Entitlement model.Entitlement `json:"entitlement"`
	Reason      string            `json:"reason,omitempty"`
}

// Resolver derives entitlements from the ledger on every call. Nothing is
// cached between calls.
type Resolver struct {
	ledger     Ledger
	seeder     Seeder
	allotments model.Allotments
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewResolver(ledger Ledger, seeder Seeder, allotments model.Allotments, timeout time.Duration, logger *slog.Logger) *Resolver {
	if allotments == nil {
		allotments = model.DefaultAllotments
	}
	return &Resolver{
		ledger:     ledger,
		seeder:     seeder,
		allotments: allotments,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Status reads the principal's state, creating the implicit free row the
// first time the principal is seen. Store failures are returned.
func (r *Resolver) Status(ctx context.Context, p model.Principal) (Status, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	now := r.now().UTC()

	if _, err := r.seeder.EnsureDefault(ctx, p, now); err != nil {
		return Status{}, err
	}

	var st Status
	err := r.ledger.View(ctx, func(s store.Snapshot) error {
		sub, err := s.Subscription(ctx, p)
		if err != nil {
			return err
		}
		if sub == nil {
			sub = ptr(model.FreeState(p, now))
		}
		st.Subscription = *sub

		ent := r.base(sub, now)
		if ent.Unlimited {
			st.Entitlement = ent
			return nil
		}
		used, err := s.CountScans(ctx, p, ent.PeriodStart, ent.PeriodEnd)
		if err != nil {
			return err
		}
		credits, err := s.SumCredits(ctx, p)
		if err != nil {
			return err
		}
		ent.UsedThisPeriod = used
		ent.BonusCredits = credits
		ent.Remaining = max(0, ent.TotalAllowance()-used)
		ent.CanConsume = used < ent.TotalAllowance()
		st.Entitlement = ent
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("resolve entitlement for %s: %w", p, err)
	}
	return st, nil
}

// GetEntitlement resolves the entitlement for p. If the stores cannot be
// read it fails open: the result allows consumption and is marked Degraded.
func (r *Resolver) GetEntitlement(ctx context.Context, p model.Principal) model.Entitlement {
	st, err := r.Status(ctx, p)
	if err != nil {
		metrics.EntitlementChecksTotal.WithLabelValues("fail_open").Inc()
		r.logger.Warn("entitlement check failed open", "principal", p.String(), "error", err)
		start, end := model.CalendarMonth(r.now())
		return model.Entitlement{
			Principal:   p,
			Tier:        model.TierFree,
			Status:      model.StatusActive,
			Remaining:   model.Unbounded,
			CanConsume:  true,
			PeriodStart: start,
			PeriodEnd:   end,
			Degraded:    true,
		}
	}
	ent := st.Entitlement
	switch {
	case ent.Unlimited:
		metrics.EntitlementChecksTotal.WithLabelValues("unlimited").Inc()
	case ent.CanConsume:
		metrics.EntitlementChecksTotal.WithLabelValues("allowed").Inc()
	default:
		metrics.EntitlementChecksTotal.WithLabelValues("denied").Inc()
	}
	return ent
}

// CanScan is the pre-check consumed before a metered action. All action
// kinds draw from one pool; kind is only logged.
func (r *Resolver) CanScan(ctx context.Context, p model.Principal, kind model.ActionKind) Decision {
	ent := r.GetEntitlement(ctx, p)
	d := Decision{Allowed: ent.CanConsume, Entitlement: ent}
	if !d.Allowed {
		d.Reason = denialReason(ent)
		r.logger.Debug("scan denied", "principal", p.String(), "action_kind", string(kind), "used", ent.UsedThisPeriod, "allowance", ent.TotalAllowance())
	}
	return d
}

// base fills tier, status, period and allotment for sub. Canceled rows
// count as free. Paid rows use the provider period while it contains now;
// everything else uses the UTC calendar month.
func (r *Resolver) base(sub *model.SubscriptionState, now time.Time) model.Entitlement {
	tier := sub.Tier
	if sub.Status == model.StatusCanceled || !tier.Valid() {
		tier = model.TierFree
	}
	ent := model.Entitlement{
		Principal: sub.Principal,
		Tier:      tier,
		Status:    sub.Status,
	}
	if tier.Paid() && sub.Contains(now) {
		ent.PeriodStart, ent.PeriodEnd = sub.PeriodStart, sub.PeriodEnd
	} else {
		ent.PeriodStart, ent.PeriodEnd = model.CalendarMonth(now)
	}
	if tier == model.TierUnlimited {
		ent.Unlimited = true
		ent.CanConsume = true
		ent.Remaining = model.Unbounded
		return ent
	}
	ent.BaseAllotment = r.allotments.For(tier)
	return ent
}

func denialReason(ent model.Entitlement) string {
	if ent.Tier == model.TierFree {
		return fmt.Sprintf("You've used all %d free scans this month. Upgrade your plan or buy a scan pack to keep scanning.", ent.TotalAllowance())
	}
	return fmt.Sprintf("You've used all %d scans on the %s plan this period. Upgrade your plan or buy a scan pack to keep scanning.", ent.TotalAllowance(), ent.Tier)
}

func ptr[T any](v T) *T { return &v }
