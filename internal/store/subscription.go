package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionCols = `principal, tier, status, period_start, period_end, external_subscription_ref, last_event_at, created_at, updated_at`

func scanSubscription(s scanner) (*model.SubscriptionState, error) {
	var sub model.SubscriptionState
	var principal string
	var ref sql.NullString
	var periodStart, periodEnd, lastEventAt, createdAt, updatedAt int64
	err := s.Scan(
		&principal, &sub.Tier, &sub.Status, &periodStart, &periodEnd,
		&ref, &lastEventAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p, err := model.ParsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	sub.Principal = p
	sub.PeriodStart = fromMillis(periodStart)
	sub.PeriodEnd = fromMillis(periodEnd)
	sub.ExternalSubscriptionRef = ref.String
	sub.LastEventAt = fromMillis(lastEventAt)
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return &sub, nil
}

func (s *SubscriptionStore) Get(ctx context.Context, p model.Principal) (*model.SubscriptionState, error) {
	return getSubscription(ctx, s.db, p)
}

func (s *SubscriptionStore) GetByExternalRef(ctx context.Context, ref string) (*model.SubscriptionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE external_subscription_ref = ? ORDER BY updated_at DESC LIMIT 1`,
		ref,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by external ref: %w", err)
	}
	return sub, nil
}

// EnsureDefault creates the implicit free row for p if none exists and
// reports whether it did.
func (s *SubscriptionStore) EnsureDefault(ctx context.Context, p model.Principal, now time.Time) (bool, error) {
	free := model.FreeState(p, now)
	ts := toMillis(now)
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?, NULL, 0, ?, ?)
		 ON CONFLICT (principal) DO NOTHING`,
		p.String(), string(free.Tier), string(free.Status),
		toMillis(free.PeriodStart), toMillis(free.PeriodEnd), ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("ensure default subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Supersede replaces the current row for sub.Principal. Events older than
// the last applied one are ignored and Supersede reports false.
func (s *SubscriptionStore) Supersede(ctx context.Context, sub *model.SubscriptionState, now time.Time) (bool, error) {
	return supersedeSubscription(ctx, s.db, sub, now)
}

// UpdateStatus changes only the status, subject to the same event ordering
// as Supersede. It reports false when no row exists or the event is stale.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, p model.Principal, status model.Status, eventAt, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, last_event_at = ?, updated_at = ?
		 WHERE principal = ? AND last_event_at <= ?`,
		string(status), toMillis(eventAt), toMillis(now), p.String(), toMillis(eventAt),
	)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func getSubscription(ctx context.Context, q querier, p model.Principal) (*model.SubscriptionState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE principal = ?`, p.String())
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func supersedeSubscription(ctx context.Context, q querier, sub *model.SubscriptionState, now time.Time) (bool, error) {
	if !sub.PeriodEnd.After(sub.PeriodStart) {
		return false, fmt.Errorf("supersede subscription: period end %s not after start %s", sub.PeriodEnd, sub.PeriodStart)
	}
	ts := toMillis(now)
	result, err := q.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (principal) DO UPDATE SET
		     tier = excluded.tier,
		     status = excluded.status,
		     period_start = excluded.period_start,
		     period_end = excluded.period_end,
		     external_subscription_ref = COALESCE(excluded.external_subscription_ref, subscriptions.external_subscription_ref),
		     last_event_at = excluded.last_event_at,
		     updated_at = excluded.updated_at
		 WHERE excluded.last_event_at >= subscriptions.last_event_at`,
		sub.Principal.String(), string(sub.Tier), string(sub.Status),
		toMillis(sub.PeriodStart), toMillis(sub.PeriodEnd), nullString(sub.ExternalSubscriptionRef),
		toMillis(sub.LastEventAt), ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("supersede subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
