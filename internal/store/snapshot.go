package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

// Snapshot reads subscription, usage and credits inside one transaction so
// a concurrent identity merge is observed either entirely or not at all.
type Snapshot struct {
	q querier
}

func (s Snapshot) Subscription(ctx context.Context, p model.Principal) (*model.SubscriptionState, error) {
	return getSubscription(ctx, s.q, p)
}

func (s Snapshot) CountScans(ctx context.Context, p model.Principal, start, end time.Time) (int64, error) {
	return countScans(ctx, s.q, p, start, end)
}

func (s Snapshot) SumCredits(ctx context.Context, p model.Principal) (int64, error) {
	return sumCredits(ctx, s.q, p)
}

type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// View runs fn against a consistent snapshot. The transaction is always
// rolled back; fn must not write.
func (s *LedgerStore) View(ctx context.Context, fn func(Snapshot) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	return fn(Snapshot{q: tx})
}

// Ping checks database connectivity.
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
