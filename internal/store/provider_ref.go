package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

type RefKind string

const (
	RefCustomer     RefKind = "customer"
	RefSubscription RefKind = "subscription"
)

// ProviderRefStore maps opaque payment-provider references (customer and
// subscription IDs) to the principal they belong to.
type ProviderRefStore struct {
	db *sql.DB
}

func NewProviderRefStore(db *sql.DB) *ProviderRefStore {
	return &ProviderRefStore{db: db}
}

// Put stores ref -> p. An existing mapping is overwritten so a ref re-pointed
// by a later checkout follows the newest principal.
func (s *ProviderRefStore) Put(ctx context.Context, ref string, kind RefKind, p model.Principal, now time.Time) error {
	if ref == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_refs (ref, kind, principal, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ref) DO UPDATE SET principal = excluded.principal`,
		ref, string(kind), p.String(), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("put provider ref: %w", err)
	}
	return nil
}

// Lookup returns the principal for ref, or nil if no mapping exists yet.
func (s *ProviderRefStore) Lookup(ctx context.Context, ref string) (*model.Principal, error) {
	if ref == "" {
		return nil, nil
	}
	var principal string
	err := s.db.QueryRowContext(ctx, `SELECT principal FROM provider_refs WHERE ref = ?`, ref).Scan(&principal)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup provider ref: %w", err)
	}
	p, err := model.ParsePrincipal(principal)
	if err != nil {
		return nil, fmt.Errorf("lookup provider ref: %w", err)
	}
	return &p, nil
}
