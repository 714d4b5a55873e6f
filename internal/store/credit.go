package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukerupert/haulscan/internal/model"
)

var ErrInvalidQuantity = errors.New("credit quantity must be positive")

type CreditStore struct {
	db *sql.DB
}

func NewCreditStore(db *sql.DB) *CreditStore {
	return &CreditStore{db: db}
}

const creditCols = `id, principal, quantity, granted_at, source_reference`

func scanCredit(s scanner) (*model.CreditGrant, error) {
	var g model.CreditGrant
	var principal string
	var grantedAt int64
	if err := s.Scan(&g.ID, &principal, &g.Quantity, &grantedAt, &g.SourceReference); err != nil {
		return nil, err
	}
	p, err := model.ParsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	g.Principal = p
	g.GrantedAt = fromMillis(grantedAt)
	return &g, nil
}

// Grant appends a credit grant. A source reference is applied at most once;
// a repeat reports false without error.
func (s *CreditStore) Grant(ctx context.Context, g *model.CreditGrant) (bool, error) {
	return grantCredit(ctx, s.db, g)
}

func (s *CreditStore) GetBySourceReference(ctx context.Context, ref string) (*model.CreditGrant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+creditCols+` FROM credit_grants WHERE source_reference = ?`, ref)
	g, err := scanCredit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit grant: %w", err)
	}
	return g, nil
}

// Sum returns the all-time credit balance for p. Credits never expire.
func (s *CreditStore) Sum(ctx context.Context, p model.Principal) (int64, error) {
	return sumCredits(ctx, s.db, p)
}

func (s *CreditStore) ListByPrincipal(ctx context.Context, p model.Principal) ([]model.CreditGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+creditCols+` FROM credit_grants WHERE principal = ? ORDER BY granted_at, id`,
		p.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list credit grants: %w", err)
	}
	defer rows.Close()

	var grants []model.CreditGrant
	for rows.Next() {
		g, err := scanCredit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit grant: %w", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func grantCredit(ctx context.Context, q querier, g *model.CreditGrant) (bool, error) {
	if g.Quantity <= 0 {
		return false, ErrInvalidQuantity
	}
	if g.ID == "" {
		g.ID = newID()
	}
	result, err := q.ExecContext(ctx,
		`INSERT INTO credit_grants (`+creditCols+`) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source_reference) DO NOTHING`,
		g.ID, g.Principal.String(), g.Quantity, toMillis(g.GrantedAt), g.SourceReference,
	)
	if err != nil {
		return false, fmt.Errorf("insert credit grant: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func sumCredits(ctx context.Context, q querier, p model.Principal) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM credit_grants WHERE principal = ?`,
		p.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sum credits: %w", err)
	}
	return n, nil
}
