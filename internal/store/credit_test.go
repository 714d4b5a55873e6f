package store

import (
	"errors"
	"testing"

	"github.com/dukerupert/haulscan/internal/model"
)

func TestCreditGrant(t *testing.T) {
	s := NewCreditStore(setupLedgerTestDB(t))
	ctx := t.Context()

	inserted, err := s.Grant(ctx, &model.CreditGrant{
		Principal:       testUser,
		Quantity:        50,
		GrantedAt:       testNow,
		SourceReference: "cs_1",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !inserted {
		t.Error("expected insert")
	}

	g, err := s.GetBySourceReference(ctx, "cs_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g == nil {
		t.Fatal("expected grant")
	}
	if g.Quantity != 50 {
		t.Errorf("quantity = %d, want 50", g.Quantity)
	}
	if g.Principal != testUser {
		t.Errorf("principal = %v, want %v", g.Principal, testUser)
	}
}

func TestCreditGrantDuplicateSourceReference(t *testing.T) {
	s := NewCreditStore(setupLedgerTestDB(t))
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		_, err := s.Grant(ctx, &model.CreditGrant{
			Principal:       testUser,
			Quantity:        50,
			GrantedAt:       testNow,
			SourceReference: "cs_1",
		})
		if err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}

	sum, err := s.Sum(ctx, testUser)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 50 {
		t.Errorf("sum = %d, want 50", sum)
	}
}

func TestCreditGrantInvalidQuantity(t *testing.T) {
	s := NewCreditStore(setupLedgerTestDB(t))

	for _, q := range []int64{0, -5} {
		_, err := s.Grant(t.Context(), &model.CreditGrant{
			Principal:       testUser,
			Quantity:        q,
			GrantedAt:       testNow,
			SourceReference: "bad",
		})
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Errorf("quantity %d: err = %v, want ErrInvalidQuantity", q, err)
		}
	}
}

func TestCreditSumAndList(t *testing.T) {
	s := NewCreditStore(setupLedgerTestDB(t))
	ctx := t.Context()

	sum, err := s.Sum(ctx, testUser)
	if err != nil {
		t.Fatalf("sum empty: %v", err)
	}
	if sum != 0 {
		t.Errorf("empty sum = %d, want 0", sum)
	}

	for _, g := range []model.CreditGrant{
		{Principal: testUser, Quantity: 50, GrantedAt: testNow, SourceReference: "a"},
		{Principal: testUser, Quantity: 200, GrantedAt: testNow, SourceReference: "b"},
		{Principal: testDevice, Quantity: 500, GrantedAt: testNow, SourceReference: "c"},
	} {
		if _, err := s.Grant(ctx, &g); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}

	sum, err = s.Sum(ctx, testUser)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 250 {
		t.Errorf("sum = %d, want 250", sum)
	}

	grants, err := s.ListByPrincipal(ctx, testUser)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(grants) != 2 {
		t.Errorf("len = %d, want 2", len(grants))
	}
}
