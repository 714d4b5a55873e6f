package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/haulscan/internal/database"
	"github.com/dukerupert/haulscan/internal/model"
)

var (
	testNow    = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	testUser   = model.UserPrincipal("u-1")
	testDevice = model.DevicePrincipal("d-1")
)

func setupLedgerTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func recordTestScan(t *testing.T, s *ScanStore, p model.Principal, correlationID string, at time.Time) {
	t.Helper()
	inserted, err := s.Record(t.Context(), &model.ScanRecord{
		Principal:     p,
		ActionKind:    model.ActionTextSearchCurrent,
		OccurredAt:    at,
		CorrelationID: correlationID,
	})
	if err != nil {
		t.Fatalf("record scan: %v", err)
	}
	if !inserted {
		t.Fatalf("record scan %q: expected insert", correlationID)
	}
}
