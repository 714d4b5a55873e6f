package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/haulscan/internal/logging"
	"github.com/dukerupert/haulscan/internal/model"
)

func setupRecorderTest(t *testing.T) (*Recorder, *entitlementTestEnv) {
	t.Helper()
	env := setupEntitlementTestDB(t, midJan2024)
	r := NewRecorder(env.scans, time.Second, logging.Discard())
	r.now = func() time.Time { return midJan2024 }
	return r, env
}

func TestRecordScanIdempotent(t *testing.T) {
	r, env := setupRecorderTest(t)
	ctx := t.Context()

	first, err := r.RecordScan(ctx, testP, model.ActionTextSearchSold, "corr-1", json.RawMessage(`{"q":"nike"}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !first.Recorded || first.Duplicate {
		t.Errorf("first = %+v, want recorded", first)
	}

	second, err := r.RecordScan(ctx, testP, model.ActionTextSearchSold, "corr-1", nil)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if second.Recorded || !second.Duplicate {
		t.Errorf("second = %+v, want duplicate", second)
	}

	n, err := env.scans.CountBetween(ctx, testP, jan2024, feb2024)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestRecordScanGeneratesCorrelationID(t *testing.T) {
	r, env := setupRecorderTest(t)
	ctx := t.Context()

	a, err := r.RecordScan(ctx, testP, model.ActionTextSearchCurrent, "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	b, err := r.RecordScan(ctx, testP, model.ActionTextSearchCurrent, "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if a.CorrelationID == "" || a.CorrelationID == b.CorrelationID {
		t.Errorf("correlation ids = %q, %q, want distinct generated ids", a.CorrelationID, b.CorrelationID)
	}

	n, err := env.scans.CountBetween(ctx, testP, jan2024, feb2024)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestRecordScanValidation(t *testing.T) {
	r, _ := setupRecorderTest(t)
	ctx := t.Context()

	if _, err := r.RecordScan(ctx, testP, "barcode", "c", nil); !errors.Is(err, ErrInvalidActionKind) {
		t.Errorf("kind err = %v, want ErrInvalidActionKind", err)
	}
	if _, err := r.RecordScan(ctx, testP, model.ActionTextSearchCurrent, "c", json.RawMessage(`[1,2]`)); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("metadata err = %v, want ErrInvalidMetadata", err)
	}
	long := make([]byte, maxCorrelationIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := r.RecordScan(ctx, testP, model.ActionTextSearchCurrent, string(long), nil); !errors.Is(err, ErrCorrelationID) {
		t.Errorf("correlation err = %v, want ErrCorrelationID", err)
	}
}

type flakyWriter struct {
	failures int
	calls    int
}

func (f *flakyWriter) Record(ctx context.Context, rec *model.ScanRecord) (bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return false, errors.New("database is locked")
	}
	return true, nil
}

func TestRecordScanRetriesTransientFailures(t *testing.T) {
	w := &flakyWriter{failures: 2}
	r := NewRecorder(w, time.Second, logging.Discard())
	r.backoff = time.Millisecond

	res, err := r.RecordScan(t.Context(), testP, model.ActionTextSearchCurrent, "c-1", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !res.Recorded {
		t.Error("expected record after retries")
	}
	if w.calls != 3 {
		t.Errorf("calls = %d, want 3", w.calls)
	}
}

func TestRecordScanGivesUpAfterMaxRetries(t *testing.T) {
	w := &flakyWriter{failures: 100}
	r := NewRecorder(w, time.Second, logging.Discard())
	r.backoff = time.Millisecond

	_, err := r.RecordScan(t.Context(), testP, model.ActionTextSearchCurrent, "c-1", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if w.calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", w.calls)
	}
}
