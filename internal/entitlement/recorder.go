package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
)

var (
	ErrInvalidActionKind = errors.New("invalid action kind")
	ErrInvalidMetadata   = errors.New("metadata must be a JSON object")
	ErrCorrelationID     = errors.New("correlation id too long")
)

const maxCorrelationIDLen = 128

// ScanWriter appends scan records, ignoring duplicate correlation IDs.
type ScanWriter interface {
	Record(ctx context.Context, rec *model.ScanRecord) (bool, error)
}

// RecordResult reports what RecordScan did.
type RecordResult struct {
	CorrelationID string `json:"correlation_id"`
	Recorded      bool   `json:"recorded"`
	Duplicate     bool   `json:"duplicate"`
}

// Recorder writes completed scans to the ledger with bounded retries.
type Recorder struct {
	scans      ScanWriter
	timeout    time.Duration
	maxRetries uint64
	backoff    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewRecorder(scans ScanWriter, timeout time.Duration, logger *slog.Logger) *Recorder {
	return &Recorder{
		scans:      scans,
		timeout:    timeout,
		maxRetries: 3,
		backoff:    25 * time.Millisecond,
		logger:     logger,
		now:        time.Now,
	}
}

// RecordScan appends one scan for p. A repeated correlation ID is a
// successful no-op; an empty one is replaced by a fresh UUID. Validation
// errors are returned; store failures are logged and returned so the caller
// can report them without failing the user's action.
func (r *Recorder) RecordScan(ctx context.Context, p model.Principal, kind model.ActionKind, correlationID string, metadata json.RawMessage) (RecordResult, error) {
	if !kind.Valid() {
		return RecordResult{}, fmt.Errorf("%w: %q", ErrInvalidActionKind, kind)
	}
	if len(correlationID) > maxCorrelationIDLen {
		return RecordResult{}, ErrCorrelationID
	}
	if len(metadata) > 0 && !isJSONObject(metadata) {
		return RecordResult{}, ErrInvalidMetadata
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	rec := &model.ScanRecord{
		Principal:     p,
		ActionKind:    kind,
		OccurredAt:    r.now().UTC(),
		CorrelationID: correlationID,
		Metadata:      metadata,
	}
	result := RecordResult{CorrelationID: correlationID}

	b := retry.WithMaxRetries(r.maxRetries, retry.NewExponential(r.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attemptCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		inserted, err := r.scans.Record(attemptCtx, rec)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		result.Recorded = inserted
		result.Duplicate = !inserted
		return nil
	})
	if err != nil {
		metrics.ScansRecordedTotal.WithLabelValues(string(kind), "failed").Inc()
		r.logger.Error("record scan failed",
			"principal", p.String(),
			"action_kind", string(kind),
			"correlation_id", correlationID,
			"error", err,
		)
		return result, fmt.Errorf("record scan: %w", err)
	}

	outcome := "recorded"
	if result.Duplicate {
		outcome = "duplicate"
	}
	metrics.ScansRecordedTotal.WithLabelValues(string(kind), outcome).Inc()
	return result, nil
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
