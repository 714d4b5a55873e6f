package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

type ScanStore struct {
	db *sql.DB
}

func NewScanStore(db *sql.DB) *ScanStore {
	return &ScanStore{db: db}
}

const scanCols = `id, principal, action_kind, occurred_at, correlation_id, metadata`

func scanScan(s scanner) (*model.ScanRecord, error) {
	var rec model.ScanRecord
	var principal string
	var occurredAt int64
	var metadata sql.NullString
	if err := s.Scan(&rec.ID, &principal, &rec.ActionKind, &occurredAt, &rec.CorrelationID, &metadata); err != nil {
		return nil, err
	}
	p, err := model.ParsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	rec.Principal = p
	rec.OccurredAt = fromMillis(occurredAt)
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return &rec, nil
}

// Record appends a scan record. It reports false without error when a
// record with the same correlation ID already exists.
func (s *ScanStore) Record(ctx context.Context, rec *model.ScanRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	var metadata sql.NullString
	if len(rec.Metadata) > 0 {
		metadata = sql.NullString{String: string(rec.Metadata), Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (`+scanCols+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		rec.ID, rec.Principal.String(), string(rec.ActionKind), toMillis(rec.OccurredAt), rec.CorrelationID, metadata,
	)
	if err != nil {
		return false, fmt.Errorf("insert scan: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *ScanStore) GetByCorrelationID(ctx context.Context, correlationID string) (*model.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanCols+` FROM scans WHERE correlation_id = ?`, correlationID)
	rec, err := scanScan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan by correlation id: %w", err)
	}
	return rec, nil
}

// CountBetween counts scans for p with occurred_at in [start, end).
func (s *ScanStore) CountBetween(ctx context.Context, p model.Principal, start, end time.Time) (int64, error) {
	return countScans(ctx, s.db, p, start, end)
}

// ListRecent returns the most recent scans for p, newest first.
func (s *ScanStore) ListRecent(ctx context.Context, p model.Principal, limit int) ([]model.ScanRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scanCols+` FROM scans WHERE principal = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		p.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var recs []model.ScanRecord
	for rows.Next() {
		rec, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func countScans(ctx context.Context, q querier, p model.Principal, start, end time.Time) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scans WHERE principal = ? AND occurred_at >= ? AND occurred_at < ?`,
		p.String(), toMillis(start), toMillis(end),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}
