package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ClaimResult int

const (
	// Claimed means the caller owns the event and must MarkDone or Release it.
	Claimed ClaimResult = iota
	// AlreadyDone means the event's effects were applied by an earlier delivery.
	AlreadyDone
	// InFlight means another delivery holds a live claim.
	InFlight
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyDone:
		return "duplicate"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// WebhookEventStore records provider event IDs so at-least-once delivery
// results in at-most-once effect.
type WebhookEventStore struct {
	db *sql.DB
}

func NewWebhookEventStore(db *sql.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Claim takes ownership of eventID. A processing claim older than lockTTL is
// treated as abandoned and taken over.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID, eventType string, now time.Time, lockTTL time.Duration) (ClaimResult, error) {
	ts := toMillis(now)
	staleBefore := toMillis(now.Add(-lockTTL))
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, status, claimed_at) VALUES (?, ?, 'processing', ?)
		 ON CONFLICT (event_id) DO UPDATE SET claimed_at = excluded.claimed_at
		 WHERE webhook_events.status = 'processing' AND webhook_events.claimed_at < ?`,
		eventID, eventType, ts, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return Claimed, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE event_id = ?`, eventID).Scan(&status)
	if err == sql.ErrNoRows {
		// Released between the insert and the read; let the provider retry.
		return InFlight, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read webhook event status: %w", err)
	}
	if status == "done" {
		return AlreadyDone, nil
	}
	return InFlight, nil
}

// MarkDone records that the event's effects have been applied.
func (s *WebhookEventStore) MarkDone(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = 'done', processed_at = ? WHERE event_id = ?`,
		toMillis(now), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event done: %w", err)
	}
	return nil
}

// Release drops a processing claim so a retried delivery is reprocessed.
func (s *WebhookEventStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE event_id = ? AND status = 'processing'`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// IsDone reports whether eventID has been fully applied.
func (s *WebhookEventStore) IsDone(ctx context.Context, eventID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM webhook_events WHERE event_id = ?`, eventID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get webhook event: %w", err)
	}
	return status == "done", nil
}
