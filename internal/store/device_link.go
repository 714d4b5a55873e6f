package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/haulscan/internal/model"
)

// DeviceLinkStore owns the one-time device -> user association and the merge
// that re-attributes a device's anonymous history to the user.
type DeviceLinkStore struct {
	db *sql.DB
}

func NewDeviceLinkStore(db *sql.DB) *DeviceLinkStore {
	return &DeviceLinkStore{db: db}
}

// LinkedUser returns the user a device was merged into, or "" if the device
// has only been seen anonymously.
func (s *DeviceLinkStore) LinkedUser(ctx context.Context, deviceID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM device_links WHERE device_id = ?`, deviceID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get device link: %w", err)
	}
	return userID, nil
}

// MergeResult describes what a merge moved.
type MergeResult struct {
	Merged       bool
	LinkedUserID string
	Scans        int64
	Credits      int64
	Subscription bool
}

// Merge links deviceID to userID and re-attributes the device's scans,
// credits, provider refs and subscription in one transaction. A device is
// merged at most once; later calls report the existing link with Merged false.
func (s *DeviceLinkStore) Merge(ctx context.Context, deviceID, userID string, now time.Time) (MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	// The link insert comes first so the transaction takes the write lock
	// before reading anything.
	result, err := tx.ExecContext(ctx,
		`INSERT INTO device_links (device_id, user_id, linked_at) VALUES (?, ?, ?)
		 ON CONFLICT (device_id) DO NOTHING`,
		deviceID, userID, toMillis(now),
	)
	if err != nil {
		return MergeResult{}, fmt.Errorf("insert device link: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return MergeResult{}, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT user_id FROM device_links WHERE device_id = ?`, deviceID).Scan(&existing); err != nil {
			return MergeResult{}, fmt.Errorf("get device link: %w", err)
		}
		return MergeResult{LinkedUserID: existing}, nil
	}

	device := model.DevicePrincipal(deviceID).String()
	user := model.UserPrincipal(userID).String()
	res := MergeResult{Merged: true, LinkedUserID: userID}

	if res.Scans, err = execCount(ctx, tx, `UPDATE scans SET principal = ? WHERE principal = ?`, user, device); err != nil {
		return MergeResult{}, fmt.Errorf("merge scans: %w", err)
	}
	if res.Credits, err = execCount(ctx, tx, `UPDATE credit_grants SET principal = ? WHERE principal = ?`, user, device); err != nil {
		return MergeResult{}, fmt.Errorf("merge credits: %w", err)
	}
	if _, err = execCount(ctx, tx, `UPDATE provider_refs SET principal = ? WHERE principal = ?`, user, device); err != nil {
		return MergeResult{}, fmt.Errorf("merge provider refs: %w", err)
	}

	deviceSub, err := getSubscription(ctx, tx, model.DevicePrincipal(deviceID))
	if err != nil {
		return MergeResult{}, err
	}
	userSub, err := getSubscription(ctx, tx, model.UserPrincipal(userID))
	if err != nil {
		return MergeResult{}, err
	}
	if deviceSub != nil && (userSub == nil || subscriptionRank(deviceSub) > subscriptionRank(userSub)) {
		carried := *deviceSub
		carried.Principal = model.UserPrincipal(userID)
		if userSub != nil && userSub.LastEventAt.After(carried.LastEventAt) {
			carried.LastEventAt = userSub.LastEventAt
		}
		if _, err := supersedeSubscription(ctx, tx, &carried, now); err != nil {
			return MergeResult{}, fmt.Errorf("merge subscription: %w", err)
		}
		res.Subscription = true
	}

	if err := tx.Commit(); err != nil {
		return MergeResult{}, fmt.Errorf("commit merge: %w", err)
	}
	return res, nil
}

// subscriptionRank orders states for merge: a paying active subscription
// beats a past-due one, which beats free or canceled.
func subscriptionRank(s *model.SubscriptionState) int {
	if !s.Tier.Paid() {
		return 0
	}
	switch s.Status {
	case model.StatusActive:
		return 2
	case model.StatusPastDue:
		return 1
	}
	return 0
}

func execCount(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
