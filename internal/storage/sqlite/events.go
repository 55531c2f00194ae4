package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/leasewise/internal/storage"
)

// ClaimEvent inserts a processing claim for an event. An existing claim is
// taken over only while it is still processing and older than staleBefore.
func (s *SQLiteStore) ClaimEvent(ctx context.Context, eventID, eventType string, now, staleBefore time.Time) (storage.ClaimState, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, state, claimed_at) VALUES (?, ?, 'processing', ?)
		 ON CONFLICT (event_id) DO UPDATE SET claimed_at = excluded.claimed_at
		 WHERE processed_events.state = 'processing' AND processed_events.claimed_at <= ?`,
		eventID, eventType, toUnix(now), toUnix(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return storage.ClaimAcquired, nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, "SELECT state FROM processed_events WHERE event_id = ?", eventID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Released between the two statements; the owner failed.
		return storage.ClaimInProgress, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read event claim: %w", err)
	case state == "done":
		return storage.ClaimDone, nil
	}
	return storage.ClaimInProgress, nil
}

// CompleteEvent marks a claim done.
func (s *SQLiteStore) CompleteEvent(ctx context.Context, eventID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE processed_events SET state = 'done', processed_at = ? WHERE event_id = ?",
		toUnix(now), eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
	}
	return nil
}

// ReleaseEvent deletes a claim that is still processing.
func (s *SQLiteStore) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM processed_events WHERE event_id = ? AND state = 'processing'", eventID,
	); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}
