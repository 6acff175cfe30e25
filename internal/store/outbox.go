package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// OutboxCounts summarizes the approved-event outbox.
type OutboxCounts struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Dead      int `json:"dead"`
}

// EnqueueApproved records an approved event for delivery. Enqueuing the same
// event id twice keeps the first record.
func (s *Store) EnqueueApproved(ctx context.Context, ev models.ApprovedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approval_outbox (event_id, event, attempts, created_at) VALUES (?, ?, 0, ?)`,
		ev.ID, string(data), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PendingOutbox returns undelivered events with fewer than maxAttempts
// attempts, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]*models.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, attempts, last_error, created_at, delivered_at FROM approval_outbox
		 WHERE delivered_at IS NULL AND attempts < ?
		 ORDER BY created_at ASC LIMIT ?`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*models.OutboxRecord
	for rows.Next() {
		var data string
		var lastError sql.NullString
		var created int64
		var delivered sql.NullInt64
		rec := &models.OutboxRecord{}
		if err := rows.Scan(&data, &rec.Attempts, &lastError, &created, &delivered); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &rec.Event); err != nil {
			return nil, fmt.Errorf("decode outbox event: %w", err)
		}
		rec.LastError = lastError.String
		rec.CreatedAt = time.Unix(0, created).UTC()
		if delivered.Valid {
			t := time.Unix(0, delivered.Int64).UTC()
			rec.DeliveredAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkDelivered records a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_outbox SET delivered_at = ?, attempts = attempts + 1, last_error = NULL WHERE event_id = ?`,
		time.Now().UTC().UnixNano(), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *Store) MarkFailed(ctx context.Context, eventID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_outbox SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`,
		reason, eventID,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// CountOutbox reports pending, delivered and dead events. Dead events have
// exhausted maxAttempts without delivery.
func (s *Store) CountOutbox(ctx context.Context, maxAttempts int) (*OutboxCounts, error) {
	var c OutboxCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN delivered_at IS NULL AND attempts < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered_at IS NULL AND attempts >= ? THEN 1 ELSE 0 END), 0)
		 FROM approval_outbox`,
		maxAttempts, maxAttempts,
	).Scan(&c.Pending, &c.Delivered, &c.Dead)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	return &c, nil
}
