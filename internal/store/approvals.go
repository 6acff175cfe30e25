package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// ErrApprovalNotFound indicates no pending approval exists for the intent.
var ErrApprovalNotFound = errors.New("pending approval not found")

// SavePendingApproval stores an intent waiting for a decision. Saving the
// same intent again replaces the earlier record.
func (s *Store) SavePendingApproval(ctx context.Context, p *models.PendingApproval) error {
	intent, err := json.Marshal(p.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}
	validation, err := json.Marshal(p.Validation)
	if err != nil {
		return fmt.Errorf("encode validation: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_approvals (intent_id, session_id, user_id, intent, validation, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Intent.ID, p.SessionID, p.UserID, string(intent), string(validation), p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert pending approval: %w", err)
	}
	return nil
}

// GetPendingApproval returns the approval for intentID, or nil if none.
func (s *Store) GetPendingApproval(ctx context.Context, intentID string) (*models.PendingApproval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, intent, validation, created_at FROM pending_approvals WHERE intent_id = ?`,
		intentID,
	)
	p, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPendingApprovals returns the queue, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context) ([]*models.PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, user_id, intent, validation, created_at FROM pending_approvals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.PendingApproval
	for rows.Next() {
		p, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TakePendingApproval atomically reads and removes the approval for
// intentID, so two deciders cannot both act on it.
func (s *Store) TakePendingApproval(ctx context.Context, intentID string) (*models.PendingApproval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT session_id, user_id, intent, validation, created_at FROM pending_approvals WHERE intent_id = ?`,
		intentID,
	)
	p, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_approvals WHERE intent_id = ?`, intentID)
	if err != nil {
		return nil, fmt.Errorf("delete pending approval: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		return nil, ErrApprovalNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(sc scanner) (*models.PendingApproval, error) {
	var sessionID, userID sql.NullString
	var intent, validation string
	var created int64
	if err := sc.Scan(&sessionID, &userID, &intent, &validation, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan pending approval: %w", err)
	}

	p := &models.PendingApproval{
		SessionID: sessionID.String,
		UserID:    userID.String,
		CreatedAt: time.Unix(0, created).UTC(),
	}
	if err := json.Unmarshal([]byte(intent), &p.Intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if err := json.Unmarshal([]byte(validation), &p.Validation); err != nil {
		return nil, fmt.Errorf("decode validation: %w", err)
	}
	return p, nil
}
