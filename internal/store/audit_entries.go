package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/warden/internal/models"
)

// AuditQuery filters audit entries. Zero fields do not filter.
type AuditQuery struct {
	Since     time.Time
	Until     time.Time
	Types     []models.IntentType
	Outcomes  []models.Outcome
	SessionID string
	Limit     int
}

// AppendAuditEntries inserts entries in one transaction. Entries already
// present are skipped so a retried flush does not duplicate them.
func (s *Store) AppendAuditEntries(ctx context.Context, entries []*models.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO audit_entries (id, ts, intent_id, intent_type, intent_hash, outcome, session_id, user_id, entry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		var intentID, intentType string
		if e.Intent != nil {
			intentID, intentType = e.Intent.ID, string(e.Intent.Type)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UnixNano(), intentID, intentType, e.IntentHash,
			string(e.Outcome), e.Source.SessionID, e.Source.UserID, string(data),
		); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// QueryAuditEntries returns matching entries, newest first.
func (s *Store) QueryAuditEntries(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, error) {
	query := `SELECT entry FROM audit_entries`
	var where []string
	var args []interface{}

	if !q.Since.IsZero() {
		where = append(where, `ts >= ?`)
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, `ts <= ?`)
		args = append(args, q.Until.UnixNano())
	}
	if len(q.Types) > 0 {
		where = append(where, `intent_type IN (`+placeholders(len(q.Types))+`)`)
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if len(q.Outcomes) > 0 {
		where = append(where, `outcome IN (`+placeholders(len(q.Outcomes))+`)`)
		for _, o := range q.Outcomes {
			args = append(args, string(o))
		}
	}
	if q.SessionID != "" {
		where = append(where, `session_id = ?`)
		args = append(args, q.SessionID)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY ts DESC, rowid DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		var e models.AuditEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneAuditEntries deletes entries older than before.
func (s *Store) PruneAuditEntries(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(n), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
