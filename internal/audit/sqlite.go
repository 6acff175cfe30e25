package audit

import (
	"context"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/store"
)

// SQLiteStorage keeps entries in the store's audit_entries table.
type SQLiteStorage struct {
	store *store.Store
}

// NewSQLiteStorage wraps s.
func NewSQLiteStorage(s *store.Store) *SQLiteStorage {
	return &SQLiteStorage{store: s}
}

// Append implements Storage.
func (s *SQLiteStorage) Append(ctx context.Context, entries []*models.AuditEntry) error {
	return s.store.AppendAuditEntries(ctx, entries)
}

// Query implements Storage.
func (s *SQLiteStorage) Query(ctx context.Context, f Filter) ([]*models.AuditEntry, error) {
	return s.store.QueryAuditEntries(ctx, store.AuditQuery{
		Since:     f.Since,
		Until:     f.Until,
		Types:     f.Types,
		Outcomes:  f.Outcomes,
		SessionID: f.SessionID,
		Limit:     f.Limit,
	})
}

// Prune implements Storage.
func (s *SQLiteStorage) Prune(ctx context.Context, before time.Time) (int, error) {
	return s.store.PruneAuditEntries(ctx, before)
}
