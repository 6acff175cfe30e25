package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(id string, ts time.Time) *models.AuditEntry {
	in := fileIntent(id + ".js")
	return &models.AuditEntry{
		ID:         id,
		Timestamp:  ts,
		Intent:     in,
		Validation: models.NewValidationResult(in),
		Outcome:    models.OutcomeProcessed,
	}
}

func TestJSONLFilesPerDay(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	d1 := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 5, 2, 1, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, []*models.AuditEntry{entryAt("a", d1), entryAt("b", d2)}))

	for _, name := range []string{"audit-2026-05-01.jsonl", "audit-2026-05-02.jsonl"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	got, err := s.Query(ctx, Filter{Since: d2.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestJSONLSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, []*models.AuditEntry{entryAt("a", ts)}))

	f, err := os.OpenFile(filepath.Join(dir, "audit-2026-05-01.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"id\": \"torn\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append(ctx, []*models.AuditEntry{entryAt("b", ts.Add(time.Minute))}))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
}

func TestJSONLPruneRewritesStraddlingDay(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, []*models.AuditEntry{
		entryAt("old", day.AddDate(0, 0, -3)),
		entryAt("morning", day.Add(8*time.Hour)),
		entryAt("evening", day.Add(20*time.Hour)),
	}))

	n, err := s.Prune(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(dir, "audit-2026-04-28.jsonl"))
	assert.True(t, os.IsNotExist(err), "expired day file should be removed")

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evening", got[0].ID)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".prune-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	n, err = s.Prune(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJSONLQueryOrderTies(t *testing.T) {
	s, err := NewJSONLStorage(t.TempDir(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, []*models.AuditEntry{entryAt("first", ts), entryAt("second", ts)}))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "second", got[0].ID)
}

func TestJSONLRetryDoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	d1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)
	batch := []*models.AuditEntry{entryAt("a", d1), entryAt("b", d2)}

	// A directory where the second day's file belongs fails the write
	// after the first day's file is already written.
	blocker := filepath.Join(dir, "audit-2026-05-02.jsonl")
	require.NoError(t, os.Mkdir(blocker, 0755))
	require.Error(t, s.Append(ctx, batch))

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, s.Append(ctx, batch))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	// Once clean, later appends to the same day are not filtered.
	require.NoError(t, s.Append(ctx, []*models.AuditEntry{entryAt("c", d1.Add(time.Hour))}))
	got, err = s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestLoggerRetryOnJSONLKeepsOneEntryPerIntent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONLStorage(dir, nil)
	require.NoError(t, err)
	l := NewLogger(s, &Config{BufferSize: 10}, nil)
	defer l.Close(context.Background())
	ctx := context.Background()

	d1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	blocker := filepath.Join(dir, "audit-2026-05-02.jsonl")
	require.NoError(t, os.Mkdir(blocker, 0755))

	first := fileIntent("1.js")
	l.now = func() time.Time { return d1 }
	l.Record(ctx, first, models.NewValidationResult(first), nil, models.AuditSource{})
	second := fileIntent("2.js")
	l.now = func() time.Time { return d1.AddDate(0, 0, 1) }
	l.Record(ctx, second, models.NewValidationResult(second), nil, models.AuditSource{})

	require.Error(t, l.Flush(ctx))
	assert.Equal(t, 2, l.Buffered())

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, l.Flush(ctx))

	got, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
