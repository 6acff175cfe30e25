package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/warden/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEntry(id string, ts time.Time, typ models.IntentType, outcome models.Outcome, session string) *models.AuditEntry {
	in := &models.Intent{ID: "intent-" + id, Type: typ, Timestamp: ts}
	return &models.AuditEntry{
		ID:         id,
		Timestamp:  ts,
		Intent:     in,
		IntentHash: "hash-" + id,
		Validation: models.NewValidationResult(in),
		Source:     models.AuditSource{SessionID: session},
		Outcome:    outcome,
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "warden.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "warden.db")
	ctx := context.Background()

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.AppendAuditEntries(ctx, []*models.AuditEntry{
		newEntry("a", time.Now().UTC(), models.IntentFileOperation, models.OutcomeProcessed, "s1"),
	}); err != nil {
		t.Fatalf("AppendAuditEntries failed: %v", err)
	}
	s.Close()

	s, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.QueryAuditEntries(ctx, AuditQuery{})
	if err != nil {
		t.Fatalf("QueryAuditEntries failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 entry after reopen, got %d", len(got))
	}
}

func TestAuditEntriesQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*models.AuditEntry{
		newEntry("1", base, models.IntentFileOperation, models.OutcomeProcessed, "s1"),
		newEntry("2", base.Add(time.Hour), models.IntentTerminalCommand, models.OutcomeRejected, "s1"),
		newEntry("3", base.Add(2*time.Hour), models.IntentTerminalCommand, models.OutcomePendingApproval, "s2"),
		newEntry("4", base.Add(3*time.Hour), models.IntentExternalService, models.OutcomeFailed, "s2"),
	}
	if err := s.AppendAuditEntries(ctx, entries); err != nil {
		t.Fatalf("AppendAuditEntries failed: %v", err)
	}
	// A retried flush must not duplicate rows.
	if err := s.AppendAuditEntries(ctx, entries[:2]); err != nil {
		t.Fatalf("AppendAuditEntries retry failed: %v", err)
	}

	tests := []struct {
		name string
		q    AuditQuery
		want []string
	}{
		{"all newest first", AuditQuery{}, []string{"4", "3", "2", "1"}},
		{"limit", AuditQuery{Limit: 2}, []string{"4", "3"}},
		{"since", AuditQuery{Since: base.Add(2 * time.Hour)}, []string{"4", "3"}},
		{"until", AuditQuery{Until: base.Add(time.Hour)}, []string{"2", "1"}},
		{"types", AuditQuery{Types: []models.IntentType{models.IntentTerminalCommand}}, []string{"3", "2"}},
		{"outcomes", AuditQuery{Outcomes: []models.Outcome{models.OutcomeFailed, models.OutcomeProcessed}}, []string{"4", "1"}},
		{"session", AuditQuery{SessionID: "s1"}, []string{"2", "1"}},
		{"combined", AuditQuery{SessionID: "s2", Types: []models.IntentType{models.IntentTerminalCommand}}, []string{"3"}},
		{"no match", AuditQuery{SessionID: "nobody"}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.QueryAuditEntries(ctx, tc.q)
			if err != nil {
				t.Fatalf("QueryAuditEntries failed: %v", err)
			}
			var ids []string
			for _, e := range got {
				ids = append(ids, e.ID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("Expected %v, got %v", tc.want, ids)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Errorf("Expected %v, got %v", tc.want, ids)
					break
				}
			}
		})
	}
}

func TestAuditEntryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := models.NewIntent(&models.TerminalCommand{Command: "npm test"}, models.SourceAIChat, models.PriorityMedium)
	v := models.NewValidationResult(in)
	v.AppliedRules = []string{"Allow workspace commands"}
	e := &models.AuditEntry{
		ID:         "round",
		Timestamp:  in.Timestamp,
		Intent:     in,
		IntentHash: "abc",
		Validation: v,
		Execution:  &models.ExecutionResult{Success: true, Output: "ok"},
		Source:     models.AuditSource{SessionID: "s", OriginalMessage: "run `npm test`"},
		Outcome:    models.OutcomeProcessed,
	}
	if err := s.AppendAuditEntries(ctx, []*models.AuditEntry{e}); err != nil {
		t.Fatalf("AppendAuditEntries failed: %v", err)
	}

	got, err := s.QueryAuditEntries(ctx, AuditQuery{})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryAuditEntries = %v, %v", got, err)
	}
	if got[0].Intent.Terminal == nil || got[0].Intent.Terminal.Command != "npm test" {
		t.Errorf("Expected terminal command to round trip, got %+v", got[0].Intent)
	}
	if got[0].Execution == nil || got[0].Execution.Output != "ok" {
		t.Errorf("Expected execution to round trip, got %+v", got[0].Execution)
	}
	if len(got[0].Validation.AppliedRules) != 1 {
		t.Errorf("Expected applied rules to round trip, got %v", got[0].Validation.AppliedRules)
	}
}

func TestPruneAuditEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.AppendAuditEntries(ctx, []*models.AuditEntry{
		newEntry("old", now.Add(-40*24*time.Hour), models.IntentFileOperation, models.OutcomeProcessed, "s"),
		newEntry("new", now, models.IntentFileOperation, models.OutcomeProcessed, "s"),
	}); err != nil {
		t.Fatalf("AppendAuditEntries failed: %v", err)
	}

	n, err := s.PruneAuditEntries(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneAuditEntries failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned, got %d", n)
	}
	got, _ := s.QueryAuditEntries(ctx, AuditQuery{})
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Expected only the new entry to remain, got %v", got)
	}
}

func newPending(t *testing.T, path string, created time.Time) *models.PendingApproval {
	t.Helper()
	in := models.NewIntent(&models.FileOperation{
		Operation: models.FileCreate,
		Target:    models.FileTarget{Path: path},
	}, models.SourceAIChat, models.PriorityMedium)
	v := models.NewValidationResult(in)
	v.RequiresApproval = true
	return &models.PendingApproval{Intent: in, Validation: v, SessionID: "s1", CreatedAt: created}
}

func TestPendingApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	second := newPending(t, "b.js", base.Add(time.Second))
	first := newPending(t, "a.js", base)
	for _, p := range []*models.PendingApproval{second, first} {
		if err := s.SavePendingApproval(ctx, p); err != nil {
			t.Fatalf("SavePendingApproval failed: %v", err)
		}
	}

	list, err := s.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("ListPendingApprovals failed: %v", err)
	}
	if len(list) != 2 || list[0].Intent.ID != first.Intent.ID {
		t.Fatalf("Expected oldest first, got %v", list)
	}
	if !list[0].Validation.RequiresApproval {
		t.Error("Expected validation to round trip")
	}

	got, err := s.GetPendingApproval(ctx, second.Intent.ID)
	if err != nil || got == nil {
		t.Fatalf("GetPendingApproval = %v, %v", got, err)
	}
	if got.Intent.File.Target.Path != "b.js" {
		t.Errorf("Expected b.js, got %s", got.Intent.File.Target.Path)
	}

	missing, err := s.GetPendingApproval(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing approval, got %v, %v", missing, err)
	}

	taken, err := s.TakePendingApproval(ctx, first.Intent.ID)
	if err != nil {
		t.Fatalf("TakePendingApproval failed: %v", err)
	}
	if taken.Intent.ID != first.Intent.ID {
		t.Errorf("Took wrong approval: %s", taken.Intent.ID)
	}
	if _, err := s.TakePendingApproval(ctx, first.Intent.ID); err != ErrApprovalNotFound {
		t.Errorf("Expected ErrApprovalNotFound on second take, got %v", err)
	}
}

func TestTakePendingApprovalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newPending(t, "race.js", time.Now().UTC())
	if err := s.SavePendingApproval(ctx, p); err != nil {
		t.Fatalf("SavePendingApproval failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.TakePendingApproval(ctx, p.Intent.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one taker, got %d", wins)
	}
}

func TestOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	content := "hello"

	ev := models.ApprovedEvent{
		ID:         "ev-1",
		IntentType: models.IntentFileOperation,
		Operation:  models.FileCreate,
		TargetPath: "/workspace/a.txt",
		Content:    &content,
		Timestamp:  time.Now().UTC(),
		Actor:      "s1",
	}
	if err := s.EnqueueApproved(ctx, ev); err != nil {
		t.Fatalf("EnqueueApproved failed: %v", err)
	}
	if err := s.EnqueueApproved(ctx, ev); err != nil {
		t.Fatalf("EnqueueApproved duplicate failed: %v", err)
	}
	if err := s.EnqueueApproved(ctx, models.ApprovedEvent{ID: "ev-2", Operation: models.FileDelete, TargetPath: "/workspace/b.txt"}); err != nil {
		t.Fatalf("EnqueueApproved failed: %v", err)
	}

	pending, err := s.PendingOutbox(ctx, 10, 3)
	if err != nil {
		t.Fatalf("PendingOutbox failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 pending, got %d", len(pending))
	}
	if pending[0].Event.Content == nil || *pending[0].Event.Content != "hello" {
		t.Errorf("Expected content to round trip, got %+v", pending[0].Event)
	}

	if err := s.MarkDelivered(ctx, "ev-1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkFailed(ctx, "ev-2", "disk full"); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	pending, err = s.PendingOutbox(ctx, 10, 3)
	if err != nil {
		t.Fatalf("PendingOutbox failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected nothing pending, got %d", len(pending))
	}

	counts, err := s.CountOutbox(ctx, 3)
	if err != nil {
		t.Fatalf("CountOutbox failed: %v", err)
	}
	if counts.Pending != 0 || counts.Delivered != 1 || counts.Dead != 1 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	// A higher attempt ceiling makes the failed event eligible again.
	pending, _ = s.PendingOutbox(ctx, 10, 5)
	if len(pending) != 1 || pending[0].Attempts != 3 || pending[0].LastError != "disk full" {
		t.Errorf("Expected ev-2 with 3 attempts, got %+v", pending)
	}
}
