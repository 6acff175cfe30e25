package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/models"
)

// fakeAPI serves a canned approval queue and records decisions.
type fakeAPI struct {
	mu        sync.Mutex
	pending   []*models.PendingApproval
	decisions []string
	reasons   []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	in := models.NewIntent(&models.ExternalService{Service: "stripe", Action: "call"}, models.SourceUserInput, models.PriorityMedium)
	v := models.NewValidationResult(in)
	v.RequiresApproval = true
	v.AppliedRules = []string{"external-services"}
	api := &fakeAPI{pending: []*models.PendingApproval{{
		Intent: in, Validation: v, SessionID: "s1", CreatedAt: time.Now().Add(-90 * time.Second),
	}}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /approvals", func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		defer api.mu.Unlock()
		json.NewEncoder(w).Encode(api.pending)
	})
	decide := func(verb string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			api.mu.Lock()
			defer api.mu.Unlock()
			id := r.PathValue("id")
			var body decision
			json.NewDecoder(r.Body).Decode(&body)
			for i, p := range api.pending {
				if p.Intent.ID == id {
					api.pending = append(api.pending[:i], api.pending[i+1:]...)
					api.decisions = append(api.decisions, verb+":"+id+":"+body.Actor)
					api.reasons = append(api.reasons, body.Reason)
					outcome := models.OutcomeProcessed
					if verb == "reject" {
						outcome = models.OutcomeRejected
					}
					json.NewEncoder(w).Encode(bridge.IntentReport{Intent: p.Intent, Validation: p.Validation, Outcome: outcome, Executed: verb == "approve"})
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "intent is not pending approval: " + id})
		}
	}
	mux.HandleFunc("POST /approvals/{id}/approve", decide("approve"))
	mux.HandleFunc("POST /approvals/{id}/reject", decide("reject"))
	mux.HandleFunc("GET /audit/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(audit.Stats{
			Days: 7, Total: 4, Successful: 2, Rejected: 1, Pending: 1,
			ByType:        map[string]int{"external_service": 4},
			RuleFrequency: map[string]int{"external-services": 2},
		})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridge.Health{Status: "ok", Database: "ok", RuleCount: 9, RuleSource: "defaults"})
	})
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		var req bridge.Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(bridge.Report{SessionID: req.SessionID, Summary: "echo: " + req.Message, Pending: []string{}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, srv
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// run executes cmd and feeds the resulting message back into the app.
func run(t *testing.T, a *App, cmd tea.Cmd) {
	t.Helper()
	for cmd != nil {
		msg := cmd()
		if batch, ok := msg.(tea.BatchMsg); ok {
			for _, c := range batch {
				run(t, a, c)
			}
			return
		}
		_, cmd = a.Update(msg)
	}
}

func newTestApp(t *testing.T) (*App, *fakeAPI) {
	t.Helper()
	api, srv := newFakeAPI(t)
	a := New(srv.URL)
	a.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	run(t, a, a.Init())
	return a, api
}

func TestAppLoadsQueue(t *testing.T) {
	a, api := newTestApp(t)

	if len(a.items) != 1 {
		t.Fatalf("Expected 1 pending item, got %d", len(a.items))
	}
	if a.items[0].ID != api.pending[0].Intent.ID {
		t.Errorf("Unexpected item %+v", a.items[0])
	}
	if !a.online || a.health.RuleCount != 9 {
		t.Errorf("Expected daemon online with 9 rules, got online=%v health=%+v", a.online, a.health)
	}
	view := a.View()
	if !strings.Contains(view, "[1 pending]") || !strings.Contains(view, "external_service") {
		t.Errorf("View missing queue content:\n%s", view)
	}
}

func TestAppApproveKey(t *testing.T) {
	a, api := newTestApp(t)
	id := a.items[0].ID

	_, cmd := a.Update(key("a"))
	run(t, a, cmd)

	if len(api.decisions) != 1 || !strings.HasPrefix(api.decisions[0], "approve:"+id+":") {
		t.Fatalf("Expected approve decision, got %v", api.decisions)
	}
	if !strings.Contains(a.message, "Approved") || !strings.Contains(a.message, "(executed)") {
		t.Errorf("Unexpected message %q", a.message)
	}
	if len(a.items) != 0 {
		t.Errorf("Expected queue to refresh to empty, got %d", len(a.items))
	}

	// Nothing left to approve.
	a.Update(key("a"))
	if a.message != "No intent selected" {
		t.Errorf("Expected no selection message, got %q", a.message)
	}
}

func TestAppRejectPrompt(t *testing.T) {
	a, api := newTestApp(t)

	a.Update(key("x"))
	if !a.input.Focused() || a.rejecting == "" {
		t.Fatal("Expected reason prompt to open")
	}
	for _, r := range "too risky" {
		a.Update(key(string(r)))
	}
	_, cmd := a.Update(key("enter"))
	run(t, a, cmd)

	if len(api.decisions) != 1 || !strings.HasPrefix(api.decisions[0], "reject:") {
		t.Fatalf("Expected reject decision, got %v", api.decisions)
	}
	if api.reasons[0] != "too risky" {
		t.Errorf("Expected reason 'too risky', got %q", api.reasons[0])
	}
	if a.input.Focused() || a.rejecting != "" {
		t.Error("Expected prompt to close")
	}
}

func TestAppRejectPromptCancel(t *testing.T) {
	a, api := newTestApp(t)

	a.Update(key("x"))
	a.Update(key("esc"))
	if a.input.Focused() || a.rejecting != "" {
		t.Error("Expected prompt to close on esc")
	}
	if len(api.decisions) != 0 {
		t.Errorf("Expected no decision, got %v", api.decisions)
	}
}

func TestAppStatsPanel(t *testing.T) {
	a, _ := newTestApp(t)

	_, cmd := a.Update(key("s"))
	run(t, a, cmd)

	if a.mode != modeStats || a.stats == nil {
		t.Fatalf("Expected stats mode with data, got mode=%v stats=%v", a.mode, a.stats)
	}
	view := a.View()
	for _, want := range []string{"last 7 days", "Rejected", "external-services"} {
		if !strings.Contains(view, want) {
			t.Errorf("Stats view missing %q", want)
		}
	}

	a.Update(key("esc"))
	if a.mode != modeQueue {
		t.Errorf("Expected esc to return to queue, got %v", a.mode)
	}
}

func TestAppCommands(t *testing.T) {
	a, _ := newTestApp(t)

	tests := []struct {
		input string
		want  string
	}{
		{"chat hello there", "echo: hello there"},
		{"stats abc", "Usage: stats <days>"},
		{"chat", "Usage: chat <message>"},
		{"bogus", "Unknown: bogus"},
		{"health", "Daemon ok, database ok, 9 rules"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			run(t, a, a.executeCommand(tc.input))
			if !strings.Contains(a.message, tc.want) {
				t.Errorf("executeCommand(%q) message = %q, want %q", tc.input, a.message, tc.want)
			}
		})
	}

	run(t, a, a.executeCommand("stats 30"))
	if a.statsDays != 30 || a.mode != modeStats {
		t.Errorf("Expected 30 day stats view, got days=%d mode=%v", a.statsDays, a.mode)
	}
}

func TestClientErrors(t *testing.T) {
	_, srv := newFakeAPI(t)
	c := NewClient(srv.URL)

	_, err := c.Approve("missing")
	if err == nil || !strings.Contains(err.Error(), "API error (404)") || !strings.Contains(err.Error(), "not pending") {
		t.Errorf("Expected 404 API error, got %v", err)
	}
}

func TestSuggestionsIntents(t *testing.T) {
	s := NewSuggestions()
	s.Update("/ap")
	if sel := s.Selected(); sel == nil || sel.Text != "approve" {
		t.Errorf("Expected approve suggestion, got %+v", sel)
	}

	s.Update("@")
	s.SetIntents([]ApprovalItem{{ID: "abc123", Summary: "call stripe"}, {ID: "def456", Summary: "run rm"}})
	if !s.IsVisible() || len(s.filtered) != 2 {
		t.Fatalf("Expected 2 intent suggestions, got %d", len(s.filtered))
	}
	s.Update("@def")
	s.SetIntents([]ApprovalItem{{ID: "abc123"}, {ID: "def456"}})
	if sel := s.Selected(); sel == nil || sel.Text != "def456" {
		t.Errorf("Expected def456, got %+v", sel)
	}
}

func TestAppIntentReference(t *testing.T) {
	a, api := newTestApp(t)
	id := api.pending[0].Intent.ID

	a.Update(key("@"))
	if !a.suggestions.IsVisible() {
		t.Fatal("Expected pending intents to be suggested")
	}
	a.Update(key("enter"))

	if a.input.Focused() {
		t.Error("Expected input to close after picking an intent")
	}
	if a.selectedIdx != 0 || a.message != "Selected "+shortID(id) {
		t.Errorf("Unexpected selection idx=%d message=%q", a.selectedIdx, a.message)
	}
}
