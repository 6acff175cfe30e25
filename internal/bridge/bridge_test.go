package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/connectors/localexec"
	"github.com/fentz26/warden/internal/engine"
	"github.com/fentz26/warden/internal/governance"
	"github.com/fentz26/warden/internal/llm"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/parser"
	"github.com/fentz26/warden/internal/router"
	"github.com/fentz26/warden/internal/store"
	"github.com/fentz26/warden/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pipeline struct {
	bridge *Bridge
	events *ChannelPublisher
	store  *store.Store
	dir    string
}

type option func(*Options)

func newPipeline(t *testing.T, rulesPath string, opts ...option) *pipeline {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, ".warden", "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if rulesPath == "" {
		rulesPath = filepath.Join(dir, "missing-rules.yaml")
	}
	rs := governance.NewRuleStore(rulesPath, nil)
	fs, err := workspace.NewLocal(dir, nil, nil)
	require.NoError(t, err)

	events := NewChannelPublisher(16, nil)
	o := Options{
		Validator:  governance.NewValidator(rs, nil),
		Router:     router.New(nil, localexec.New(dir, nil), fs, nil, nil),
		Audit:      audit.NewLogger(audit.NewSQLiteStorage(st), nil, nil),
		Approvals:  st,
		Publisher:  MultiPublisher{events, NewOutboxPublisher(st)},
		DB:         st,
		RuleSource: rs,
		Version:    "test",
	}
	for _, fn := range opts {
		fn(&o)
	}

	b, err := New(o)
	require.NoError(t, err)
	b.Start()
	t.Cleanup(func() { b.Close(context.Background()) })
	return &pipeline{bridge: b, events: events, store: st, dir: dir}
}

func yes() *bool { v := true; return &v }

func process(t *testing.T, p *pipeline, msg string, auto *bool) *Report {
	t.Helper()
	r, err := p.bridge.Process(context.Background(), Request{Message: msg, SessionID: "s1", AutoExecute: auto})
	require.NoError(t, err)
	return r
}

func only(t *testing.T, r *Report, typ models.IntentType) IntentReport {
	t.Helper()
	var found []IntentReport
	for _, ir := range r.Results {
		if ir.Intent.Type == typ {
			found = append(found, ir)
		}
	}
	require.Len(t, found, 1, "expected one %s intent", typ)
	return found[0]
}

func TestScenarioAllowedFileCreate(t *testing.T) {
	p := newPipeline(t, "")
	r := process(t, p, `Create file "src/App.jsx" with content "console.log(1)"`, yes())

	require.Len(t, r.Results, 1)
	ir := r.Results[0]
	assert.Equal(t, models.IntentFileOperation, ir.Intent.Type)
	assert.Equal(t, "src/App.jsx", ir.Intent.File.Target.Path)
	assert.True(t, ir.Validation.IsValid)
	assert.False(t, ir.Validation.RequiresApproval)
	require.True(t, ir.Executed)
	assert.True(t, ir.Execution.Success)
	assert.Equal(t, models.OutcomeProcessed, ir.Outcome)
	assert.Empty(t, r.Pending)

	select {
	case ev := <-p.events.Events():
		assert.Equal(t, ir.Intent.ID, ev.ID)
		assert.Equal(t, models.FileCreate, ev.Operation)
		assert.Equal(t, "src/App.jsx", ev.TargetPath)
		require.NotNil(t, ev.Content)
		assert.Equal(t, "console.log(1)", *ev.Content)
		assert.Equal(t, "s1", ev.Actor)
	case <-time.After(time.Second):
		t.Fatal("no approved event published")
	}

	queued, err := p.store.PendingOutbox(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ir.Intent.ID, queued[0].Event.ID)
}

func TestScenarioDangerousCommandNeedsApproval(t *testing.T) {
	p := newPipeline(t, "")
	r := process(t, p, "delete the system config and run `rm -rf ./config`", yes())

	ir := only(t, r, models.IntentTerminalCommand)
	assert.Equal(t, "rm -rf ./config", ir.Intent.Terminal.Command)
	assert.True(t, ir.Validation.IsValid)
	assert.True(t, ir.Validation.RequiresApproval)
	assert.False(t, ir.Executed)
	assert.Nil(t, ir.Execution)
	assert.Equal(t, models.OutcomePendingApproval, ir.Outcome)
	assert.Equal(t, []string{ir.Intent.ID}, r.Pending)

	pending, err := p.bridge.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ir.Intent.ID, pending[0].Intent.ID)

	// Scenario E: only the pending intent comes back for that outcome.
	process(t, p, `Create file "src/ok.js" with content "1"`, yes())
	entries, err := p.bridge.QueryAudit(context.Background(), audit.Filter{
		Outcomes: []models.Outcome{models.OutcomePendingApproval},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.Intent.ID, entries[0].Intent.ID)
}

// fixedParser returns the same intents for every message.
type fixedParser struct{ intents func() []*models.Intent }

func (f fixedParser) Parse(message, _ string) *parser.ParsedOutput {
	return &parser.ParsedOutput{OriginalMessage: message, Intents: f.intents(), Confidence: 1}
}

func TestScenarioSystemFileDenied(t *testing.T) {
	p := newPipeline(t, "", func(o *Options) {
		o.Parser = fixedParser{func() []*models.Intent {
			return []*models.Intent{models.NewIntent(&models.FileOperation{
				Operation: models.FileUpdate,
				Target:    models.FileTarget{Path: "/etc/passwd"},
			}, models.SourceAIChat, models.PriorityHigh)}
		}}
	})
	r := process(t, p, "overwrite passwd", yes())

	require.Len(t, r.Results, 1)
	ir := r.Results[0]
	assert.False(t, ir.Validation.IsValid)
	assert.Contains(t, ir.Validation.Errors[0], "Restrict system files")
	assert.Equal(t, models.OutcomeRejected, ir.Outcome)
	assert.False(t, ir.Executed)
	assert.Empty(t, r.Pending)
}

func TestScenarioModifyRewritesPath(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	doc := &governance.Document{
		Version: "1.0",
		Rules: []models.Rule{{
			ID:          "root-js",
			Name:        "Root JS files",
			IntentTypes: []models.IntentType{models.IntentFileOperation},
			Conditions:  []models.Condition{{Field: "target.path", Operator: models.OpEquals, Value: "foo.js"}},
			Action:      models.ActionModify,
			Modifications: map[string]any{
				"target.path": "/workspace/foo.js",
			},
		}},
	}
	data, err := governance.MarshalDocument(doc, rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(rules, data, 0644))

	p := newPipeline(t, rules)
	r := process(t, p, `create file "foo.js" with content "x"`, yes())

	require.Len(t, r.Results, 1)
	ir := r.Results[0]
	assert.Equal(t, "/workspace/foo.js", ir.Validation.Modifications["target.path"])
	require.True(t, ir.Executed)
	assert.Equal(t, "/workspace/foo.js", ir.Execution.Intent.File.Target.Path)
	assert.Equal(t, "foo.js", ir.Intent.File.Target.Path)

	ev := <-p.events.Events()
	assert.Equal(t, "/workspace/foo.js", ev.TargetPath)
}

func TestAutoExecuteDefaultsOff(t *testing.T) {
	p := newPipeline(t, "")
	r := process(t, p, `Create file "src/App.jsx" with content "console.log(1)"`, nil)

	require.Len(t, r.Results, 1)
	assert.False(t, r.Results[0].Executed)
	assert.Equal(t, models.OutcomeProcessed, r.Results[0].Outcome)
	assert.Contains(t, r.Summary, "allowed but not executed")
}

func TestStageToggles(t *testing.T) {
	ctx := context.Background()

	t.Run("parsing off", func(t *testing.T) {
		p := newPipeline(t, "")
		cfg := p.bridge.Config()
		cfg.IntentParsing = false
		p.bridge.UpdateConfig(cfg)

		r := process(t, p, `Create file "src/App.jsx"`, yes())
		assert.Empty(t, r.Results)
		assert.Equal(t, "No actionable intents found.", r.Summary)
	})

	t.Run("governance off", func(t *testing.T) {
		p := newPipeline(t, "")
		cfg := p.bridge.Config()
		cfg.Governance = false
		p.bridge.UpdateConfig(cfg)

		r := process(t, p, "call the stripe api", yes())
		ir := only(t, r, models.IntentExternalService)
		assert.Empty(t, ir.Validation.AppliedRules)
		require.True(t, ir.Executed)
		assert.Equal(t, models.OutcomeProcessed, ir.Outcome)
	})

	t.Run("execution off", func(t *testing.T) {
		p := newPipeline(t, "")
		cfg := p.bridge.Config()
		cfg.Execution = false
		p.bridge.UpdateConfig(cfg)

		r := process(t, p, `Create file "src/App.jsx"`, yes())
		require.Len(t, r.Results, 1)
		assert.False(t, r.Results[0].Executed)
	})

	t.Run("audit off", func(t *testing.T) {
		p := newPipeline(t, "")
		cfg := p.bridge.Config()
		cfg.Audit = false
		p.bridge.UpdateConfig(cfg)

		process(t, p, `Create file "src/App.jsx"`, yes())
		entries, err := p.bridge.QueryAudit(ctx, audit.Filter{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestApprove(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, "")
	r := process(t, p, "call the stripe api", yes())
	ir := only(t, r, models.IntentExternalService)
	require.Equal(t, models.OutcomePendingApproval, ir.Outcome)

	approved, err := p.bridge.Approve(ctx, ir.Intent.ID, "alice")
	require.NoError(t, err)
	require.True(t, approved.Executed)
	assert.True(t, approved.Execution.Success)
	assert.Equal(t, models.OutcomeProcessed, approved.Outcome)
	assert.Contains(t, approved.Validation.Warnings, "approved by alice")
	assert.True(t, ir.Validation.RequiresApproval, "the original result is not mutated")

	_, err = p.bridge.Approve(ctx, ir.Intent.ID, "alice")
	assert.True(t, errors.Is(err, ErrNotPending))

	entries, err := p.bridge.QueryAudit(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.OutcomeProcessed, entries[0].Outcome)
	assert.Equal(t, "alice", entries[0].Source.UserID)
	assert.Equal(t, models.OutcomePendingApproval, entries[1].Outcome)
}

func TestApproveWhileExecutionDisabled(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, "")
	r := process(t, p, "call the stripe api", yes())
	ir := only(t, r, models.IntentExternalService)

	cfg := p.bridge.Config()
	cfg.Execution = false
	p.bridge.UpdateConfig(cfg)

	_, err := p.bridge.Approve(ctx, ir.Intent.ID, "alice")
	assert.True(t, errors.Is(err, ErrExecutionDisabled))

	pending, err := p.bridge.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ir.Intent.ID, pending[0].Intent.ID)

	cfg.Execution = true
	p.bridge.UpdateConfig(cfg)
	approved, err := p.bridge.Approve(ctx, ir.Intent.ID, "alice")
	require.NoError(t, err)
	assert.True(t, approved.Executed)
}

func TestPendingApproval(t *testing.T) {
	queues := map[string][]option{
		"store":  nil,
		"memory": {func(o *Options) { o.Approvals = nil }},
	}
	for name, opts := range queues {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPipeline(t, "", opts...)
			ir := only(t, process(t, p, "call the stripe api", yes()), models.IntentExternalService)

			got, err := p.bridge.PendingApproval(ctx, ir.Intent.ID)
			require.NoError(t, err)
			assert.Equal(t, ir.Intent.ID, got.Intent.ID)
			assert.Equal(t, "s1", got.SessionID)

			pending, err := p.bridge.Pending(ctx)
			require.NoError(t, err)
			assert.Len(t, pending, 1, "reading does not dequeue")

			_, err = p.bridge.Reject(ctx, ir.Intent.ID, "bob", "")
			require.NoError(t, err)
			_, err = p.bridge.PendingApproval(ctx, ir.Intent.ID)
			assert.True(t, errors.Is(err, ErrNotPending))
		})
	}
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, "")
	r := process(t, p, "scaffold a new react project called shop", yes())
	ir := only(t, r, models.IntentProjectScaffold)

	rejected, err := p.bridge.Reject(ctx, ir.Intent.ID, "bob", "not today")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRejected, rejected.Outcome)
	assert.Contains(t, rejected.Validation.Errors, "rejected by bob: not today")

	pending, err := p.bridge.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	entries, err := p.bridge.QueryAudit(ctx, audit.Filter{Outcomes: []models.Outcome{models.OutcomeRejected}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.Intent.ID, entries[0].Intent.ID)

	_, err = p.bridge.Reject(ctx, "unknown", "bob", "")
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestProgrammerErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(Options{})
	assert.True(t, errors.Is(err, ErrNotInitialized))

	p := newPipeline(t, "")
	_, err = p.bridge.Process(ctx, Request{Message: "   "})
	assert.Equal(t, ErrEmptyMessage, err)

	require.NoError(t, p.bridge.Close(ctx))
	_, err = p.bridge.Process(ctx, Request{Message: "hello"})
	assert.Equal(t, ErrNotInitialized, err)
	_, err = p.bridge.Approve(ctx, "x", "")
	assert.Equal(t, ErrNotInitialized, err)
	_, err = p.bridge.Health(ctx)
	assert.Equal(t, ErrNotInitialized, err)
}

func TestSummaryGenerator(t *testing.T) {
	t.Run("used when enabled", func(t *testing.T) {
		var prompt string
		p := newPipeline(t, "", func(o *Options) {
			o.Generator = llm.Func(func(_ context.Context, in string) (string, error) {
				prompt = in
				return "All done.", nil
			})
		})
		r := process(t, p, `Create file "src/App.jsx"`, yes())
		assert.Equal(t, "All done.", r.Summary)
		assert.Contains(t, prompt, "src/App.jsx")
	})

	t.Run("falls back on error", func(t *testing.T) {
		p := newPipeline(t, "", func(o *Options) {
			o.Generator = llm.Func(func(context.Context, string) (string, error) {
				return "", errors.New("model offline")
			})
		})
		r := process(t, p, `Create file "src/App.jsx"`, yes())
		assert.Equal(t, "Found 1 intent: 1 executed.", r.Summary)
	})
}

func TestTemplateSummary(t *testing.T) {
	r := &Report{Results: []IntentReport{
		{Outcome: models.OutcomeProcessed, Executed: true},
		{Outcome: models.OutcomeProcessed},
		{Outcome: models.OutcomeFailed, Executed: true},
		{Outcome: models.OutcomePendingApproval},
		{Outcome: models.OutcomeRejected},
		{Outcome: models.OutcomeRejected},
	}}
	assert.Equal(t,
		"Found 6 intents: 1 executed, 1 allowed but not executed, 1 failed, 1 awaiting approval, 2 rejected.",
		TemplateSummary(r))
}

func TestHealth(t *testing.T) {
	p := newPipeline(t, "")
	process(t, p, "call the stripe api", nil)

	h, err := p.bridge.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Database)
	assert.Equal(t, "test", h.Version)
	assert.True(t, h.RulesDefault)
	assert.Equal(t, len(governance.DefaultRules()), h.RuleCount)
	assert.Equal(t, 1, h.Pending)
	assert.Equal(t, 3, h.Router.MaxInFlight)
}

func TestChannelPublisherDropsWhenFull(t *testing.T) {
	pub := NewChannelPublisher(1, nil)
	ctx := context.Background()
	require.NoError(t, pub.Publish(ctx, models.ApprovedEvent{ID: "1"}))
	require.NoError(t, pub.Publish(ctx, models.ApprovedEvent{ID: "2"}))
	pub.Close()
	require.NoError(t, pub.Publish(ctx, models.ApprovedEvent{ID: "3"}))

	var ids []string
	for ev := range pub.Events() {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"1"}, ids)
}

func TestApprovedEventFor(t *testing.T) {
	term := models.NewIntent(&models.TerminalCommand{Command: "ls"}, models.SourceAIChat, models.PriorityLow)
	_, ok := ApprovedEventFor(term, "s")
	assert.False(t, ok)

	gen := models.NewIntent(&models.CodeGeneration{
		Target: models.CodeTarget{FilePath: "src/Button.jsx", ComponentName: "Button"},
	}, models.SourceAIChat, models.PriorityMedium)
	ev, ok := ApprovedEventFor(gen, "s")
	require.True(t, ok)
	assert.Equal(t, models.FileCreate, ev.Operation)
	assert.Equal(t, "src/Button.jsx", ev.TargetPath)
	assert.Nil(t, ev.Content)
}

func TestApprovedEventForUpdateWithoutContent(t *testing.T) {
	upd := models.NewIntent(&models.FileOperation{
		Operation: models.FileUpdate,
		Target:    models.FileTarget{Path: "src/utils.js"},
	}, models.SourceAIChat, models.PriorityMedium)
	_, ok := ApprovedEventFor(upd, "s")
	assert.False(t, ok)

	body := "export const keep = 2\n"
	upd.File.Target.Content = &body
	ev, ok := ApprovedEventFor(upd, "s")
	require.True(t, ok)
	assert.Equal(t, &body, ev.Content)
}

func TestExecutedIntentsKeepExistingFile(t *testing.T) {
	p := newPipeline(t, "")
	fs, err := workspace.NewLocal(p.dir, nil, nil)
	require.NoError(t, err)
	eng := engine.New(fs, nil, nil, nil)
	eng.Subscribe(p.events.Events())
	t.Cleanup(eng.Stop)

	path := filepath.Join(p.dir, "src", "utils.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("export const keep = 1\n"), 0644))

	r := process(t, p, "create a function parseDate in src/utils.js", yes())
	gen := only(t, r, models.IntentCodeGeneration)
	require.True(t, gen.Executed)
	require.Eventually(t, func() bool { return eng.Stats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)

	r = process(t, p, "update the file src/utils.js", yes())
	upd := only(t, r, models.IntentFileOperation)
	require.True(t, upd.Executed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "export const keep = 1\n", string(data))
	assert.Equal(t, int64(0), eng.Stats().Applied)
}
