package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const yamlRules = `version: "1.0"
metadata:
  name: test
rules:
  - id: no-tmp
    name: No tmp
    description: tmp is off limits
    intent_types: [file_operation]
    conditions:
      - field: target.path
        operator: glob
        value: "/tmp/**"
    action: deny
`

const jsoncRules = `{
  // hand edited
  "version": "2",
  "rules": [
    {
      "id": "make-approval",
      "name": "Make approval",
      "intentTypes": ["terminal_command"], /* inline */
      "conditions": [{"field": "command", "operator": "contains", "value": "make"}],
      "action": "require_approval",
    },
  ],
}
`

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func ruleIDs(rules []models.Rule) []string {
	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	return ids
}

func TestRuleStoreMissingDocumentUsesDefaults(t *testing.T) {
	s := NewRuleStore(filepath.Join(t.TempDir(), "missing.yaml"), nil)

	set := s.Snapshot(context.Background())
	assert.True(t, set.Defaulted)
	assert.Equal(t, SourceDefaults, set.Source)
	assert.Equal(t, ruleIDs(DefaultRules()), ruleIDs(set.Rules))

	again := s.Snapshot(context.Background())
	assert.Same(t, set, again, "missing document must not be re-read on every call")
}

func TestRuleStoreEmptyPath(t *testing.T) {
	s := NewRuleStore("", nil)
	assert.Len(t, s.Rules(context.Background()), len(DefaultRules()))
}

func TestRuleStoreLoadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, yamlRules, time.Now().Add(-time.Hour))

	s := NewRuleStore(path, nil)
	set := s.Snapshot(context.Background())
	require.False(t, set.Defaulted, set.LoadError)
	assert.Equal(t, []string{"no-tmp"}, ruleIDs(set.Rules))
	assert.Equal(t, models.OpGlob, set.Rules[0].Conditions[0].Operator)
	assert.Equal(t, "1.0", set.Version)
}

func TestRuleStoreLoadsJSONWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jsonc")
	writeFile(t, path, jsoncRules, time.Now().Add(-time.Hour))

	set := NewRuleStore(path, nil).Snapshot(context.Background())
	require.False(t, set.Defaulted, set.LoadError)
	assert.Equal(t, []string{"make-approval"}, ruleIDs(set.Rules))
	assert.Equal(t, []models.IntentType{models.IntentTerminalCommand}, set.Rules[0].IntentTypes)
}

func TestRuleStoreReloadsOnModTimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, path, yamlRules, base)

	s := NewRuleStore(path, nil)
	first := s.Snapshot(context.Background())
	assert.Same(t, first, s.Snapshot(context.Background()))

	writeFile(t, path, jsoncRulesAsYAML, base.Add(time.Minute))
	second := s.Snapshot(context.Background())
	assert.NotSame(t, first, second)
	assert.Equal(t, []string{"make-approval"}, ruleIDs(second.Rules))
}

const jsoncRulesAsYAML = `rules:
  - id: make-approval
    name: Make approval
    intent_types: [terminal_command]
    action: require_approval
`

func TestRuleStoreMalformedFallsBackOncePerModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeFile(t, path, "rules: [this is: not: valid", base)

	s := NewRuleStore(path, nil)
	set := s.Snapshot(context.Background())
	assert.True(t, set.Defaulted)
	assert.NotEmpty(t, set.LoadError)
	assert.Equal(t, path, set.Source)
	assert.Same(t, set, s.Snapshot(context.Background()), "failing mtime must not be retried")

	writeFile(t, path, yamlRules, base.Add(time.Minute))
	fixed := s.Snapshot(context.Background())
	assert.False(t, fixed.Defaulted)
}

func TestRuleStoreRejectsInvalidRules(t *testing.T) {
	tests := map[string]string{
		"unknown action":   "rules:\n  - id: a\n    intent_types: [file_operation]\n    action: explode\n",
		"unknown type":     "rules:\n  - id: a\n    intent_types: [teleport]\n    action: allow\n",
		"unknown operator": "rules:\n  - id: a\n    intent_types: [file_operation]\n    action: allow\n    conditions:\n      - field: x\n        operator: resembles\n        value: y\n",
		"duplicate id":     "rules:\n  - id: a\n    intent_types: [file_operation]\n    action: allow\n  - id: a\n    intent_types: [file_operation]\n    action: deny\n",
		"missing id":       "rules:\n  - intent_types: [file_operation]\n    action: allow\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			writeFile(t, path, doc, time.Now())
			_, err := LoadDocument(path)
			assert.Error(t, err)
			assert.True(t, NewRuleStore(path, nil).Snapshot(context.Background()).Defaulted)
		})
	}
}

func TestRuleStoreInvalidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, yamlRules, time.Now().Add(-time.Hour))

	s := NewRuleStore(path, nil)
	first := s.Snapshot(context.Background())
	s.Invalidate()
	assert.NotSame(t, first, s.Snapshot(context.Background()))
}

func TestEnsureDefaultIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rules.yaml")

	created, err := EnsureDefault(path)
	require.NoError(t, err)
	assert.True(t, created)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	created, err = EnsureDefault(path)
	require.NoError(t, err)
	assert.False(t, created)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultRules(), doc.Rules); diff != "" {
		t.Errorf("default document round trip (-want +got):\n%s", diff)
	}
}

func TestEnsureDefaultKeepsUserDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	writeFile(t, path, jsoncRules, time.Now())

	created, err := EnsureDefault(path)
	require.NoError(t, err)
	assert.False(t, created)

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"make-approval"}, ruleIDs(doc.Rules))
}

func TestEnsureDefaultJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	created, err := EnsureDefault(path)
	require.NoError(t, err)
	require.True(t, created)

	doc, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, ruleIDs(DefaultRules()), ruleIDs(doc.Rules))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, yamlRules, time.Now().Add(-time.Hour))

	s := NewRuleStore(path, nil)
	require.Equal(t, []string{"no-tmp"}, ruleIDs(s.Rules(context.Background())))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		// Rewrite until the watcher has registered and picked it up.
		_ = os.WriteFile(path, []byte(jsoncRulesAsYAML), 0o644)
		cur := s.current.Load()
		return cur != nil && len(cur.Rules) == 1 && cur.Rules[0].ID == "make-approval"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchedSnapshotSkipsModTimeCheck(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeFile(t, path, yamlRules, time.Now().Add(-time.Hour))
	s := NewRuleStore(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 10*time.Millisecond) }()
	require.Eventually(t, s.watching.Load, 5*time.Second, 10*time.Millisecond)

	first := s.Snapshot(context.Background())
	assert.Equal(t, []string{"no-tmp"}, ruleIDs(first.Rules))

	// An attribute-only change is not a watched event, so the cached set
	// is served as is.
	later := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	assert.Same(t, first, s.Snapshot(context.Background()))

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.watching.Load())

	// Without the watcher the modification time is checked again.
	assert.NotSame(t, first, s.Snapshot(context.Background()))
}
