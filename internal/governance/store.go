// Package governance loads governance rules and validates intents against them.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SourceDefaults names a rule set that did not come from a document.
const SourceDefaults = "defaults"

// RuleSet is an immutable snapshot of the active rules.
type RuleSet struct {
	Rules     []models.Rule `json:"rules"`
	Source    string        `json:"source"`
	Version   string        `json:"version,omitempty"`
	ModTime   time.Time     `json:"modTime,omitempty"`
	LoadedAt  time.Time     `json:"loadedAt"`
	Defaulted bool          `json:"defaulted"`
	LoadError string        `json:"loadError,omitempty"`
}

// RuleSource supplies the rules a Validator evaluates.
type RuleSource interface {
	Rules(ctx context.Context) []models.Rule
}

// RuleStore caches the rule document and reloads it when its modification
// time changes. Readers always see a complete snapshot. While Watch runs the
// watcher owns invalidation and readers skip the modification time check.
type RuleStore struct {
	path   string
	logger *zap.Logger

	current  atomic.Pointer[RuleSet]
	stale    atomic.Bool
	watching atomic.Bool

	mu      sync.Mutex // serializes reloads
	lastMod time.Time
	missing bool
}

// NewRuleStore creates a store for the document at path. An empty path
// always serves the default rules.
func NewRuleStore(path string, logger *zap.Logger) *RuleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleStore{path: path, logger: logger.Named("rules")}
}

// Path returns the rule document location.
func (s *RuleStore) Path() string {
	return s.path
}

// Rules returns the current rule list, reloading the document if it changed.
func (s *RuleStore) Rules(ctx context.Context) []models.Rule {
	return s.Snapshot(ctx).Rules
}

// Snapshot returns the current rule set, reloading the document if it changed.
func (s *RuleStore) Snapshot(ctx context.Context) *RuleSet {
	if s.watching.Load() && !s.stale.Load() {
		if cur := s.current.Load(); cur != nil {
			return cur
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if ctx.Err() != nil && cur != nil {
		return cur
	}
	if s.path == "" {
		if cur == nil {
			cur = s.install(defaultSet(SourceDefaults, time.Time{}, ""))
		}
		return cur
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if cur != nil && s.missing && !s.stale.Load() {
			return cur
		}
		s.stale.Store(false)
		s.missing = true
		s.lastMod = time.Time{}
		s.logger.Warn("rule document unavailable, using defaults", zap.String("path", s.path), zap.Error(err))
		return s.install(defaultSet(SourceDefaults, time.Time{}, err.Error()))
	}

	if cur != nil && !s.missing && !s.stale.Load() && info.ModTime().Equal(s.lastMod) {
		return cur
	}

	s.stale.Store(false)
	s.missing = false
	s.lastMod = info.ModTime()

	doc, err := LoadDocument(s.path)
	if err != nil {
		s.logger.Warn("rule document invalid, using defaults", zap.String("path", s.path), zap.Error(err))
		return s.install(defaultSet(s.path, info.ModTime(), err.Error()))
	}

	s.logger.Info("rules loaded", zap.String("path", s.path), zap.Int("rules", len(doc.Rules)))
	return s.install(&RuleSet{
		Rules:    doc.Rules,
		Source:   s.path,
		Version:  doc.Version,
		ModTime:  info.ModTime(),
		LoadedAt: time.Now().UTC(),
	})
}

// Invalidate forces a reload on the next Rules call.
func (s *RuleStore) Invalidate() {
	s.stale.Store(true)
}

func (s *RuleStore) install(set *RuleSet) *RuleSet {
	s.current.Store(set)
	return set
}

func defaultSet(source string, mod time.Time, loadErr string) *RuleSet {
	doc := DefaultDocument()
	return &RuleSet{
		Rules:     doc.Rules,
		Source:    source,
		Version:   doc.Version,
		ModTime:   mod,
		LoadedAt:  time.Now().UTC(),
		Defaulted: true,
		LoadError: loadErr,
	}
}

// LoadDocument reads and validates a rule document. The format is chosen by
// extension: .json and .jsonc allow comments, anything else is YAML.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks that every rule is well formed.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Rules))
	for i, r := range d.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: missing id", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		switch r.Action {
		case models.ActionAllow, models.ActionDeny, models.ActionRequireApproval, models.ActionModify:
		default:
			return fmt.Errorf("rule %q: unknown action %q", r.ID, r.Action)
		}
		if len(r.IntentTypes) == 0 {
			return fmt.Errorf("rule %q: no intent types", r.ID)
		}
		for _, t := range r.IntentTypes {
			if !t.Valid() {
				return fmt.Errorf("rule %q: unknown intent type %q", r.ID, t)
			}
		}
		for _, c := range r.Conditions {
			if !knownOperator(c.Operator) {
				return fmt.Errorf("rule %q: unknown operator %q", r.ID, c.Operator)
			}
			if c.Field == "" {
				return fmt.Errorf("rule %q: condition without field", r.ID)
			}
		}
	}
	return nil
}

// EnsureDefault writes the default document to path unless a file is
// already there. It reports whether a file was created.
func EnsureDefault(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create rules dir: %w", err)
	}

	data, err := MarshalDocument(DefaultDocument(), path)
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create rules: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return false, fmt.Errorf("write rules: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close rules: %w", err)
	}
	return true, nil
}

// MarshalDocument encodes doc in the format implied by path's extension.
func MarshalDocument(doc *Document, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode rules: %w", err)
		}
		return append(data, '\n'), nil
	default:
		data, err := yaml.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode rules: %w", err)
		}
		return data, nil
	}
}
