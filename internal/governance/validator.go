package governance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fentz26/warden/internal/fieldpath"
	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// Validator folds every applicable rule into one ValidationResult.
type Validator struct {
	rules  RuleSource
	logger *zap.Logger

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp // nil value when the pattern is invalid
}

// maxCachedPatterns bounds the compiled pattern cache. Rule sets are small;
// the cache is dropped wholesale when reloads push it past the bound.
const maxCachedPatterns = 256

// NewValidator creates a Validator reading rules from src.
func NewValidator(src RuleSource, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		rules:   src,
		logger:  logger.Named("governance"),
		regexps: make(map[string]*regexp.Regexp),
	}
}

// Validate checks intent against the current rule set.
func (v *Validator) Validate(ctx context.Context, intent *models.Intent) *models.ValidationResult {
	return v.Evaluate(intent, v.rules.Rules(ctx))
}

// ValidateAll checks every intent against one rule snapshot.
func (v *Validator) ValidateAll(ctx context.Context, intents []*models.Intent) []*models.ValidationResult {
	rules := v.rules.Rules(ctx)
	out := make([]*models.ValidationResult, len(intents))
	for i, in := range intents {
		out[i] = v.Evaluate(in, rules)
	}
	return out
}

// Rules exposes the current rule list.
func (v *Validator) Rules(ctx context.Context) []models.Rule {
	return v.rules.Rules(ctx)
}

// Evaluate is the pure core of Validate: the result depends only on intent
// and rules. Every applying rule is folded in order; nothing short-circuits.
func (v *Validator) Evaluate(intent *models.Intent, rules []models.Rule) *models.ValidationResult {
	result := models.NewValidationResult(intent)
	tree := intent.Tree()

	for i := range rules {
		rule := &rules[i]
		if !rule.IsEnabled() || !rule.AppliesToType(intent.Type) {
			continue
		}
		if !v.conditionsHold(tree, rule.Conditions) {
			continue
		}
		merge(result, applyRule(rule))
	}

	if !result.IsValid || result.RequiresApproval {
		v.logger.Debug("intent flagged",
			zap.String("intent_id", intent.ID),
			zap.Strings("rules", result.AppliedRules),
			zap.Bool("valid", result.IsValid),
			zap.Bool("requires_approval", result.RequiresApproval))
	}
	return result
}

// effect is the partial result contributed by one applying rule.
type effect struct {
	ruleID        string
	deny          bool
	approval      bool
	errors        []string
	warnings      []string
	modifications map[string]any
}

func applyRule(rule *models.Rule) effect {
	e := effect{ruleID: rule.ID}
	switch rule.Action {
	case models.ActionDeny:
		e.deny = true
		e.errors = []string{fmt.Sprintf("Denied by rule %q: %s", rule.Name, rule.Description)}
	case models.ActionRequireApproval:
		e.approval = true
		e.warnings = []string{fmt.Sprintf("Requires approval per rule %q", rule.Name)}
	case models.ActionModify:
		if len(rule.Modifications) > 0 {
			e.modifications = rule.Modifications
		}
		e.warnings = []string{fmt.Sprintf("Modified by rule %q", rule.Name)}
	}
	return e
}

// merge folds e into r. IsValid only moves to false and RequiresApproval only
// moves to true.
func merge(r *models.ValidationResult, e effect) {
	r.AppliedRules = append(r.AppliedRules, e.ruleID)
	r.Errors = append(r.Errors, e.errors...)
	r.Warnings = append(r.Warnings, e.warnings...)
	for k, val := range e.modifications {
		r.Modifications[k] = val
	}
	if e.deny {
		r.IsValid = false
	}
	if e.approval {
		r.RequiresApproval = true
	}
}

func (v *Validator) conditionsHold(tree fieldpath.Value, conds []models.Condition) bool {
	for _, c := range conds {
		if !v.evalCondition(tree, c) {
			return false
		}
	}
	return true
}

func (v *Validator) evalCondition(tree fieldpath.Value, c models.Condition) bool {
	actual := fieldpath.Get(tree, c.Field)
	want := fieldpath.FromAny(c.Value)

	switch c.Operator {
	case models.OpEquals:
		return !actual.IsUndefined() && fieldpath.Equal(actual, want)
	case models.OpNotEquals:
		return !fieldpath.Equal(actual, want)
	case models.OpContains:
		return contains(actual, want)
	case models.OpNotContains:
		return actual.IsUndefined() || !contains(actual, want)
	case models.OpMatches:
		re := v.compile(want.String())
		return re != nil && re.MatchString(actual.String())
	case models.OpIn:
		if actual.IsUndefined() {
			return false
		}
		for _, item := range want.Items() {
			if fieldpath.Equal(actual, item) {
				return true
			}
		}
		return false
	case models.OpGreaterThan, models.OpLessThan:
		a, ok := actual.Num()
		if !ok {
			return false
		}
		b, ok := want.Num()
		if !ok {
			return false
		}
		if c.Operator == models.OpGreaterThan {
			return a > b
		}
		return a < b
	case models.OpGlob:
		s, ok := actual.Str()
		if !ok {
			return false
		}
		matched, err := doublestar.Match(want.String(), s)
		return err == nil && matched
	}
	return false
}

// contains tests substring containment on strings and membership on lists.
func contains(actual, want fieldpath.Value) bool {
	switch actual.Kind() {
	case fieldpath.KindString:
		s, _ := actual.Str()
		return strings.Contains(s, want.String())
	case fieldpath.KindList:
		for _, item := range actual.Items() {
			if fieldpath.Equal(item, want) {
				return true
			}
		}
	}
	return false
}

// compile returns the cached regexp for pattern, or nil if it does not
// compile. Failures are cached too so a bad rule is logged once.
func (v *Validator) compile(pattern string) *regexp.Regexp {
	v.mu.Lock()
	defer v.mu.Unlock()

	if re, ok := v.regexps[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		v.logger.Warn("invalid rule pattern", zap.String("pattern", pattern), zap.Error(err))
	}
	if len(v.regexps) >= maxCachedPatterns {
		clear(v.regexps)
	}
	v.regexps[pattern] = re
	return re
}

// ConditionTrace records how one condition evaluated.
type ConditionTrace struct {
	Field    string                   `json:"field"`
	Operator models.ConditionOperator `json:"operator"`
	Expected any                      `json:"expected"`
	Actual   string                   `json:"actual"`
	Passed   bool                     `json:"passed"`
}

// RuleTrace records how one rule was considered for an intent.
type RuleTrace struct {
	RuleID      string            `json:"ruleId"`
	Name        string            `json:"name"`
	Action      models.RuleAction `json:"action"`
	Enabled     bool              `json:"enabled"`
	TypeMatched bool              `json:"typeMatched"`
	Conditions  []ConditionTrace  `json:"conditions,omitempty"`
	Applied     bool              `json:"applied"`
}

// Explain evaluates every rule against intent and reports each decision.
// Conditions are all evaluated so a trace shows every failing one.
func (v *Validator) Explain(intent *models.Intent, rules []models.Rule) []RuleTrace {
	tree := intent.Tree()
	traces := make([]RuleTrace, 0, len(rules))
	for i := range rules {
		rule := &rules[i]
		tr := RuleTrace{
			RuleID:      rule.ID,
			Name:        rule.Name,
			Action:      rule.Action,
			Enabled:     rule.IsEnabled(),
			TypeMatched: rule.AppliesToType(intent.Type),
		}
		if tr.Enabled && tr.TypeMatched {
			all := true
			for _, c := range rule.Conditions {
				passed := v.evalCondition(tree, c)
				all = all && passed
				tr.Conditions = append(tr.Conditions, ConditionTrace{
					Field:    c.Field,
					Operator: c.Operator,
					Expected: c.Value,
					Actual:   fieldpath.Get(tree, c.Field).String(),
					Passed:   passed,
				})
			}
			tr.Applied = all
		}
		traces = append(traces, tr)
	}
	return traces
}

func knownOperator(op models.ConditionOperator) bool {
	switch op {
	case models.OpEquals, models.OpNotEquals, models.OpContains, models.OpNotContains,
		models.OpMatches, models.OpIn, models.OpGreaterThan, models.OpLessThan, models.OpGlob:
		return true
	}
	return false
}
