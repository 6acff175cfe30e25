// Package bridge coordinates the intent pipeline: parse, validate, route
// and audit.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/governance"
	"github.com/fentz26/warden/internal/llm"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/parser"
	"github.com/fentz26/warden/internal/router"
	"github.com/fentz26/warden/internal/store"
	"go.uber.org/zap"
)

// Request is one chat message to process.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	// AutoExecute overrides Config.AutoExecute when set.
	AutoExecute *bool `json:"auto_execute,omitempty"`
}

// IntentReport is the pipeline result for one intent.
type IntentReport struct {
	Intent     *models.Intent           `json:"intent"`
	Validation *models.ValidationResult `json:"validation"`
	Execution  *models.ExecutionResult  `json:"execution,omitempty"`
	Outcome    models.Outcome           `json:"outcome"`
	// Executed separates "processed and run" from "processed, not run".
	Executed bool `json:"executed"`
}

// Report is the pipeline result for one message.
type Report struct {
	SessionID string              `json:"sessionId"`
	Parsed    *parser.ParsedOutput `json:"parsed"`
	Results   []IntentReport      `json:"results"`
	Summary   string              `json:"summary"`
	Pending   []string            `json:"pending"`
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RuleSnapshotter exposes the active rule set for health reporting.
type RuleSnapshotter interface {
	Snapshot(ctx context.Context) *governance.RuleSet
}

// Options wires the bridge. Validator and Router are required.
type Options struct {
	Config      *Config
	Parser      parser.Extractor
	Validator   *governance.Validator
	Router      *router.Router
	Audit       *audit.Logger
	Approvals   ApprovalQueue
	Publisher   Publisher
	Generator   llm.Generator
	DB          Pinger
	RuleSource  RuleSnapshotter
	Environment map[string]string
	Version     string
	Logger      *zap.Logger
}

// Bridge owns one validator, router and audit logger.
type Bridge struct {
	parser    parser.Extractor
	validator *governance.Validator
	router    *router.Router
	audit     *audit.Logger
	approvals ApprovalQueue
	publisher Publisher
	generator llm.Generator
	db        Pinger
	rules     RuleSnapshotter
	env       map[string]string
	version   string
	logger    *zap.Logger

	mu     sync.RWMutex
	config Config
	closed bool
}

// New builds a bridge from opts.
func New(opts Options) (*Bridge, error) {
	if opts.Validator == nil {
		return nil, fmt.Errorf("%w: validator is required", ErrNotInitialized)
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("%w: router is required", ErrNotInitialized)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	b := &Bridge{
		parser:    opts.Parser,
		validator: opts.Validator,
		router:    opts.Router,
		audit:     opts.Audit,
		approvals: opts.Approvals,
		publisher: opts.Publisher,
		generator: opts.Generator,
		db:        opts.DB,
		rules:     opts.RuleSource,
		env:       opts.Environment,
		version:   opts.Version,
		logger:    logger.Named("bridge"),
		config:    cfg,
	}
	if b.parser == nil {
		b.parser = parser.New(logger)
	}
	if b.approvals == nil {
		b.approvals = newMemoryQueue()
	}
	return b, nil
}

// Start starts the router and the audit flush loop.
func (b *Bridge) Start() {
	b.router.Start()
	if b.audit != nil {
		b.audit.Start()
	}
}

// Close stops the router and flushes the audit log. The bridge cannot be
// used afterwards.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.router.Stop()
	if b.audit != nil {
		return b.audit.Close(ctx)
	}
	return nil
}

// Config returns the current stage toggles.
func (b *Bridge) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

// UpdateConfig replaces the stage toggles. In-flight messages keep the
// toggles they started with.
func (b *Bridge) UpdateConfig(cfg Config) {
	b.mu.Lock()
	b.config = cfg
	b.mu.Unlock()
	b.logger.Info("pipeline configuration updated",
		zap.Bool("intent_parsing", cfg.IntentParsing),
		zap.Bool("governance", cfg.Governance),
		zap.Bool("execution", cfg.Execution),
		zap.Bool("audit", cfg.Audit),
		zap.Bool("auto_execute", cfg.AutoExecute))
}

func (b *Bridge) snapshot() (Config, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return Config{}, ErrNotInitialized
	}
	return b.config, nil
}

// Process runs one message through the pipeline. Intents are handled one
// at a time in the order they were parsed.
func (b *Bridge) Process(ctx context.Context, req Request) (*Report, error) {
	cfg, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	autoExecute := cfg.AutoExecute
	if req.AutoExecute != nil {
		autoExecute = *req.AutoExecute
	}

	var parsed *parser.ParsedOutput
	if cfg.IntentParsing {
		parsed = b.parser.Parse(req.Message, req.SessionID)
	} else {
		parsed = &parser.ParsedOutput{
			OriginalMessage: req.Message,
			Intents:         []*models.Intent{},
			ParseErrors:     []string{},
			Metadata:        map[string]any{"sessionId": req.SessionID},
		}
	}
	for _, pe := range parsed.ParseErrors {
		b.logger.Warn("parse error", zap.String("session_id", req.SessionID), zap.String("error", pe))
	}

	report := &Report{
		SessionID: req.SessionID,
		Parsed:    parsed,
		Results:   make([]IntentReport, 0, len(parsed.Intents)),
		Pending:   []string{},
	}

	for _, in := range parsed.Intents {
		ir := b.processIntent(ctx, cfg, autoExecute, in, req)
		if ir.Outcome == models.OutcomePendingApproval {
			report.Pending = append(report.Pending, in.ID)
		}
		report.Results = append(report.Results, ir)
	}

	report.Summary = b.summarize(ctx, cfg, report)
	b.logger.Info("message processed",
		zap.String("session_id", req.SessionID),
		zap.Int("intents", len(report.Results)),
		zap.Int("pending", len(report.Pending)),
		zap.Float64("confidence", parsed.Confidence))
	return report, nil
}

func (b *Bridge) processIntent(ctx context.Context, cfg Config, autoExecute bool, in *models.Intent, req Request) IntentReport {
	var v *models.ValidationResult
	if cfg.Governance {
		v = b.validator.Validate(ctx, in)
	} else {
		v = models.NewValidationResult(in)
	}

	var exec *models.ExecutionResult
	if v.IsValid && !v.RequiresApproval && autoExecute && cfg.Execution {
		exec = b.router.Route(ctx, &router.Context{Intent: in, Validation: v, Environment: b.env})
		b.publishIfFileAffecting(ctx, exec, req.SessionID)
	}

	if v.IsValid && v.RequiresApproval {
		err := b.approvals.SavePendingApproval(ctx, &models.PendingApproval{
			Intent:     in,
			Validation: v,
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			b.logger.Error("save pending approval failed", zap.String("intent_id", in.ID), zap.Error(err))
		}
	}

	if cfg.Audit && b.audit != nil {
		b.audit.Record(ctx, in, v, exec, models.AuditSource{
			SessionID:       req.SessionID,
			UserID:          req.UserID,
			OriginalMessage: req.Message,
		})
	}

	outcome := audit.DeriveOutcome(v, exec)
	b.logger.Debug("intent handled",
		zap.String("intent_id", in.ID),
		zap.String("type", string(in.Type)),
		zap.String("outcome", string(outcome)),
		zap.Strings("applied_rules", v.AppliedRules))

	return IntentReport{Intent: in, Validation: v, Execution: exec, Outcome: outcome, Executed: exec != nil}
}

func (b *Bridge) publishIfFileAffecting(ctx context.Context, exec *models.ExecutionResult, actor string) {
	if b.publisher == nil || exec == nil || !exec.Success || exec.Intent == nil {
		return
	}
	ev, ok := ApprovedEventFor(exec.Intent, actor)
	if !ok {
		return
	}
	if err := b.publisher.Publish(ctx, ev); err != nil {
		b.logger.Error("publish approved event failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// Pending lists intents waiting for approval, oldest first.
func (b *Bridge) Pending(ctx context.Context) ([]*models.PendingApproval, error) {
	if _, err := b.snapshot(); err != nil {
		return nil, err
	}
	return b.approvals.ListPendingApprovals(ctx)
}

// PendingApproval returns one queued intent without deciding it.
func (b *Bridge) PendingApproval(ctx context.Context, intentID string) (*models.PendingApproval, error) {
	if _, err := b.snapshot(); err != nil {
		return nil, err
	}
	p, err := b.approvals.GetPendingApproval(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("get pending approval %s: %w", intentID, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, intentID)
	}
	return p, nil
}

func (b *Bridge) take(ctx context.Context, intentID string) (*models.PendingApproval, error) {
	p, err := b.approvals.TakePendingApproval(ctx, intentID)
	if errors.Is(err, store.ErrApprovalNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, intentID)
	}
	if err != nil {
		return nil, fmt.Errorf("take pending approval: %w", err)
	}
	return p, nil
}

// Approve routes a pending intent past the approval gate and records the
// decision. While the execution stage is off it returns
// ErrExecutionDisabled and leaves the intent queued.
func (b *Bridge) Approve(ctx context.Context, intentID, approver string) (*IntentReport, error) {
	cfg, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	if !cfg.Execution {
		return nil, fmt.Errorf("approve %s: %w", intentID, ErrExecutionDisabled)
	}
	p, err := b.take(ctx, intentID)
	if err != nil {
		return nil, err
	}

	v := *p.Validation
	v.RequiresApproval = false
	v.Warnings = append(append([]string{}, v.Warnings...), fmt.Sprintf("approved by %s", actorName(approver)))

	var exec *models.ExecutionResult
	if v.IsValid {
		exec = b.router.Route(ctx, &router.Context{Intent: p.Intent, Validation: &v, Environment: b.env})
		b.publishIfFileAffecting(ctx, exec, actorName(approver))
	}

	if cfg.Audit && b.audit != nil {
		b.audit.Record(ctx, p.Intent, &v, exec, models.AuditSource{SessionID: p.SessionID, UserID: approver})
	}
	b.logger.Info("intent approved",
		zap.String("intent_id", intentID), zap.String("approver", approver), zap.Bool("executed", exec != nil))

	return &IntentReport{
		Intent:     p.Intent,
		Validation: &v,
		Execution:  exec,
		Outcome:    audit.DeriveOutcome(&v, exec),
		Executed:   exec != nil,
	}, nil
}

// Reject drops a pending intent and records it as rejected.
func (b *Bridge) Reject(ctx context.Context, intentID, reviewer, reason string) (*IntentReport, error) {
	cfg, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	p, err := b.take(ctx, intentID)
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("rejected by %s", actorName(reviewer))
	if reason != "" {
		msg += ": " + reason
	}
	v := *p.Validation
	v.IsValid = false
	v.Errors = append(append([]string{}, v.Errors...), msg)

	if cfg.Audit && b.audit != nil {
		b.audit.Record(ctx, p.Intent, &v, nil, models.AuditSource{SessionID: p.SessionID, UserID: reviewer})
	}
	b.logger.Info("intent rejected", zap.String("intent_id", intentID), zap.String("reviewer", reviewer))

	return &IntentReport{Intent: p.Intent, Validation: &v, Outcome: models.OutcomeRejected}, nil
}

func actorName(s string) string {
	if s == "" {
		return "operator"
	}
	return s
}

// QueryAudit returns audit entries newest first.
func (b *Bridge) QueryAudit(ctx context.Context, f audit.Filter) ([]*models.AuditEntry, error) {
	if _, err := b.snapshot(); err != nil {
		return nil, err
	}
	if b.audit == nil {
		return nil, ErrAuditDisabled
	}
	return b.audit.Query(ctx, f)
}

// AuditStats summarizes the last days days.
func (b *Bridge) AuditStats(ctx context.Context, days int) (*audit.Stats, error) {
	if _, err := b.snapshot(); err != nil {
		return nil, err
	}
	if b.audit == nil {
		return nil, ErrAuditDisabled
	}
	return b.audit.Stats(ctx, days)
}

// PruneAudit removes entries past the retention window.
func (b *Bridge) PruneAudit(ctx context.Context) (int, error) {
	if _, err := b.snapshot(); err != nil {
		return 0, err
	}
	if b.audit == nil {
		return 0, ErrAuditDisabled
	}
	return b.audit.Prune(ctx)
}

// Rules returns the active rule list.
func (b *Bridge) Rules(ctx context.Context) []models.Rule {
	return b.validator.Rules(ctx)
}

// RouterStats reports router load.
func (b *Bridge) RouterStats() router.Stats {
	return b.router.Stats()
}

// Health describes the pipeline's state.
type Health struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	Time          time.Time    `json:"time"`
	Database      string       `json:"database"`
	RuleSource    string       `json:"ruleSource"`
	RuleCount     int          `json:"ruleCount"`
	RulesDefault  bool         `json:"rulesDefault"`
	RuleLoadError string       `json:"ruleLoadError,omitempty"`
	Router        router.Stats `json:"router"`
	AuditBuffered int          `json:"auditBuffered"`
	Pending       int          `json:"pending"`
	Config        Config       `json:"config"`
}

// Health reports component status. Status is "degraded" when the database
// is unreachable or the rule file failed to parse.
func (b *Bridge) Health(ctx context.Context) (*Health, error) {
	cfg, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	h := &Health{
		Status:   "ok",
		Version:  b.version,
		Time:     time.Now().UTC(),
		Database: "none",
		Router:   b.router.Stats(),
		Config:   cfg,
	}
	if b.db != nil {
		if err := b.db.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Database = "error: " + err.Error()
		} else {
			h.Database = "ok"
		}
	}
	if b.rules != nil {
		set := b.rules.Snapshot(ctx)
		h.RuleSource = set.Source
		h.RuleCount = len(set.Rules)
		h.RulesDefault = set.Defaulted
		h.RuleLoadError = set.LoadError
		// A missing document is normal; a document that fails to parse is not.
		if set.LoadError != "" && set.Source != governance.SourceDefaults {
			h.Status = "degraded"
		}
	} else {
		h.RuleCount = len(b.validator.Rules(ctx))
	}
	if b.audit != nil {
		h.AuditBuffered = b.audit.Buffered()
	}
	if pending, err := b.approvals.ListPendingApprovals(ctx); err == nil {
		h.Pending = len(pending)
	}
	return h, nil
}
