// Package models defines the core domain types for Warden.
package models

import (
	"time"
)

// IntentType tags the variant carried by an Intent.
type IntentType string

const (
	IntentFileOperation   IntentType = "file_operation"
	IntentTerminalCommand IntentType = "terminal_command"
	IntentCodeGeneration  IntentType = "code_generation"
	IntentExternalService IntentType = "external_service"
	IntentProjectScaffold IntentType = "project_scaffold"
)

// IntentTypes lists every known variant in a stable order.
var IntentTypes = []IntentType{
	IntentFileOperation,
	IntentTerminalCommand,
	IntentCodeGeneration,
	IntentExternalService,
	IntentProjectScaffold,
}

// Valid reports whether t is a known intent type.
func (t IntentType) Valid() bool {
	for _, known := range IntentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Source identifies where an intent came from.
type Source string

const (
	SourceAIChat    Source = "ai_chat"
	SourceUserInput Source = "user_input"
	SourceSystem    Source = "system"
)

// Priority is a heuristic urgency/risk level.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// FileOp is the kind of file mutation requested.
type FileOp string

const (
	FileCreate FileOp = "create"
	FileUpdate FileOp = "update"
	FileDelete FileOp = "delete"
	FileRename FileOp = "rename"
	FileMove   FileOp = "move"
)

// FileTarget addresses the file an operation acts on.
type FileTarget struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
	NewPath string  `json:"newPath,omitempty"`
	Backup  bool    `json:"backup,omitempty"`
}

// FileValidation carries hints sniffed by the parser.
type FileValidation struct {
	FileType    string   `json:"fileType,omitempty"`
	MaxSize     int64    `json:"maxSize,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// FileOperation requests a create/update/delete/rename/move of one file.
type FileOperation struct {
	Operation  FileOp         `json:"operation"`
	Target     FileTarget     `json:"target"`
	Validation FileValidation `json:"validation"`
}

// IntentType implements Variant.
func (*FileOperation) IntentType() IntentType { return IntentFileOperation }

// CommandValidation carries hints for terminal commands.
type CommandValidation struct {
	AllowedCommands     []string `json:"allowedCommands,omitempty"`
	RestrictedPaths     []string `json:"restrictedPaths,omitempty"`
	RequireConfirmation bool     `json:"requireConfirmation"`
}

// TerminalCommand requests a shell command.
type TerminalCommand struct {
	Command     string            `json:"command"`
	WorkingDir  string            `json:"workingDirectory"`
	Environment map[string]string `json:"environment,omitempty"`
	TimeoutMS   int               `json:"timeout,omitempty"`
	Validation  CommandValidation `json:"validation"`
}

// IntentType implements Variant.
func (*TerminalCommand) IntentType() IntentType { return IntentTerminalCommand }

// CodeTarget addresses generated code.
type CodeTarget struct {
	FilePath      string `json:"filePath"`
	FunctionName  string `json:"functionName,omitempty"`
	ComponentName string `json:"componentName,omitempty"`
	ClassName     string `json:"className,omitempty"`
}

// CodeRequirements describes what to generate.
type CodeRequirements struct {
	Language  string   `json:"language"`
	Framework string   `json:"framework,omitempty"`
	Patterns  []string `json:"patterns,omitempty"`
	Tests     bool     `json:"tests,omitempty"`
}

// CodeContext carries surrounding code hints.
type CodeContext struct {
	ExistingCode string   `json:"existingCode,omitempty"`
	Imports      []string `json:"imports,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CodeGeneration requests a component, function or class.
type CodeGeneration struct {
	Target       CodeTarget       `json:"target"`
	Requirements CodeRequirements `json:"requirements"`
	Context      CodeContext      `json:"context"`
}

// IntentType implements Variant.
func (*CodeGeneration) IntentType() IntentType { return IntentCodeGeneration }

// ExternalService requests a call to a third-party service.
type ExternalService struct {
	Service  string         `json:"service"`
	Action   string         `json:"action,omitempty"`
	Endpoint string         `json:"endpoint,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// IntentType implements Variant.
func (*ExternalService) IntentType() IntentType { return IntentExternalService }

// ScaffoldFile is one file of a project scaffold.
type ScaffoldFile struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// ProjectScaffold requests a directory/file skeleton.
type ProjectScaffold struct {
	Name        string         `json:"name"`
	Template    string         `json:"template,omitempty"`
	Root        string         `json:"root,omitempty"`
	Directories []string       `json:"directories,omitempty"`
	Files       []ScaffoldFile `json:"files,omitempty"`
}

// IntentType implements Variant.
func (*ProjectScaffold) IntentType() IntentType { return IntentProjectScaffold }

// ConditionOperator compares a resolved field with a rule value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpMatches     ConditionOperator = "matches"
	OpIn          ConditionOperator = "in"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpGlob        ConditionOperator = "glob"
)

// Condition is one ANDed predicate of a rule.
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    any               `json:"value" yaml:"value"`
}

// RuleAction is the effect of an applying rule.
type RuleAction string

const (
	ActionAllow           RuleAction = "allow"
	ActionDeny            RuleAction = "deny"
	ActionRequireApproval RuleAction = "require_approval"
	ActionModify          RuleAction = "modify"
)

// Rule is a governance rule: a condition list and an action.
type Rule struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	IntentTypes   []IntentType   `json:"intentTypes" yaml:"intent_types"`
	Conditions    []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Action        RuleAction     `json:"action" yaml:"action"`
	Modifications map[string]any `json:"modifications,omitempty" yaml:"modifications,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the rule participates in validation.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// AppliesToType reports whether t is in the rule's intent type list.
func (r *Rule) AppliesToType(t IntentType) bool {
	for _, it := range r.IntentTypes {
		if it == t {
			return true
		}
	}
	return false
}

// ValidationResult is the folded outcome of every applying rule.
type ValidationResult struct {
	IsValid          bool           `json:"isValid"`
	Intent           *Intent        `json:"intent,omitempty"`
	AppliedRules     []string       `json:"appliedRules"`
	Errors           []string       `json:"errors"`
	Warnings         []string       `json:"warnings"`
	Modifications    map[string]any `json:"modifications,omitempty"`
	RequiresApproval bool           `json:"requiresApproval"`
}

// NewValidationResult returns the neutral result: valid, nothing applied.
func NewValidationResult(intent *Intent) *ValidationResult {
	return &ValidationResult{
		IsValid:       true,
		Intent:        intent,
		AppliedRules:  []string{},
		Errors:        []string{},
		Warnings:      []string{},
		Modifications: map[string]any{},
	}
}

// ExecutionResult is what a router handler produced.
type ExecutionResult struct {
	Success       bool     `json:"success"`
	Intent        *Intent  `json:"intent,omitempty"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	DurationMS    int64    `json:"duration"`
	AffectedFiles []string `json:"affectedFiles,omitempty"`
	SideEffects   []string `json:"sideEffects,omitempty"`
}

// Outcome classifies an audit entry.
type Outcome string

const (
	OutcomeProcessed       Outcome = "processed"
	OutcomeRejected        Outcome = "rejected"
	OutcomeFailed          Outcome = "failed"
	OutcomePendingApproval Outcome = "pending_approval"
)

// AuditSource identifies who produced the audited intent.
type AuditSource struct {
	SessionID       string `json:"sessionId"`
	UserID          string `json:"userId,omitempty"`
	OriginalMessage string `json:"originalMessage,omitempty"`
}

// AuditEntry is the immutable record of one intent's lifecycle.
type AuditEntry struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Intent     *Intent           `json:"intent"`
	IntentHash string            `json:"intentHash,omitempty"`
	Validation *ValidationResult `json:"validation"`
	Execution  *ExecutionResult  `json:"execution,omitempty"`
	Source     AuditSource       `json:"source"`
	Outcome    Outcome           `json:"outcome"`
}

// ApprovedEvent notifies the execution engine that a file-affecting intent
// passed governance and should be applied.
type ApprovedEvent struct {
	ID         string     `json:"id"`
	IntentType IntentType `json:"intentType"`
	Operation  FileOp     `json:"operation"`
	TargetPath string     `json:"targetPath"`
	Content    *string    `json:"content,omitempty"`
	NewPath    string     `json:"newPath,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Actor      string     `json:"actor"`
}

// PendingApproval is an intent waiting for an out-of-band decision.
type PendingApproval struct {
	Intent     *Intent           `json:"intent"`
	Validation *ValidationResult `json:"validation"`
	SessionID  string            `json:"sessionId"`
	UserID     string            `json:"userId,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// OutboxRecord is an approved event awaiting delivery to the execution engine.
type OutboxRecord struct {
	Event       ApprovedEvent `json:"event"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
}
