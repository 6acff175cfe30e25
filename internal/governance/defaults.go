package governance

import (
	"github.com/fentz26/warden/internal/models"
)

// Document is the on-disk governance rule document.
type Document struct {
	Version  string           `json:"version" yaml:"version"`
	Metadata DocumentMetadata `json:"metadata" yaml:"metadata"`
	Settings DocumentSettings `json:"settings" yaml:"settings"`
	Rules    []models.Rule    `json:"rules" yaml:"rules"`
}

// DocumentMetadata describes a rule document.
type DocumentMetadata struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Updated     string `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// DocumentSettings holds document-wide switches. They are informational;
// an intent no rule applies to is always valid.
type DocumentSettings struct {
	DefaultAction models.RuleAction `json:"default_action,omitempty" yaml:"default_action,omitempty"`
	Strict        bool              `json:"strict" yaml:"strict"`
}

const defaultDocumentVersion = "1.0"

// DefaultRules returns the built-in rule list. Order is significant.
func DefaultRules() []models.Rule {
	return []models.Rule{
		{
			ID:          "restrict-large-files",
			Name:        "Restrict large files",
			Description: "File content may not exceed 1 MiB",
			IntentTypes: []models.IntentType{models.IntentFileOperation},
			Conditions: []models.Condition{
				{Field: "target.content.length", Operator: models.OpGreaterThan, Value: 1048576},
			},
			Action: models.ActionDeny,
		},
		{
			ID:          "restrict-system-files",
			Name:        "Restrict system files",
			Description: "System directories are off limits",
			IntentTypes: []models.IntentType{models.IntentFileOperation},
			Conditions: []models.Condition{
				{Field: "target.path", Operator: models.OpMatches, Value: `^(/etc|/usr|/bin|/sbin|/boot|/sys|/proc|/var|C:\\Windows)(/|\\|$)`},
			},
			Action: models.ActionDeny,
		},
		{
			ID:          "dangerous-commands",
			Name:        "Dangerous commands",
			Description: "Destructive or privileged shell commands need a human",
			IntentTypes: []models.IntentType{models.IntentTerminalCommand},
			Conditions: []models.Condition{
				{Field: "command", Operator: models.OpMatches, Value: `\b(rm|rmdir|del|format|mkfs|dd|shutdown|reboot|chmod|chown|sudo|kill)\b`},
			},
			Action: models.ActionRequireApproval,
		},
		{
			ID:          "package-installs",
			Name:        "Package installs",
			Description: "Installing dependencies changes the supply chain",
			IntentTypes: []models.IntentType{models.IntentTerminalCommand},
			Conditions: []models.Condition{
				{Field: "command", Operator: models.OpMatches, Value: `\b(npm|yarn|pnpm|pip|pip3|go|cargo)\s+(install|add|get|i)\b`},
			},
			Action: models.ActionRequireApproval,
		},
		{
			ID:          "external-services",
			Name:        "External services",
			Description: "Calls leaving the workspace need a human",
			IntentTypes: []models.IntentType{models.IntentExternalService},
			Action:      models.ActionRequireApproval,
		},
		{
			ID:          "allow-workspace-commands",
			Name:        "Allow workspace commands",
			Description: "Commands inside the workspace are allowed",
			IntentTypes: []models.IntentType{models.IntentTerminalCommand},
			Conditions: []models.Condition{
				{Field: "workingDirectory", Operator: models.OpMatches, Value: `^(/workspace|\./|$)`},
			},
			Action: models.ActionAllow,
		},
		{
			ID:          "allow-safe-extensions",
			Name:        "Allow safe extensions",
			Description: "Source and text files are allowed",
			IntentTypes: []models.IntentType{models.IntentFileOperation, models.IntentCodeGeneration},
			Conditions: []models.Condition{
				{Field: "target.path", Operator: models.OpMatches, Value: `\.(js|jsx|ts|tsx|go|py|json|md|css|html|txt|yaml|yml)$`},
			},
			Action: models.ActionAllow,
		},
		{
			ID:          "scaffold-approval",
			Name:        "Scaffold approval",
			Description: "Project scaffolds create many files at once",
			IntentTypes: []models.IntentType{models.IntentProjectScaffold},
			Action:      models.ActionRequireApproval,
		},
		{
			ID:          "protect-dotenv",
			Name:        "Protect dotenv files",
			Description: "Environment files usually hold secrets",
			IntentTypes: []models.IntentType{models.IntentFileOperation},
			Conditions: []models.Condition{
				{Field: "target.path", Operator: models.OpMatches, Value: `(^|/)\.env`},
			},
			Action: models.ActionRequireApproval,
		},
	}
}

// DefaultDocument wraps DefaultRules in a document.
func DefaultDocument() *Document {
	return &Document{
		Version: defaultDocumentVersion,
		Metadata: DocumentMetadata{
			Name:        "default",
			Description: "Built-in governance rules",
		},
		Settings: DocumentSettings{DefaultAction: models.ActionAllow},
		Rules:    DefaultRules(),
	}
}
