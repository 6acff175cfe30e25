package parser

import (
	"path"
	"regexp"
	"strings"

	"github.com/fentz26/warden/internal/models"
)

// quoted captures a value wrapped in double quotes, single quotes or backticks.
const quoted = "(?:\"([^\"]*)\"|'([^']*)'|`([^`]*)`)"

// pathExpr matches a path-shaped token ending in an extension.
const pathExpr = `((?:[\w.-]+[/\\])*[\w-][\w.-]*\.[A-Za-z][A-Za-z0-9]{0,9})`

var (
	fileCreatePattern = regexp.MustCompile(`(?i)\b(?:create|make|add|write|generate)\s+(?:a\s+|an\s+|the\s+)?(?:new\s+)?file\s+(?:called\s+|named\s+|at\s+)?["'` + "`" + `]?` + pathExpr + `["'` + "`" + `]?(?:\s+with\s+(?:the\s+)?content\s+` + quoted + `)?`)

	fileUpdatePattern = regexp.MustCompile(`(?i)\b(?:update|modify|edit|change)\s+(?:the\s+)?(?:file\s+)?["'` + "`" + `]?` + pathExpr + `["'` + "`" + `]?(?:\s+(?:with|to)\s+(?:the\s+)?(?:content\s+)?` + quoted + `)?`)

	fileDeletePattern = regexp.MustCompile(`(?i)\b(?:delete|remove)\s+(?:the\s+)?(?:file\s+)?["'` + "`" + `]?` + pathExpr + `["'` + "`" + `]?`)

	fileRenamePattern = regexp.MustCompile(`(?i)\b(rename|move)\s+(?:the\s+)?(?:file\s+)?["'` + "`" + `]?` + pathExpr + `["'` + "`" + `]?\s+to\s+["'` + "`" + `]?([\w./\\-]+)["'` + "`" + `]?`)

	terminalPattern = regexp.MustCompile(`(?i)\b(?:run|execute)\s+(?:the\s+)?(?:following\s+)?(?:command\s+|cmd\s+)?(?::\s*)?` + quoted)

	packageManagerPattern = regexp.MustCompile(`(?i)\b((?:npm|yarn|pnpm|pip3?|cargo)\s+(?:install|add|i)\b[^\n"'` + "`" + `;|&]*|go\s+get\s+[^\s"'` + "`" + `]+)`)

	codeGenPattern = regexp.MustCompile(`(?i)\b(?:create|generate|build|write|make)\s+(?:a\s+|an\s+)?(?:new\s+)?(?:(react|vue|svelte|angular)\s+)?(component|function|class|hook)\s+(?:called\s+|named\s+)?["'` + "`" + `]?([A-Za-z_]\w*)["'` + "`" + `]?(?:\s+in\s+["'` + "`" + `]?` + pathExpr + `["'` + "`" + `]?)?`)

	scaffoldPattern = regexp.MustCompile(`(?i)\b(?:scaffold|bootstrap|initiali[sz]e|set\s+up)\s+(?:a\s+)?(?:new\s+)?([\w.+-]+)\s+(?:project|app|application)(?:\s+(?:called|named|in)\s+["'` + "`" + `]?([\w./-]+)["'` + "`" + `]?)?`)

	externalPattern = regexp.MustCompile(`(?i)\b(?:call|invoke|trigger|send\s+(?:a\s+)?(?:request|message)\s+to)\s+(?:the\s+)?([\w.-]+)\s+(api|service|webhook|endpoint)\b`)

	fencedBlockPattern = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)```")

	pathShapedPattern = regexp.MustCompile(pathExpr)

	dangerousCommandPattern = regexp.MustCompile(`(?i)(?:\b(?:rm|rmdir|del|sudo|chmod|chown|mkfs|dd|format|shutdown|reboot|kill|killall)\b|\|\s*(?:sh|bash|zsh)\b|>\s*/dev/)`)

	languageHintPattern = regexp.MustCompile(`(?i)\b(?:in|using|with)\s+(typescript|javascript|python|go|golang|rust|java|ruby)\b`)
)

// actionKeywords count toward the confidence score.
var actionKeywords = map[string]bool{
	"create": true, "make": true, "add": true, "write": true, "generate": true,
	"update": true, "modify": true, "edit": true, "change": true,
	"delete": true, "remove": true, "rename": true, "move": true,
	"run": true, "execute": true, "install": true, "build": true,
	"deploy": true, "test": true, "start": true, "scaffold": true,
	"call": true, "invoke": true,
}

// firstGroup returns the first participating submatch among groups.
func firstGroup(text string, m []int, groups ...int) (string, bool) {
	for _, g := range groups {
		lo, hi := m[2*g], m[2*g+1]
		if lo >= 0 {
			return text[lo:hi], true
		}
	}
	return "", false
}

var fileTypes = map[string]string{
	".js":   "text/javascript",
	".mjs":  "text/javascript",
	".jsx":  "text/jsx",
	".ts":   "text/typescript",
	".tsx":  "text/tsx",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".rb":   "text/x-ruby",
	".json": "application/json",
	".md":   "text/markdown",
	".css":  "text/css",
	".html": "text/html",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".sh":   "application/x-sh",
	".txt":  "text/plain",
}

// fileTypeFor sniffs a MIME-like type from the extension.
func fileTypeFor(p string) string {
	if t, ok := fileTypes[strings.ToLower(path.Ext(strings.ReplaceAll(p, `\`, "/")))]; ok {
		return t
	}
	return "application/octet-stream"
}

var extensionLanguages = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".go":   "go",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
}

var languageExtensions = map[string]string{
	"javascript": ".js",
	"typescript": ".ts",
	"go":         ".go",
	"python":     ".py",
	"rust":       ".rs",
	"java":       ".java",
	"ruby":       ".rb",
}

// terminalPriority ranks a command by keyword heuristics.
func terminalPriority(cmd string) models.Priority {
	lower := strings.ToLower(cmd)
	switch {
	case dangerousCommandPattern.MatchString(lower):
		return models.PriorityCritical
	case containsAny(lower, "install", "build", "deploy", "publish", "migrate"):
		return models.PriorityHigh
	case containsAny(lower, "run", "start", "test", "serve", "dev", "lint"):
		return models.PriorityMedium
	}
	return models.PriorityLow
}

func filePriority(op models.FileOp) models.Priority {
	switch op {
	case models.FileDelete:
		return models.PriorityHigh
	case models.FileUpdate, models.FileRename, models.FileMove:
		return models.PriorityMedium
	}
	return models.PriorityLow
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
