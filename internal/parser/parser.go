// Package parser extracts structured intents from free-text chat output.
//
// Extraction is pattern based: several independent regexp families scan the
// raw message and every match becomes an Intent. Nothing is merged across
// families, so the same sentence may yield more than one intent.
package parser

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// DefaultMaxFileSize is the size hint attached to parsed file operations.
const DefaultMaxFileSize = 10 * 1024 * 1024

const (
	// fencedLookback is how far before a fenced block we search for a path.
	fencedLookback = 200
	// fencedMinBody is the minimum block length that yields a file intent.
	fencedMinBody = 20
)

// Extractor turns a chat message into intents.
type Extractor interface {
	Parse(message, sessionID string) *ParsedOutput
}

// ParsedOutput is the result of one Parse call.
type ParsedOutput struct {
	OriginalMessage string           `json:"originalMessage"`
	Intents         []*models.Intent `json:"intents"`
	Confidence      float64          `json:"confidence"`
	ParseErrors     []string         `json:"parseErrors"`
	Metadata        map[string]any   `json:"metadata"`
}

// PatternParser is the regexp-based Extractor.
type PatternParser struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a PatternParser.
func New(logger *zap.Logger) *PatternParser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternParser{
		logger: logger.Named("parser"),
		now:    time.Now,
	}
}

// Parse scans message with intents sourced from the AI chat.
func (p *PatternParser) Parse(message, sessionID string) *ParsedOutput {
	return p.ParseWithSource(message, sessionID, models.SourceAIChat)
}

// ParseWithSource is Parse with an explicit intent source.
func (p *PatternParser) ParseWithSource(message, sessionID string, source models.Source) (out *ParsedOutput) {
	out = &ParsedOutput{
		OriginalMessage: message,
		Intents:         []*models.Intent{},
		ParseErrors:     []string{},
		Metadata: map[string]any{
			"sessionId": sessionID,
			"parsedAt":  p.now().UTC(),
		},
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("extraction panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			out.Intents = []*models.Intent{}
			out.Confidence = 0
			out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("extraction failed: %v", r))
		}
	}()

	s := &scan{text: message, source: source, hits: map[string]int{}}
	s.fileCreates()
	s.fileUpdates()
	s.fileDeletes()
	s.fileRenames()
	s.terminalCommands()
	s.packageInstalls()
	s.codeGeneration()
	s.scaffolds()
	s.externalServices()
	s.fencedBlocks()

	out.Intents = dedupe(s.intents)
	words := countWords(message)
	out.Confidence = confidence(message, len(out.Intents), words)
	out.Metadata["wordCount"] = words
	out.Metadata["patternHits"] = s.hits

	p.logger.Debug("parsed message",
		zap.String("session_id", sessionID),
		zap.Int("intents", len(out.Intents)),
		zap.Float64("confidence", out.Confidence))
	return out
}

// scan accumulates intents for one message.
type scan struct {
	text    string
	source  models.Source
	intents []*models.Intent
	hits    map[string]int
}

func (s *scan) add(family string, v models.Variant, priority models.Priority) {
	s.hits[family]++
	in := models.NewIntent(v, s.source, priority)
	in.Metadata = map[string]any{"pattern": family}
	s.intents = append(s.intents, in)
}

func (s *scan) fileCreates() {
	for _, m := range fileCreatePattern.FindAllStringSubmatchIndex(s.text, -1) {
		p := s.text[m[2]:m[3]]
		op := newFileOperation(models.FileCreate, p)
		if content, ok := firstGroup(s.text, m, 2, 3, 4); ok {
			op.Target.Content = &content
		}
		s.add("file_create", op, filePriority(models.FileCreate))
	}
}

func (s *scan) fileUpdates() {
	for _, m := range fileUpdatePattern.FindAllStringSubmatchIndex(s.text, -1) {
		op := newFileOperation(models.FileUpdate, s.text[m[2]:m[3]])
		if content, ok := firstGroup(s.text, m, 2, 3, 4); ok {
			op.Target.Content = &content
		}
		s.add("file_update", op, filePriority(models.FileUpdate))
	}
}

func (s *scan) fileDeletes() {
	for _, m := range fileDeletePattern.FindAllStringSubmatch(s.text, -1) {
		op := newFileOperation(models.FileDelete, m[1])
		op.Target.Backup = true
		s.add("file_delete", op, filePriority(models.FileDelete))
	}
}

func (s *scan) fileRenames() {
	for _, m := range fileRenamePattern.FindAllStringSubmatch(s.text, -1) {
		kind := models.FileRename
		if strings.EqualFold(m[1], "move") {
			kind = models.FileMove
		}
		op := newFileOperation(kind, m[2])
		op.Target.NewPath = m[3]
		s.add("file_rename", op, filePriority(kind))
	}
}

func (s *scan) terminalCommands() {
	for _, m := range terminalPattern.FindAllStringSubmatchIndex(s.text, -1) {
		cmd, _ := firstGroup(s.text, m, 1, 2, 3)
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		s.add("terminal", newTerminalCommand(cmd), terminalPriority(cmd))
	}
}

func (s *scan) packageInstalls() {
	for _, m := range packageManagerPattern.FindAllStringSubmatch(s.text, -1) {
		cmd := strings.TrimRight(strings.TrimSpace(m[1]), ".,;:!?)")
		if cmd == "" {
			continue
		}
		s.add("package_manager", newTerminalCommand(cmd), terminalPriority(cmd))
	}
}

func (s *scan) codeGeneration() {
	for _, m := range codeGenPattern.FindAllStringSubmatch(s.text, -1) {
		framework := strings.ToLower(m[1])
		kind := strings.ToLower(m[2])
		name := m[3]
		filePath := m[4]

		language := s.language(filePath)
		gen := &models.CodeGeneration{
			Requirements: models.CodeRequirements{Language: language, Framework: framework},
		}
		switch kind {
		case "component", "hook":
			if framework == "" && strings.Contains(strings.ToLower(s.text), "react") {
				gen.Requirements.Framework = "react"
			}
			gen.Target.ComponentName = name
		case "class":
			gen.Target.ClassName = name
		default:
			gen.Target.FunctionName = name
		}
		if filePath == "" {
			filePath = defaultCodePath(kind, name, gen.Requirements.Framework, language)
		}
		gen.Target.FilePath = filePath
		s.add("code_generation", gen, models.PriorityMedium)
	}
}

// language picks the generation language from the target extension, then an
// explicit "in <language>" hint, then javascript.
func (s *scan) language(filePath string) string {
	if lang, ok := extensionLanguages[strings.ToLower(path.Ext(filePath))]; ok {
		return lang
	}
	if m := languageHintPattern.FindStringSubmatch(s.text); m != nil {
		lang := strings.ToLower(m[1])
		if lang == "golang" {
			lang = "go"
		}
		return lang
	}
	return "javascript"
}

func defaultCodePath(kind, name, framework, language string) string {
	ext := languageExtensions[language]
	if ext == "" {
		ext = ".js"
	}
	if (kind == "component" || kind == "hook") && framework == "react" {
		if language == "typescript" {
			return "src/components/" + name + ".tsx"
		}
		return "src/components/" + name + ".jsx"
	}
	return "src/" + name + ext
}

func (s *scan) scaffolds() {
	for _, m := range scaffoldPattern.FindAllStringSubmatch(s.text, -1) {
		template := strings.ToLower(m[1])
		name := m[2]
		if name == "" {
			name = "my-" + template + "-app"
		}
		s.add("scaffold", scaffoldFor(template, name), models.PriorityMedium)
	}
}

func (s *scan) externalServices() {
	for _, m := range externalPattern.FindAllStringSubmatch(s.text, -1) {
		s.add("external_service", &models.ExternalService{
			Service: strings.ToLower(m[1]),
			Action:  strings.ToLower(m[2]),
		}, models.PriorityHigh)
	}
}

func (s *scan) fencedBlocks() {
	for _, m := range fencedBlockPattern.FindAllStringSubmatchIndex(s.text, -1) {
		body := s.text[m[4]:m[5]]
		if len(body) <= fencedMinBody {
			continue
		}
		start := m[0] - fencedLookback
		if start < 0 {
			start = 0
		}
		candidates := pathShapedPattern.FindAllString(s.text[start:m[0]], -1)
		if len(candidates) == 0 {
			continue
		}
		lang := s.text[m[2]:m[3]]
		if lang == "" {
			lang = "javascript"
		}
		op := newFileOperation(models.FileCreate, candidates[len(candidates)-1])
		op.Target.Content = &body
		s.hits["fenced_block"]++
		in := models.NewIntent(op, s.source, filePriority(models.FileCreate))
		in.Metadata = map[string]any{"pattern": "fenced_block", "language": lang}
		s.intents = append(s.intents, in)
	}
}

func newFileOperation(op models.FileOp, p string) *models.FileOperation {
	return &models.FileOperation{
		Operation: op,
		Target:    models.FileTarget{Path: p},
		Validation: models.FileValidation{
			FileType: fileTypeFor(p),
			MaxSize:  DefaultMaxFileSize,
		},
	}
}

func newTerminalCommand(cmd string) *models.TerminalCommand {
	return &models.TerminalCommand{
		Command: cmd,
		Validation: models.CommandValidation{
			RequireConfirmation: dangerousCommandPattern.MatchString(cmd),
		},
	}
}

func scaffoldFor(template, name string) *models.ProjectScaffold {
	sc := &models.ProjectScaffold{Name: name, Template: template, Root: name}
	switch template {
	case "react", "next", "vite":
		sc.Directories = []string{name + "/src", name + "/src/components", name + "/public"}
		sc.Files = []models.ScaffoldFile{
			{Path: name + "/package.json", Content: fmt.Sprintf("{\n  \"name\": %q,\n  \"private\": true\n}\n", name)},
			{Path: name + "/src/index.jsx", Content: "export default function App() {\n  return null\n}\n"},
			{Path: name + "/README.md", Content: "# " + name + "\n"},
		}
	case "go", "golang":
		sc.Template = "go"
		sc.Directories = []string{name + "/cmd/" + name, name + "/internal"}
		sc.Files = []models.ScaffoldFile{
			{Path: name + "/go.mod", Content: "module " + name + "\n\ngo 1.24\n"},
			{Path: name + "/cmd/" + name + "/main.go", Content: "package main\n\nfunc main() {}\n"},
			{Path: name + "/README.md", Content: "# " + name + "\n"},
		}
	case "python":
		sc.Directories = []string{name + "/" + strings.ReplaceAll(name, "-", "_"), name + "/tests"}
		sc.Files = []models.ScaffoldFile{
			{Path: name + "/pyproject.toml", Content: fmt.Sprintf("[project]\nname = %q\n", name)},
			{Path: name + "/README.md", Content: "# " + name + "\n"},
		}
	default:
		sc.Directories = []string{name + "/src"}
		sc.Files = []models.ScaffoldFile{
			{Path: name + "/README.md", Content: "# " + name + "\n"},
		}
	}
	return sc
}

func dedupe(in []*models.Intent) []*models.Intent {
	seen := make(map[string]bool, len(in))
	out := make([]*models.Intent, 0, len(in))
	for _, i := range in {
		if seen[i.ID] {
			continue
		}
		seen[i.ID] = true
		out = append(out, i)
	}
	return out
}

func countWords(text string) int {
	return len(strings.Fields(text))
}

func countKeywords(text string) int {
	n := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		if actionKeywords[w] {
			n++
		}
	}
	return n
}

// confidence scores how likely the extracted intents reflect the message.
// The result is always within [0, 1].
func confidence(text string, intents, words int) float64 {
	if intents == 0 {
		return 0
	}
	score := math.Min(float64(intents)*0.3, 0.6) +
		math.Min(float64(countKeywords(text))*0.1, 0.3) +
		math.Min(float64(len(pathShapedPattern.FindAllString(text, -1)))*0.1, 0.2)
	switch {
	case words < 3:
		score *= 0.5
	case words > 100:
		score *= 0.7
	}
	return math.Max(0, math.Min(1, score))
}
