package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestion kinds.
const (
	kindCommand = "command"
	kindIntent  = "intent"
	kindAction  = "action"
)

// maxSuggestions is how many rows the dropdown shows.
const maxSuggestions = 5

// SuggestionItem is one autocomplete entry.
type SuggestionItem struct {
	Text        string
	Description string
	Type        string
}

// trigger is an input prefix that opens the dropdown.
type trigger struct {
	title string
	kind  string
	items []SuggestionItem
}

var commandSuggestions = []SuggestionItem{
	{Text: "chat", Description: "Send a message through the pipeline", Type: kindCommand},
	{Text: "approve", Description: "Approve the selected intent", Type: kindCommand},
	{Text: "reject", Description: "Reject the selected intent with a reason", Type: kindCommand},
	{Text: "stats", Description: "Show audit statistics for N days", Type: kindCommand},
	{Text: "workers", Description: "Show router and engine load", Type: kindCommand},
	{Text: "health", Description: "Check daemon health", Type: kindCommand},
	{Text: "refresh", Description: "Reload the approval queue", Type: kindCommand},
	{Text: "quit", Description: "Exit", Type: kindCommand},
}

var actionSuggestions = []SuggestionItem{
	{Text: "stats 1", Description: "Audit statistics for today", Type: kindAction},
	{Text: "stats 30", Description: "Audit statistics for the retention window", Type: kindAction},
	{Text: "chat run `git status`", Description: "Check the workspace status", Type: kindAction},
	{Text: "chat run `go test ./...`", Description: "Run the test suite", Type: kindAction},
}

// Suggestions drives the input dropdown. "/" lists commands, "!" quick
// actions and "@" pending intents.
type Suggestions struct {
	triggers map[byte]*trigger
	active   *trigger
	query    string
	filtered []SuggestionItem
	cursor   int
}

// NewSuggestions creates the dropdown with no pending intents.
func NewSuggestions() *Suggestions {
	return &Suggestions{
		triggers: map[byte]*trigger{
			'/': {title: "💡 Commands", kind: kindCommand, items: commandSuggestions},
			'!': {title: "⚡ Quick Actions", kind: kindAction, items: actionSuggestions},
			'@': {title: "🔗 Pending Intents", kind: kindIntent},
		},
	}
}

// Update re-filters against the current input.
func (s *Suggestions) Update(input string) {
	s.active = nil
	s.filtered = nil
	s.cursor = 0
	if input == "" {
		return
	}
	t, ok := s.triggers[input[0]]
	if !ok {
		return
	}
	s.active = t
	s.query = strings.ToLower(input[1:])
	s.filter()
}

// SetIntents replaces the "@" entries with the pending queue.
func (s *Suggestions) SetIntents(items []ApprovalItem) {
	t := s.triggers['@']
	t.items = make([]SuggestionItem, len(items))
	for i, it := range items {
		t.items[i] = SuggestionItem{Text: it.ID, Description: it.Summary, Type: kindIntent}
	}
	if s.active == t {
		s.filter()
	}
}

// filter keeps entries containing the query, prefix matches first.
func (s *Suggestions) filter() {
	s.cursor = 0
	s.filtered = s.filtered[:0]
	for _, item := range s.active.items {
		text := strings.ToLower(item.Text)
		if s.query == "" || strings.Contains(text, s.query) ||
			(item.Type == kindIntent && strings.Contains(strings.ToLower(item.Description), s.query)) {
			s.filtered = append(s.filtered, item)
		}
	}
	if s.query == "" {
		return
	}
	sort.SliceStable(s.filtered, func(i, j int) bool {
		pi := strings.HasPrefix(strings.ToLower(s.filtered[i].Text), s.query)
		pj := strings.HasPrefix(strings.ToLower(s.filtered[j].Text), s.query)
		return pi && !pj
	})
}

// Next moves the cursor down, wrapping.
func (s *Suggestions) Next() {
	if n := len(s.filtered); n > 0 {
		s.cursor = (s.cursor + 1) % n
	}
}

// Prev moves the cursor up, wrapping.
func (s *Suggestions) Prev() {
	if n := len(s.filtered); n > 0 {
		s.cursor = (s.cursor - 1 + n) % n
	}
}

// Selected returns the entry under the cursor, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.cursor >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.cursor]
}

func (s *Suggestions) IsVisible() bool {
	return s.active != nil && len(s.filtered) > 0
}

// Render draws the dropdown.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(cyanColor).
		Padding(0, 1).
		Width(width - 4)
	selectedStyle := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)
	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(s.active.title))
	b.WriteString("\n")

	// Keep the cursor inside the visible window.
	start := 0
	if s.cursor >= maxSuggestions {
		start = s.cursor - maxSuggestions + 1
	}
	end := min(start+maxSuggestions, len(s.filtered))

	for i := start; i < end; i++ {
		item := s.filtered[i]
		text := item.Text
		if item.Type == kindIntent {
			text = shortID(text)
		}
		if i == s.cursor {
			b.WriteString(selectedStyle.Render("▶ " + text + " " + item.Description))
		} else {
			b.WriteString(itemStyle.Render("  "+text) + " " + descStyle.Render(item.Description))
		}
		b.WriteString("\n")
	}
	if rest := len(s.filtered) - end; rest > 0 {
		b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", rest)))
	}

	return boxStyle.Render(b.String())
}
