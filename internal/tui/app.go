// Package tui provides the approval queue console for Warden.
package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/controlplane"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type mode int

const (
	modeQueue mode = iota
	modeDetail
	modeStats
	modeWorkers
)

const defaultStatsDays = 7

// App is the main TUI application model.
type App struct {
	client      *Client
	sessionID   string
	items       []ApprovalItem
	selectedIdx int
	input       textinput.Model
	viewport    viewport.Model
	width       int
	height      int
	mode        mode
	message     string
	loading     bool
	suggestions *Suggestions

	// rejecting holds the intent id while the reason prompt is open.
	rejecting string

	health    *bridge.Health
	online    bool
	stats     *audit.Stats
	statsDays int
	workers   *controlplane.Workers
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "a:approve  x:reject  :chat <message>"
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		sessionID:   fmt.Sprintf("tui-%d", time.Now().Unix()),
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
		statsDays:   defaultStatsDays,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.fetchApprovals(),
		a.checkDaemon(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.input.Focused() {
			return a.updateInput(msg)
		}
		return a.updateKeys(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 5)

	case approvalsLoadedMsg:
		a.loading = false
		a.items = msg.items
		if a.selectedIdx >= len(a.items) {
			a.selectedIdx = max(0, len(a.items)-1)
		}

	case daemonStatusMsg:
		a.online = msg.health != nil
		a.health = msg.health

	case statsLoadedMsg:
		a.stats = msg.stats

	case workersFetchedMsg:
		a.workers = msg.workers
		if a.mode == modeWorkers {
			// Schedule the next tick only after the current fetch is complete.
			return a, a.tickCmd()
		}

	case tickMsg:
		if a.mode == modeWorkers {
			return a, a.fetchWorkers()
		}

	case commandResultMsg:
		a.message = msg.message
		if msg.refresh {
			return a, a.fetchApprovals()
		}

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}
	return a, nil
}

// updateKeys handles single-key shortcuts while the input is closed.
func (a *App) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return a, tea.Quit

	case "esc":
		if a.mode != modeQueue {
			a.mode = modeQueue
			return a, a.fetchApprovals()
		}

	case "up", "k":
		if a.mode == modeDetail {
			a.viewport.LineUp(1)
		} else if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.mode == modeDetail {
			a.viewport.LineDown(1)
		} else if a.selectedIdx < len(a.items)-1 {
			a.selectedIdx++
		}

	case "enter":
		if item := a.selected(); item != nil && a.mode == modeQueue {
			a.mode = modeDetail
			a.viewport.SetContent(renderDetail(*item))
			a.viewport.GotoTop()
		}

	case "a":
		if item := a.selected(); item != nil {
			return a, a.approve(item.ID)
		}
		a.message = "No intent selected"

	case "x":
		if item := a.selected(); item != nil {
			a.rejecting = item.ID
			a.input.Placeholder = fmt.Sprintf("Reason for rejecting %s (Enter to confirm, Esc to cancel)", item.ShortID())
			a.input.SetValue("")
			return a, a.input.Focus()
		}
		a.message = "No intent selected"

	case "r":
		a.message = ""
		return a, tea.Batch(a.fetchApprovals(), a.checkDaemon())

	case "s":
		a.mode = modeStats
		return a, a.fetchStats(a.statsDays)

	case "w":
		a.mode = modeWorkers
		return a, a.fetchWorkers()

	case ":", "/", "!", "@":
		a.input.Placeholder = "chat <message> | approve | reject <reason> | stats <days>"
		if msg.String() == ":" {
			a.input.SetValue("")
		} else {
			a.input.SetValue(msg.String())
			a.input.CursorEnd()
		}
		a.refreshSuggestions()
		return a, a.input.Focus()
	}
	return a, nil
}

// updateInput handles keys while the input is open.
func (a *App) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.closeInput()
		return a, nil

	case "up":
		if a.suggestions.IsVisible() {
			a.suggestions.Prev()
			return a, nil
		}

	case "down":
		if a.suggestions.IsVisible() {
			a.suggestions.Next()
			return a, nil
		}

	case "tab":
		if selected := a.suggestions.Selected(); selected != nil {
			a.acceptSuggestion(selected)
		}
		return a, nil

	case "enter":
		if selected := a.suggestions.Selected(); selected != nil {
			a.acceptSuggestion(selected)
			return a, nil
		}
		value := strings.TrimSpace(a.input.Value())
		rejecting := a.rejecting
		a.closeInput()
		if rejecting != "" {
			return a, a.reject(rejecting, value)
		}
		return a, a.executeCommand(value)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	a.refreshSuggestions()
	return a, cmd
}

func (a *App) closeInput() {
	a.input.Blur()
	a.input.SetValue("")
	a.input.Placeholder = "a:approve  x:reject  :chat <message>"
	a.rejecting = ""
	a.suggestions.Update("")
}

// acceptSuggestion completes a command into the input, or moves the
// queue cursor to a referenced intent.
func (a *App) acceptSuggestion(item *SuggestionItem) {
	if item.Type == kindIntent {
		for i, it := range a.items {
			if it.ID == item.Text {
				a.selectedIdx = i
				break
			}
		}
		a.closeInput()
		a.message = "Selected " + shortID(item.Text)
		return
	}
	a.input.SetValue(item.Text + " ")
	a.input.CursorEnd()
	a.suggestions.Update("")
}

func (a *App) refreshSuggestions() {
	if a.rejecting != "" {
		return
	}
	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetIntents(a.items)
	}
}

func (a *App) selected() *ApprovalItem {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.items) {
		return nil
	}
	item := a.items[a.selectedIdx]
	return &item
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.online {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	} else if a.health != nil && a.health.Status != "ok" {
		daemonStatus = lipgloss.NewStyle().Foreground(warningColor).Render("● DEGRADED")
	}

	header := titleStyle.Render("WARDEN Approval Queue")
	header += "  " + daemonStatus
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d pending]", len(a.items)))
	if a.health != nil {
		header += "  " + helpStyle.Render(fmt.Sprintf("%d rules from %s", a.health.RuleCount, a.health.RuleSource))
	}

	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-8, 5)

	switch a.mode {
	case modeQueue:
		b.WriteString(a.renderQueue(contentHeight))
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeStats:
		b.WriteString(renderStats(a.stats, a.statsDays))
	case modeWorkers:
		b.WriteString(renderWorkers(a.workers))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	if a.input.Focused() {
		b.WriteString("\n")
		b.WriteString(inputBoxStyle.Render(a.input.View()))
		if a.suggestions.IsVisible() {
			b.WriteString("\n")
			b.WriteString(a.suggestions.Render(a.width))
		}
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeQueue:
		status = fmt.Sprintf(" Pending: %d | ↑↓:nav | Enter:detail | a:approve | x:reject | s:stats | w:workers | r:refresh | ::command | q:quit", len(a.items))
	case modeDetail:
		status = " ↑↓:scroll | a:approve | x:reject | Esc:back"
	case modeStats:
		status = fmt.Sprintf(" Stats: last %d days | :stats <days> | Esc:back", a.statsDays)
	case modeWorkers:
		status = " Workers | refreshes every 2s | Esc:back"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) renderQueue(height int) string {
	if a.loading && len(a.items) == 0 {
		return "\n  Loading approvals...\n"
	}
	if len(a.items) == 0 {
		return "\n  Nothing awaiting approval.\n"
	}

	var lines []string
	for i, item := range a.items {
		age := formatDuration(time.Since(item.CreatedAt))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %-18s %s  (%s)", item.ShortID(), item.Type, item.Summary, age)))
		} else {
			typeLabel := lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("%-18s", item.Type))
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s  %s %s  %s", item.ShortID(), typeLabel, item.Summary, helpStyle.Render(age))))
		}
	}

	// Limit visible lines
	if len(lines) > height {
		start := max(a.selectedIdx-height/2, 0)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func renderDetail(item ApprovalItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  %s\n", lipgloss.NewStyle().Bold(true).Render(item.Summary))
	fmt.Fprintf(&b, "  ID: %s\n", item.ID)
	fmt.Fprintf(&b, "  Type: %s\n", item.Type)
	if item.Priority != "" {
		fmt.Fprintf(&b, "  Priority: %s\n", item.Priority)
	}
	fmt.Fprintf(&b, "  Session: %s\n", item.SessionID)
	fmt.Fprintf(&b, "  Queued: %s\n", item.CreatedAt.Local().Format(time.RFC1123))

	if len(item.Rules) > 0 {
		b.WriteString("\n  Matched rules:\n")
		for _, r := range item.Rules {
			fmt.Fprintf(&b, "    • %s\n", r)
		}
	}
	if len(item.Warnings) > 0 {
		b.WriteString("\n  Warnings:\n")
		for _, w := range item.Warnings {
			fmt.Fprintf(&b, "    • %s\n", lipgloss.NewStyle().Foreground(warningColor).Render(w))
		}
	}
	return b.String()
}

func renderStats(stats *audit.Stats, days int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n  Audit summary, last %d days\n", days)
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")

	if stats == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	row := func(label string, n int, color lipgloss.Color) {
		fmt.Fprintf(&b, "  %-12s %s\n", label, lipgloss.NewStyle().Foreground(color).Bold(true).Render(strconv.Itoa(n)))
	}
	row("Total", stats.Total, fgColor)
	row("Successful", stats.Successful, successColor)
	row("Failed", stats.Failed, errorColor)
	row("Rejected", stats.Rejected, errorColor)
	row("Pending", stats.Pending, warningColor)

	if len(stats.ByType) > 0 {
		b.WriteString("\n  By type:\n")
		for _, k := range sortedKeys(stats.ByType) {
			fmt.Fprintf(&b, "    • %-20s %d\n", k, stats.ByType[k])
		}
	}
	if len(stats.RuleFrequency) > 0 {
		b.WriteString("\n  Rules that blocked or held intents:\n")
		for _, k := range sortedKeys(stats.RuleFrequency) {
			fmt.Fprintf(&b, "    • %-28s %d\n", k, stats.RuleFrequency[k])
		}
	}
	return b.String()
}

func renderWorkers(w *controlplane.Workers) string {
	var b strings.Builder
	b.WriteString("\n  Router and Engine\n")
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")

	if w == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	activeStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	fmt.Fprintf(&b, "  In flight: %s / %d\n", activeStyle.Render(strconv.Itoa(w.Router.InFlight)), w.Router.MaxInFlight)
	fmt.Fprintf(&b, "  Queued:    %d\n", w.Router.Queued)
	fmt.Fprintf(&b, "  Peak:      %d\n", w.Router.MaxObserved)
	fmt.Fprintf(&b, "  Completed: %d  Failed: %d\n", w.Router.Completed, w.Router.Failed)

	if w.Engine != nil {
		b.WriteString("\n  Execution engine:\n")
		fmt.Fprintf(&b, "    Applied: %d  Failed: %d  Skipped: %d\n", w.Engine.Applied, w.Engine.Failed, w.Engine.Skipped)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *App) fetchApprovals() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		items, err := a.client.ListApprovals()
		if err != nil {
			return errMsg{err}
		}
		return approvalsLoadedMsg{items}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		h, err := a.client.Health()
		if err != nil {
			return daemonStatusMsg{}
		}
		return daemonStatusMsg{health: h}
	}
}

func (a *App) fetchStats(days int) tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.AuditStats(days)
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		w, err := a.client.GetWorkers()
		if err != nil {
			return errMsg{err}
		}
		return workersFetchedMsg{w}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) approve(id string) tea.Cmd {
	a.mode = modeQueue
	return func() tea.Msg {
		report, err := a.client.Approve(id)
		if err != nil {
			return commandResultMsg{message: "Error: " + err.Error(), refresh: true}
		}
		return commandResultMsg{message: describeDecision("Approved", report), refresh: true}
	}
}

func (a *App) reject(id, reason string) tea.Cmd {
	a.mode = modeQueue
	return func() tea.Msg {
		report, err := a.client.Reject(id, reason)
		if err != nil {
			return commandResultMsg{message: "Error: " + err.Error(), refresh: true}
		}
		return commandResultMsg{message: describeDecision("Rejected", report), refresh: true}
	}
}

func describeDecision(verb string, r *bridge.IntentReport) string {
	msg := fmt.Sprintf("✓ %s %s", verb, r.Intent.Describe())
	switch {
	case r.Execution != nil && !r.Execution.Success:
		msg += " (execution failed: " + r.Execution.Error + ")"
	case r.Executed:
		msg += " (executed)"
	}
	return msg
}

func (a *App) executeCommand(input string) tea.Cmd {
	input = strings.TrimLeft(input, "/!")
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	rest := strings.TrimSpace(strings.TrimPrefix(input, cmd))

	switch cmd {
	case "approve":
		if item := a.selected(); item != nil {
			return a.approve(item.ID)
		}
		return resultCmd("No intent selected")

	case "reject":
		if item := a.selected(); item != nil {
			return a.reject(item.ID, rest)
		}
		return resultCmd("No intent selected")

	case "stats":
		days := defaultStatsDays
		if rest != "" {
			n, err := strconv.Atoi(rest)
			if err != nil || n < 1 {
				return resultCmd("Usage: stats <days>")
			}
			days = n
		}
		a.statsDays = days
		a.stats = nil
		a.mode = modeStats
		return a.fetchStats(days)

	case "workers":
		a.mode = modeWorkers
		return a.fetchWorkers()

	case "health":
		return func() tea.Msg {
			h, err := a.client.Health()
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{message: fmt.Sprintf("Daemon %s, database %s, %d rules", h.Status, h.Database, h.RuleCount)}
		}

	case "refresh":
		return a.fetchApprovals()

	case "chat":
		if rest == "" {
			return resultCmd("Usage: chat <message>")
		}
		return func() tea.Msg {
			report, err := a.client.Chat(rest, a.sessionID)
			if err != nil {
				return commandResultMsg{message: "Error: " + err.Error()}
			}
			return commandResultMsg{message: report.Summary, refresh: len(report.Pending) > 0}
		}

	case "q", "quit", "exit":
		return tea.Quit

	default:
		return resultCmd(fmt.Sprintf("Unknown: %s (try: chat, approve, reject, stats, workers)", cmd))
	}
}

func resultCmd(message string) tea.Cmd {
	return func() tea.Msg {
		return commandResultMsg{message: message}
	}
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "now"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

type commandResultMsg struct {
	message string
	refresh bool
}

type errMsg struct {
	err error
}

type approvalsLoadedMsg struct {
	items []ApprovalItem
}

type daemonStatusMsg struct {
	health *bridge.Health
}

type statsLoadedMsg struct {
	stats *audit.Stats
}

type workersFetchedMsg struct {
	workers *controlplane.Workers
}

type tickMsg time.Time
