// Package ui provides a terminal UI for monitoring vigil runs.
// Uses Bubbletea for interactive display of work items and completion events.
package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/vigil/internal/hooks"
	"github.com/marcus/vigil/internal/notify"
	"github.com/marcus/vigil/internal/workitem"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelSummary Panel = iota
	PanelItems
	PanelEvents
)

const panelCount = 3

// Item is one row in the work item list.
type Item struct {
	ID       string
	Name     string
	Kind     workitem.Kind
	Status   workitem.Status
	Reason   string
	Duration time.Duration
	Started  time.Time
}

// LogEntry represents an event line.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// RunningFunc reports the ids currently executing.
type RunningFunc func() []string

// QueuedMsg adds items to the list as pending.
type QueuedMsg []Item

// DoneMsg marks the run as finished.
type DoneMsg struct {
	Err error
}

// Model holds the TUI state.
type Model struct {
	width       int
	height      int
	activePanel Panel
	quitting    bool

	title    string
	started  time.Time
	finished time.Time
	runErr   error
	autoQuit bool
	running  RunningFunc

	items        []Item
	index        map[string]int
	itemScroll   int
	selectedItem int

	logs      []LogEntry
	logScroll int

	spin spinner.Model

	styles *Styles
}

// Styles holds lipgloss styles for the UI.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	ItemSelected lipgloss.Style

	LogDebug lipgloss.Style
	LogInfo  lipgloss.Style
	LogWarn  lipgloss.Style
	LogError lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// NewStyles creates the default style set.
func NewStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label:     lipgloss.NewStyle().Foreground(subtle),
		Value:     lipgloss.NewStyle().Bold(true),
		Highlight: lipgloss.NewStyle().Foreground(highlight).Bold(true),
		Muted:     lipgloss.NewStyle().Foreground(subtle),

		StatusOK:      lipgloss.NewStyle().Foreground(green).Bold(true),
		StatusWarn:    lipgloss.NewStyle().Foreground(yellow).Bold(true),
		StatusError:   lipgloss.NewStyle().Foreground(red).Bold(true),
		StatusRunning: lipgloss.NewStyle().Foreground(blue).Bold(true),

		ItemSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		LogDebug: lipgloss.NewStyle().Foreground(subtle),
		LogInfo:  lipgloss.NewStyle().Foreground(blue),
		LogWarn:  lipgloss.NewStyle().Foreground(yellow),
		LogError: lipgloss.NewStyle().Foreground(red),

		HelpKey:  lipgloss.NewStyle().Foreground(highlight).Bold(true),
		HelpText: lipgloss.NewStyle().Foreground(subtle),
	}
}

// StatusStyle picks the style for a lifecycle status.
func (s *Styles) StatusStyle(st workitem.Status) lipgloss.Style {
	switch st {
	case workitem.StatusCompleted:
		return s.StatusOK
	case workitem.StatusRunning:
		return s.StatusRunning
	case workitem.StatusCancelled:
		return s.StatusWarn
	case workitem.StatusFailed, workitem.StatusTimedOut:
		return s.StatusError
	}
	return s.Muted
}

// tickMsg is sent periodically to update the UI.
type tickMsg time.Time

// Option configures a Model.
type Option func(*Model)

// WithRunning polls fn on every tick to mark items as running.
func WithRunning(fn RunningFunc) Option {
	return func(m *Model) {
		m.running = fn
	}
}

// WithAutoQuit exits as soon as DoneMsg arrives.
func WithAutoQuit() Option {
	return func(m *Model) {
		m.autoQuit = true
	}
}

// New creates a new TUI model.
func New(title string, opts ...Option) *Model {
	m := &Model{
		width:       80,
		height:      24,
		activePanel: PanelItems,
		title:       title,
		started:     time.Now(),
		index:       make(map[string]int),
		styles:      NewStyles(),
		spin:        spinner.New(spinner.WithSpinner(spinner.MiniDot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spin.Tick)
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.pollRunning()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case QueuedMsg:
		for _, it := range msg {
			m.upsert(it)
		}
		return m, nil

	case notify.Event:
		m.applyNotify(msg)
		return m, nil

	case hooks.Event:
		m.applyHook(msg)
		return m, nil

	case DoneMsg:
		m.finished = time.Now()
		m.runErr = msg.Err
		if msg.Err != nil {
			m.addLog("error", msg.Err.Error())
		} else {
			m.addLog("info", "run finished")
		}
		if m.autoQuit {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

func (m *Model) upsert(it Item) {
	if it.Status == "" {
		it.Status = workitem.StatusPending
	}
	if i, ok := m.index[it.ID]; ok {
		cur := &m.items[i]
		if it.Name != "" {
			cur.Name = it.Name
		}
		cur.Status = it.Status
		cur.Reason = it.Reason
		if it.Duration > 0 {
			cur.Duration = it.Duration
		}
		if !it.Started.IsZero() {
			cur.Started = it.Started
		}
		return
	}
	m.index[it.ID] = len(m.items)
	m.items = append(m.items, it)
}

func (m *Model) pollRunning() {
	if m.running == nil {
		return
	}
	for _, id := range m.running() {
		i, ok := m.index[id]
		if !ok {
			m.upsert(Item{ID: id, Name: id, Status: workitem.StatusRunning, Started: time.Now()})
			continue
		}
		if m.items[i].Status == workitem.StatusPending {
			m.items[i].Status = workitem.StatusRunning
			m.items[i].Started = time.Now()
		}
	}
}

func (m *Model) applyNotify(e notify.Event) {
	m.upsert(Item{
		ID:       e.ID,
		Name:     e.Name,
		Kind:     e.Kind,
		Status:   e.Status,
		Reason:   e.Reason,
		Duration: e.Duration,
	})
	level := "info"
	switch {
	case e.Status == workitem.StatusCancelled:
		level = "warn"
	case !e.Status.IsSuccess():
		level = "error"
	}
	m.addLog(level, e.Summary)
}

func (m *Model) applyHook(e hooks.Event) {
	switch e.Type {
	case hooks.EventRunStart:
		m.addLog("info", fmt.Sprintf("hooks %s started", hookLabel(e)))
	case hooks.EventTierStart:
		m.addLog("debug", fmt.Sprintf("tier %s started", e.Tier))
	case hooks.EventTierSkipped:
		m.addLog("warn", fmt.Sprintf("tier %s skipped after %d failure(s)", e.Tier, e.Failed))
	case hooks.EventRunEnd:
		level := "info"
		if e.Failed > 0 {
			level = "error"
		}
		m.addLog(level, fmt.Sprintf("hooks %s finished: %d failed", hookLabel(e), e.Failed))
	}
}

func hookLabel(e hooks.Event) string {
	if e.Subject == "" {
		return e.Event
	}
	return e.Event + ":" + e.Subject
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % panelCount
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + panelCount - 1) % panelCount
		return m, nil

	case "up", "k":
		return m.scroll(-1), nil

	case "down", "j":
		return m.scroll(1), nil

	case "home", "g":
		return m.scroll(-len(m.items) - len(m.logs)), nil

	case "end", "G":
		return m.scroll(len(m.items) + len(m.logs)), nil
	}

	return m, nil
}

func (m Model) scroll(delta int) Model {
	switch m.activePanel {
	case PanelItems:
		m.selectedItem = clamp(m.selectedItem+delta, 0, len(m.items)-1)
	case PanelEvents:
		m.logScroll = clamp(m.logScroll+delta, 0, len(m.logs)-1)
	}
	return m
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Counts tallies items by status.
func (m Model) Counts() map[workitem.Status]int {
	out := make(map[workitem.Status]int)
	for _, it := range m.items {
		out[it.Status]++
	}
	return out
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 3
	rightWidth := m.width - leftWidth

	summary := m.renderSummary(leftWidth-2, topHeight-2)
	items := m.renderItems(rightWidth-2, topHeight-2)
	events := m.renderEvents(m.width-2, bottomHeight-2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.border(PanelSummary).Width(leftWidth-2).Height(topHeight-2).Render(summary),
		m.border(PanelItems).Width(rightWidth-2).Height(topHeight-2).Render(items),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		m.border(PanelEvents).Width(m.width-2).Height(bottomHeight-2).Render(events),
		m.renderHelpBar(),
	)
}

func (m Model) border(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) renderSummary(width, _ int) string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	b.WriteString("\n\n")

	end := time.Now()
	state := m.styles.StatusRunning.Render("running")
	if !m.finished.IsZero() {
		end = m.finished
		state = m.styles.StatusOK.Render("finished")
		if m.runErr != nil {
			state = m.styles.StatusError.Render("failed")
		}
	}
	b.WriteString(m.styles.Label.Render("State:   "))
	b.WriteString(state)
	b.WriteString("\n")
	b.WriteString(m.styles.Label.Render("Elapsed: "))
	b.WriteString(m.styles.Value.Render(FormatDuration(end.Sub(m.started))))
	b.WriteString("\n\n")

	counts := m.Counts()
	statuses := []workitem.Status{
		workitem.StatusPending, workitem.StatusRunning, workitem.StatusCompleted,
		workitem.StatusFailed, workitem.StatusTimedOut, workitem.StatusCancelled,
	}
	for _, st := range statuses {
		b.WriteString(m.styles.Label.Render(fmt.Sprintf("%-10s", st)))
		b.WriteString(m.styles.StatusStyle(st).Render(fmt.Sprintf("%d", counts[st])))
		b.WriteString("\n")
	}

	terminal := 0
	for _, st := range statuses[2:] {
		terminal += counts[st]
	}
	pct := 0
	if len(m.items) > 0 {
		pct = terminal * 100 / len(m.items)
	}
	b.WriteString("\n")
	b.WriteString(m.renderProgressBar(pct, width-4))
	return b.String()
}

func (m Model) renderProgressBar(pct, width int) string {
	if width < 10 {
		width = 10
	}
	filled := width * pct / 100
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("=", filled) + strings.Repeat("-", width-filled)
	return "[" + m.styles.StatusOK.Render(bar) + "]"
}

func (m Model) renderItems(width, height int) string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Work items"))
	b.WriteString("\n\n")

	if len(m.items) == 0 {
		b.WriteString(m.styles.Muted.Render("Nothing submitted"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	scroll := m.itemScroll
	if m.selectedItem < scroll {
		scroll = m.selectedItem
	} else if m.selectedItem >= scroll+visible {
		scroll = m.selectedItem - visible + 1
	}

	for i := scroll; i < len(m.items) && i < scroll+visible; i++ {
		it := m.items[i]
		style := m.styles.StatusStyle(it.Status)

		var icon string
		switch it.Status {
		case workitem.StatusPending:
			icon = "o"
		case workitem.StatusRunning:
			icon = m.spin.View()
		case workitem.StatusCompleted:
			icon = "*"
		case workitem.StatusCancelled:
			icon = "-"
		default:
			icon = "x"
		}

		line := fmt.Sprintf(" %s %s", style.Render(icon), truncate(it.Name, width-24))
		if i == m.selectedItem && m.activePanel == PanelItems {
			line = m.styles.ItemSelected.Render(line)
		}

		switch {
		case it.Status == workitem.StatusRunning && !it.Started.IsZero():
			line += m.styles.Muted.Render(" " + FormatDuration(time.Since(it.Started)))
		case it.Status.IsTerminal():
			detail := " " + FormatDuration(it.Duration)
			if it.Reason != "" {
				detail += " " + it.Reason
			}
			line += m.styles.Muted.Render(detail)
		}

		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.items) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.selectedItem+1, len(m.items))))
	}
	return b.String()
}

func (m Model) renderEvents(width, height int) string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render("Events"))
	b.WriteString("\n\n")

	if len(m.logs) == 0 {
		b.WriteString(m.styles.Muted.Render("No events yet"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	start := m.logScroll
	if start+visible > len(m.logs) {
		start = len(m.logs) - visible
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.logs) && i < start+visible; i++ {
		entry := m.logs[i]
		var levelStyle lipgloss.Style
		switch entry.Level {
		case "debug":
			levelStyle = m.styles.LogDebug
		case "info":
			levelStyle = m.styles.LogInfo
		case "warn":
			levelStyle = m.styles.LogWarn
		case "error":
			levelStyle = m.styles.LogError
		default:
			levelStyle = m.styles.Muted
		}
		fmt.Fprintf(&b, "%s %s %s\n",
			m.styles.Muted.Render(entry.Time.Format("15:04:05")),
			levelStyle.Render(fmt.Sprintf("[%-5s]", entry.Level)),
			truncate(entry.Message, width-20),
		)
	}
	return b.String()
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}
	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}
	return "  " + strings.Join(parts, "  |  ")
}

func (m *Model) addLog(level, message string) {
	m.logs = append(m.logs, LogEntry{Time: time.Now(), Level: level, Message: message})
	// follow the tail unless the user scrolled up
	if m.logScroll >= len(m.logs)-2 {
		m.logScroll = len(m.logs) - 1
	}
}

// Items returns a copy of the rows sorted by id.
func (m Model) Items() []Item {
	out := append([]Item(nil), m.items...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// FormatDuration formats a duration in a compact human-readable way.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

// Program wraps a running bubbletea program.
type Program struct {
	p    *tea.Program
	done chan error
}

// Start runs the model in the alternate screen on a background goroutine.
func Start(m *Model, opts ...tea.ProgramOption) *Program {
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)
	p := &Program{p: tea.NewProgram(m, opts...), done: make(chan error, 1)}
	go func() {
		_, err := p.p.Run()
		p.done <- err
	}()
	return p
}

// Send delivers a message to the model.
func (p *Program) Send(msg tea.Msg) { p.p.Send(msg) }

// Notifier returns a notify.Notifier that forwards completion events.
func (p *Program) Notifier() notify.Notifier {
	return notify.NotifierFunc(func(e notify.Event) { p.p.Send(e) })
}

// HookHandler returns a hooks.EventHandler that forwards hook progress.
func (p *Program) HookHandler() hooks.EventHandler {
	return func(e hooks.Event) { p.p.Send(e) }
}

// Wait blocks until the program exits.
func (p *Program) Wait() error { return <-p.done }

// Quit asks the program to exit.
func (p *Program) Quit() { p.p.Quit() }
