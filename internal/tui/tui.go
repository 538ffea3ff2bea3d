// Package tui provides a Bubble Tea TUI for inspecting the client's local
// state: identity, session, queues and experiment assignments.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/pulse/internal/bucketing"
	"github.com/fakeyudi/pulse/internal/experiment"
	"github.com/fakeyudi/pulse/internal/identity"
)

// ── Styles ────────────

var (
	// Title bar at the very top
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	variantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	// Selected row in the Experiments list
	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabSummary tabID = iota
	tabEnvironment
	tabExperiments
	tabAssignments
	tabCount
)

var tabNames = [tabCount]string{
	"Summary", "Environment", "Experiments", "Assignments",
}

// Snapshot is the state shown by the inspector.
type Snapshot struct {
	Endpoint     string
	Storage      string
	VisitorID    string
	SessionID    string
	UserID       string
	LastActivity time.Time
	Env          identity.Environment

	QueueSize  int
	RetrySize  int
	Dropped    int
	Recording  string
	ChunkIndex int
	Buffered   int

	Experiments []experiment.Experiment
	Assignments map[string]experiment.Assignment
}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	snap      Snapshot
	activeTab tabID
	viewports [tabCount]viewport.Model
	width     int
	height    int
	ready     bool
	sortAsc   bool
	// Experiments tab: cursor position and expanded set
	expCursor   int
	expandedExp map[int]bool
}

// New creates a new TUI model for the given snapshot.
func New(s Snapshot) Model {
	return Model{snap: s, expandedExp: make(map[int]bool)}
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4":
			m.activeTab = tabID(msg.String()[0] - '1')
		case "s":
			if m.activeTab == tabAssignments {
				m.sortAsc = !m.sortAsc
				m.rebuild(tabAssignments)
				m.viewports[tabAssignments].GotoTop()
			}
		case "up", "k":
			if m.activeTab == tabExperiments && m.expCursor > 0 {
				m.expCursor--
				m.rebuild(tabExperiments)
				return m, nil
			}
		case "down", "j":
			if m.activeTab == tabExperiments && m.expCursor < len(m.snap.Experiments)-1 {
				m.expCursor++
				m.rebuild(tabExperiments)
				return m, nil
			}
		case "enter", " ":
			if m.activeTab == tabExperiments && len(m.snap.Experiments) > 0 {
				if m.expandedExp[m.expCursor] {
					delete(m.expandedExp, m.expCursor)
				} else {
					m.expandedExp[m.expCursor] = true
				}
				m.rebuild(tabExperiments)
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.initViewports()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render("  pulse  " + m.snap.Endpoint)

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	content := m.viewports[m.activeTab].View()

	hint := "  ←/→ tab  ↑/↓ scroll  1-4 jump  q quit"
	switch m.activeTab {
	case tabAssignments:
		dir := "newest first"
		if m.sortAsc {
			dir = "oldest first"
		}
		hint += "  s sort (" + dir + ")"
	case tabExperiments:
		hint += "  enter expand/collapse"
	}
	pct := fmt.Sprintf("%3.0f%%", m.viewports[m.activeTab].ScrollPercent()*100)
	pad := m.width - lipgloss.Width(hint) - len(pct) - 2
	if pad < 1 {
		pad = 1
	}
	statusBar := statusBarStyle.Width(m.width).Render(
		hint + strings.Repeat(" ", pad) + pct,
	)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, content, statusBar)
}

// ── Viewport management ───────────────────────────────────────────────────────

func (m *Model) initViewports() {
	// title(1) + tabRow(1) + statusBar(1) = 3 fixed rows
	vpHeight := m.height - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Model) rebuild(t tabID) {
	m.viewports[t].SetContent(m.renderTab(t))
}

// ── Tab renderers ─────────────────────────────────────────────────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabEnvironment:
		return m.renderEnvironment()
	case tabExperiments:
		return m.renderExperiments()
	case tabAssignments:
		return m.renderAssignments()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func row(sb *strings.Builder, label, value string) {
	if value == "" {
		value = dimStyle.Render("(none)")
	}
	sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-16s", label)) + "  " + value + "\n")
}

func (m *Model) renderSummary() string {
	s := m.snap
	var sb strings.Builder
	sb.WriteString(heading("Identity"))
	row(&sb, "Visitor:", s.VisitorID)
	row(&sb, "Session:", s.SessionID)
	row(&sb, "User:", s.UserID)
	if !s.LastActivity.IsZero() {
		row(&sb, "Last activity:", s.LastActivity.Format("2006-01-02 15:04:05 MST"))
	}
	row(&sb, "Storage:", s.Storage)

	sb.WriteString(heading("Event Queue"))
	row(&sb, "Queued:", fmt.Sprintf("%d", s.QueueSize))
	row(&sb, "Awaiting retry:", fmt.Sprintf("%d", s.RetrySize))
	row(&sb, "Dropped:", fmt.Sprintf("%d", s.Dropped))

	sb.WriteString(heading("Recording"))
	row(&sb, "State:", s.Recording)
	row(&sb, "Next chunk:", fmt.Sprintf("%d", s.ChunkIndex))
	row(&sb, "Buffered:", fmt.Sprintf("%d", s.Buffered))
	return sb.String()
}

func (m *Model) renderEnvironment() string {
	e := m.snap.Env
	var sb strings.Builder
	sb.WriteString(heading("Environment"))
	row(&sb, "User agent:", e.UserAgent)
	row(&sb, "Device:", experiment.DeviceType(e.UserAgent))
	row(&sb, "Language:", e.Language)
	row(&sb, "Page:", e.PageURL)
	row(&sb, "Referrer:", e.Referrer)
	row(&sb, "Screen:", size(e.ScreenWidth, e.ScreenHeight))
	row(&sb, "Viewport:", size(e.ViewportWidth, e.ViewportHeight))
	return sb.String()
}

func size(w, h int) string {
	if w == 0 && h == 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func (m *Model) renderExperiments() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Experiments (%d)", len(m.snap.Experiments))))
	if len(m.snap.Experiments) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for i, exp := range m.snap.Experiments {
		status := exp.Status
		if status == "" {
			status = "running"
		}
		badge := pausedStyle.Render(fmt.Sprintf("%-9s", status))
		if status == "running" || status == "active" {
			badge = runningStyle.Render(fmt.Sprintf("%-9s", status))
		}

		toggle := dimStyle.Render("  ▶ ")
		if m.expandedExp[i] {
			toggle = dimStyle.Render("  ▼ ")
		}
		bucket := dimStyle.Render(fmt.Sprintf("bucket %2d", bucketing.Bucket(exp.Key, m.snap.VisitorID)))
		assigned := ""
		if a, ok := m.snap.Assignments[exp.Key]; ok {
			assigned = "  " + variantStyle.Render("→ "+a.VariationKey)
		}

		line := fmt.Sprintf("%s%s  %s  %s%s", toggle, badge, bucket, exp.Key, assigned)
		if i == m.expCursor {
			line = selectedRowStyle.Width(m.width - 2).Render(line)
		}
		sb.WriteString(line + "\n")

		if m.expandedExp[i] {
			sb.WriteString(renderVariations(exp))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderVariations(exp experiment.Experiment) string {
	var sb strings.Builder
	if exp.Name != "" {
		sb.WriteString(dimStyle.Render("        "+exp.Name) + "\n")
	}
	if len(exp.Variations) == 0 {
		sb.WriteString(dimStyle.Render("        (no variations)") + "\n")
	}
	for _, v := range exp.Variations {
		sb.WriteString("        " + variantStyle.Render(v.Key))
		if v.Name != "" {
			sb.WriteString("  " + v.Name)
		}
		if len(v.Configuration) > 0 {
			sb.WriteString("  " + dimStyle.Render(configString(v.Configuration)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// configString renders a variation configuration with sorted keys.
func configString(cfg map[string]any) string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, cfg[k])
	}
	return strings.Join(parts, " ")
}

type assignmentRow struct {
	key string
	a   experiment.Assignment
}

func (m *Model) renderAssignments() string {
	var sb strings.Builder
	dir := "newest first"
	if m.sortAsc {
		dir = "oldest first"
	}
	sb.WriteString(heading(fmt.Sprintf("Assignments (%d, %s)", len(m.snap.Assignments), dir)))
	if len(m.snap.Assignments) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}

	for _, r := range sortedAssignments(m.snap.Assignments, m.sortAsc) {
		ts := timeStyle.Render(time.UnixMilli(r.a.AssignedAt).Format("2006-01-02 15:04:05"))
		line := fmt.Sprintf("  %s  %s  %s", ts, r.key, variantStyle.Render(r.a.VariationKey))
		if r.a.AssignmentID != "" {
			line += "  " + dimStyle.Render(r.a.AssignmentID)
		}
		sb.WriteString(line + "\n\n")
	}
	return sb.String()
}

// sortedAssignments orders assignments by time, breaking ties by key.
func sortedAssignments(m map[string]experiment.Assignment, asc bool) []assignmentRow {
	rows := make([]assignmentRow, 0, len(m))
	for k, a := range m {
		rows = append(rows, assignmentRow{key: k, a: a})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].a.AssignedAt != rows[j].a.AssignedAt {
			if asc {
				return rows[i].a.AssignedAt < rows[j].a.AssignedAt
			}
			return rows[i].a.AssignedAt > rows[j].a.AssignedAt
		}
		return rows[i].key < rows[j].key
	})
	return rows
}

// Run starts the TUI for the given snapshot.
func Run(s Snapshot) error {
	p := tea.NewProgram(New(s), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
