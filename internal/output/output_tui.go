package output

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tkjaer/mtrng/internal/shared"
)

// TUIOutput is an mtr-like live hop table using Bubble Tea
type TUIOutput struct {
	mu       sync.Mutex
	program  *tea.Program
	model    *tuiModel
	updateCh chan *shared.Snapshot
	quitCh   chan struct{}
	quitOnce sync.Once
	resetCh  chan struct{}
	doneCh   chan struct{}
}

// tickMsg is sent periodically to refresh the elapsed time
type tickMsg time.Time

// snapshotMsg carries the latest session state into the model
type snapshotMsg struct {
	snap *shared.Snapshot
}

// tuiModel holds the Bubble Tea model state
type tuiModel struct {
	snap     *shared.Snapshot
	target   string
	finished bool

	// UI state
	width       int
	height      int
	scroll      int
	showDetails bool
	showAddrs   bool
	help        help.Model
	keys        keyMap

	updateCh chan *shared.Snapshot
	quit     func()
	reset    func()
	now      func() time.Time
}

// keyMap defines keyboard shortcuts
type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Details key.Binding
	Addrs   key.Binding
	Reset   key.Binding
	Quit    key.Binding
	Help    key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Details, k.Reset, k.Quit, k.Help}
}

// FullHelp returns keybindings for the expanded help view
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Details, k.Addrs, k.Reset},
		{k.Quit, k.Help},
	}
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "scroll up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "scroll down"),
	),
	Details: key.NewBinding(
		key.WithKeys("tab", "d"),
		key.WithHelp("tab", "toggle alternate paths"),
	),
	Addrs: key.NewBinding(
		key.WithKeys("h"),
		key.WithHelp("h", "toggle hostnames/addresses"),
	),
	Reset: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "reset statistics"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "toggle help"),
	),
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FBBF24"))

	hopStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	ipStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#60A5FA"))

	altStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	statsGoodStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399"))

	statsWarningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FBBF24"))

	statsBadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F87171"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262"))
)

type cellAlignment int

const (
	alignLeft cellAlignment = iota
	alignRight
)

func formatCell(value string, width int, alignment cellAlignment) string {
	if alignment == alignRight {
		return fmt.Sprintf("%*s", width, value)
	}
	return fmt.Sprintf("%-*s", width, value)
}

func truncateToWidth(value string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(value) <= width {
		return value
	}
	return lipgloss.NewStyle().Width(width).Render(value)
}

func lossStyle(pct float64) lipgloss.Style {
	switch {
	case pct > 25:
		return statsBadStyle
	case pct > 10:
		return statsWarningStyle
	default:
		return statsGoodStyle
	}
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline renders the newest n outcomes, scaled between the fastest and
// slowest received probe. Lost probes show as "?", pending ones as a space.
func sparkline(timeline []shared.Outcome, n int) string {
	if len(timeline) > n {
		timeline = timeline[len(timeline)-n:]
	}
	var lo, hi int64 = -1, 0
	for _, o := range timeline {
		if o.State != shared.OutcomeReceived {
			continue
		}
		if lo < 0 || o.RTT < lo {
			lo = o.RTT
		}
		hi = max(hi, o.RTT)
	}

	var b strings.Builder
	for _, o := range timeline {
		switch o.State {
		case shared.OutcomeReceived:
			level := 0
			if hi > lo {
				level = int((o.RTT - lo) * int64(len(sparkLevels)-1) / (hi - lo))
			}
			b.WriteRune(sparkLevels[level])
		case shared.OutcomeLost:
			b.WriteRune('?')
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func newTUIModel(target string, updateCh chan *shared.Snapshot, quit, reset func()) *tuiModel {
	return &tuiModel{
		target:   target,
		help:     help.New(),
		keys:     keys,
		updateCh: updateCh,
		quit:     quit,
		reset:    reset,
		now:      time.Now,
	}
}

// NewTUIOutput creates a new Bubble Tea TUI output
func NewTUIOutput(target string) *TUIOutput {
	t := &TUIOutput{
		updateCh: make(chan *shared.Snapshot, 1),
		quitCh:   make(chan struct{}),
		resetCh:  make(chan struct{}, 1),
	}
	t.model = newTUIModel(target, t.updateCh, t.signalQuit, t.requestReset)
	return t
}

// Start initializes and starts the Bubble Tea program
func (t *TUIOutput) Start() {
	doneCh := make(chan struct{})
	program := tea.NewProgram(t.model, tea.WithAltScreen())

	t.mu.Lock()
	t.program = program
	t.doneCh = doneCh
	t.mu.Unlock()

	go func() {
		defer func() {
			close(doneCh)
			if r := recover(); r != nil {
				slog.Error("TUI panic", "panic", r)
				program.Kill()
			}
		}()

		if _, err := program.Run(); err != nil {
			slog.Error("Error running TUI", "error", err)
		}
		// The program can also end without a key press, e.g. on SIGINT
		// delivered through the terminal.
		t.signalQuit()
	}()
}

// QuitChan is closed when the user quits the TUI
func (t *TUIOutput) QuitChan() <-chan struct{} {
	return t.quitCh
}

func (t *TUIOutput) signalQuit() {
	t.quitOnce.Do(func() { close(t.quitCh) })
}

// ResetChan receives a value when the user asks to reset the statistics.
// Presses made before the previous one was handled are merged.
func (t *TUIOutput) ResetChan() <-chan struct{} {
	return t.resetCh
}

func (t *TUIOutput) requestReset() {
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

// Update hands the newest snapshot to the UI, replacing one that was not
// rendered yet.
func (t *TUIOutput) Update(snap *shared.Snapshot) {
	select {
	case t.updateCh <- snap:
		return
	default:
	}
	select {
	case <-t.updateCh:
	default:
	}
	select {
	case t.updateCh <- snap:
	default:
	}
}

func (t *TUIOutput) CompleteRound(snap *shared.Snapshot) {
	t.Update(snap)
}

func (t *TUIOutput) Complete(snap *shared.Snapshot) {
	t.Update(snap)
}

// Close stops the program and restores the terminal
func (t *TUIOutput) Close() error {
	t.mu.Lock()
	program := t.program
	doneCh := t.doneCh
	t.program = nil
	t.doneCh = nil
	t.mu.Unlock()

	if program != nil {
		program.Quit()
		select {
		case <-doneCh:
		case <-time.After(500 * time.Millisecond):
			program.Kill()
			<-doneCh
		}
	}
	t.signalQuit()
	return nil
}

// Init is the initial I/O for Bubble Tea
func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForUpdate(m.updateCh),
	)
}

// Update handles messages and updates the model
func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quit()
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Details):
			m.showDetails = !m.showDetails
		case key.Matches(msg, m.keys.Addrs):
			m.showAddrs = !m.showAddrs
		case key.Matches(msg, m.keys.Reset):
			m.reset()
			m.scroll = 0
		case key.Matches(msg, m.keys.Up):
			m.scroll = max(m.scroll-1, 0)
		case key.Matches(msg, m.keys.Down):
			m.scroll++
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case snapshotMsg:
		if msg.snap != nil {
			m.snap = msg.snap
			m.finished = msg.snap.State == "stopped"
		}
		return m, waitForUpdate(m.updateCh)

	case tickMsg:
		return m, tickCmd()
	}

	return m, nil
}

// View renders the UI
func (m *tuiModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Width(m.width).Render(m.title()))
	b.WriteString("\n")

	helpView := m.help.View(m.keys)
	contentHeight := m.height - 4 - lipgloss.Height(helpView)
	b.WriteString(m.renderHops(contentHeight))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(helpView))

	return b.String()
}

func (m *tuiModel) title() string {
	if m.snap == nil {
		return fmt.Sprintf(" mtrng to %s | waiting for first response ", m.target)
	}
	status := fmt.Sprintf("Round: %d", m.snap.Round)
	if m.finished {
		status += " (finished)"
	}
	elapsed := m.now().Sub(m.snap.Start)
	if m.finished || m.snap.Start.IsZero() {
		elapsed = m.snap.Timestamp.Sub(m.snap.Start)
	}
	return fmt.Sprintf(" mtrng to %s (%s)%s | %s | Path: %s | Elapsed: %s ",
		m.snap.Target, m.snap.TargetAddr, via(m.snap), status, m.snap.PathHash, elapsed.Round(time.Second))
}

// via describes the local route, empty when it is unknown.
func via(s *shared.Snapshot) string {
	switch {
	case s.Gateway != "" && s.Interface != "":
		return fmt.Sprintf(" | Via: %s (%s)", s.Gateway, s.Interface)
	case s.Gateway != "":
		return " | Via: " + s.Gateway
	case s.Interface != "":
		return " | Via: " + s.Interface
	}
	return ""
}

const historyWidth = 20

// renderHops renders the hop table
func (m *tuiModel) renderHops(maxHeight int) string {
	var b strings.Builder

	contentWidth := max(m.width-4, 20)
	fixedColumns := 75 + historyWidth
	hostWidth := max(contentWidth-fixedColumns, 16)

	headerFmt := fmt.Sprintf("%%-%ds %%-%ds %%7s %%5s %%7s %%7s %%7s %%6s %%7s %%7s %%6s  %%s", 4, hostWidth)
	header := fmt.Sprintf(headerFmt,
		"Hop", "Host", "Loss%", "Snt", "Last", "Avg", "EMA", "Jttr", "Best", "Wrst", "StDev", "History")
	b.WriteString(headerStyle.Render(truncateToWidth(header, contentWidth)))
	b.WriteString("\n")

	var body []string
	if m.snap != nil {
		for i := range m.snap.VisibleHops() {
			h := &m.snap.Hops[i]
			body = append(body, m.hopLine(h, hostWidth, contentWidth))
			if m.showDetails {
				for _, alt := range h.Alternates {
					body = append(body, m.altLine(alt, hostWidth, contentWidth))
				}
			}
		}
	}

	visible := max(maxHeight-3, 0)
	maxScroll := 0
	if visible > 0 && len(body) > visible {
		maxScroll = len(body) - visible
	}
	m.scroll = min(m.scroll, maxScroll)
	start := min(m.scroll, len(body))
	end := min(start+visible, len(body))
	for _, line := range body[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	return borderStyle.Width(m.width - 2).Render(b.String())
}

func (m *tuiModel) hopLine(h *shared.HopSnapshot, hostWidth, contentWidth int) string {
	rtt := func(us int64, ok bool) string {
		if !ok {
			return "-"
		}
		return millis(us)
	}
	hasRTT := h.HasRTT
	hasJitter := h.HasRTT && h.Received > 1

	host := h.Label()
	if h.Addr != "" {
		host = m.hostLabel(h.Addr, h.Hostname)
	}
	if h.ICMPError {
		host += " !"
	}
	if len(host) > hostWidth {
		host = host[:hostWidth-3] + "..."
	}

	cells := []string{
		formatCell(fmt.Sprintf("%d.", h.Hop), 4, alignLeft),
		formatCell(host, hostWidth, alignLeft),
		formatCell(fmt.Sprintf("%.1f%%", h.LossPct), 7, alignRight),
		formatCell(fmt.Sprintf("%d", h.Sent), 5, alignRight),
		formatCell(rtt(h.Last, hasRTT), 7, alignRight),
		formatCell(rtt(h.Avg, hasRTT), 7, alignRight),
		formatCell(rtt(h.EMA, hasRTT), 7, alignRight),
		formatCell(rtt(h.Jitter, hasJitter), 6, alignRight),
		formatCell(rtt(h.Best, hasRTT), 7, alignRight),
		formatCell(rtt(h.Worst, hasRTT), 7, alignRight),
		formatCell(rtt(h.StdDev, hasRTT), 6, alignRight),
		" " + sparkline(h.Timeline, historyWidth),
	}
	if h.Addr != "" {
		cells[1] = ipStyle.Render(cells[1])
	} else {
		cells[1] = ipStyle.Foreground(lipgloss.Color("#6B7280")).Render(cells[1])
	}
	cells[2] = lossStyle(h.LossPct).Render(cells[2])

	line := strings.Join(cells, " ")
	return hopStyle.Render(truncateToWidth(line, contentWidth))
}

// hostLabel shows "name (addr)", or only the address when names are unknown
// or toggled off.
func (m *tuiModel) hostLabel(addr, hostname string) string {
	if m.showAddrs || hostname == "" {
		return addr
	}
	return fmt.Sprintf("%s (%s)", hostname, addr)
}

func (m *tuiModel) altLine(alt shared.AlternateSnapshot, hostWidth, contentWidth int) string {
	value := "↳ " + m.hostLabel(alt.Addr, alt.Hostname)
	if len(value) > hostWidth {
		value = value[:hostWidth-3] + "..."
	}
	cells := []string{
		formatCell("", 4, alignLeft),
		formatCell(value, hostWidth, alignLeft),
		formatCell(fmt.Sprintf("%.0f%%", alt.Pct), 7, alignRight),
		formatCell(fmt.Sprintf("%d", alt.Frequency), 5, alignRight),
		formatCell(millis(alt.LastRTT), 7, alignRight),
	}
	return altStyle.Render(truncateToWidth(strings.Join(cells, " "), contentWidth))
}

// waitForUpdate waits for the next snapshot
func waitForUpdate(updateCh chan *shared.Snapshot) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{snap: <-updateCh}
	}
}

// tickCmd returns a command that sends a tick message periodically
func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
