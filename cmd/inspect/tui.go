// Package main – watch subcommand: live manifest view rendered with bubbletea + lipgloss.
package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"

	"github.com/i-melnichenko/checkpoint-lab/internal/checkpoint"
)

const watchRefreshInterval = 500 * time.Millisecond

// ---- Data types -------------------------------------------------------------

type itemRow struct {
	key      string
	rank     int
	size     int64
	path     string
	encoding string
}

// ---- Bubbletea messages -----------------------------------------------------

type tickMsg time.Time

type manifestMsg struct {
	meta *checkpoint.Metadata
	rows []itemRow
	err  error
	ts   time.Time
}

// ---- Lipgloss styles --------------------------------------------------------

type uiStyles struct {
	appHeader   lipgloss.Style
	tsStyle     lipgloss.Style
	summary     lipgloss.Style
	waiting     lipgloss.Style
	errText     lipgloss.Style
	tableHeader lipgloss.Style
	keyNorm     lipgloss.Style
	keySelected lipgloss.Style
	rankVal     lipgloss.Style
	sizeVal     lipgloss.Style
	pathVal     lipgloss.Style
	footer      lipgloss.Style
}

var styles = buildStyles()

func buildStyles() uiStyles {
	return uiStyles{
		appHeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tsStyle:     lipgloss.NewStyle().Faint(true),
		summary:     lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		waiting:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		errText:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		tableHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
		keyNorm:     lipgloss.NewStyle(),
		keySelected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		rankVal:     lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		sizeVal:     lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		pathVal:     lipgloss.NewStyle().Faint(true),
		footer:      lipgloss.NewStyle().Faint(true),
	}
}

// ---- Model ------------------------------------------------------------------

type watchModel struct {
	dir string

	meta *checkpoint.Metadata
	rows []itemRow
	err  error
	ts   time.Time

	width     int
	height    int
	cursor    int
	scrollOff int
}

func newWatchModel(dir string) watchModel {
	return watchModel{dir: dir, width: 120, height: 40}
}

func (m watchModel) Init() tea.Cmd {
	// Only fire the initial read. manifestMsg schedules the first tick,
	// which fires the next read — one read in flight at a time.
	return m.readCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, m.readCmd()

	case manifestMsg:
		m.meta = msg.meta
		m.rows = msg.rows
		m.err = msg.err
		m.ts = msg.ts
		if m.cursor >= len(m.rows) {
			m.cursor = maxInt(0, len(m.rows)-1)
		}
		m.clampScroll()
		tickFn := func(t time.Time) tea.Msg { return tickMsg(t) }
		return m, tea.Tick(watchRefreshInterval, tickFn)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	contentWidth := m.width - 2
	if contentWidth <= 0 {
		contentWidth = 80
	}

	var b strings.Builder

	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("Checkpoint " + m.dir))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")

	b.WriteString(m.renderSummary())
	b.WriteString("\n\n")

	b.WriteString(m.renderHeader(contentWidth))
	b.WriteString("\n")

	visRows := m.visibleRowCount()
	start := m.scrollOff
	end := minInt(start+visRows, len(m.rows))
	for i := start; i < end; i++ {
		b.WriteString(m.renderRow(m.rows[i], i == m.cursor, contentWidth))
		b.WriteString("\n")
	}

	b.WriteString("\n  ")
	b.WriteString(styles.footer.Render("j/k scroll · q to exit"))

	// Pad to terminal height so a shrinking frame overwrites old lines.
	out := b.String()
	if m.height > 0 {
		lines := strings.Split(out, "\n")
		for len(lines) < m.height {
			lines = append(lines, "")
		}
		return strings.Join(lines, "\n")
	}
	return out
}

func (m watchModel) renderSummary() string {
	if m.err != nil {
		return "  " + styles.waiting.Render("waiting for manifest") + " " + styles.errText.Render(shorten(m.err.Error(), 60))
	}
	if m.meta == nil {
		return "  " + styles.waiting.Render("waiting for manifest")
	}
	var totalBytes int64
	for _, r := range m.rows {
		totalBytes += r.size
	}
	return "  " + styles.summary.Render(fmt.Sprintf(
		"run %s · %d items · %d bytes · created %s",
		shorten(m.meta.RunID, 13), len(m.rows), totalBytes, m.meta.CreatedAt.Format("15:04:05"),
	))
}

func (m watchModel) renderHeader(contentWidth int) string {
	keyWidth := m.keyColumnWidth(contentWidth)
	line := fmt.Sprintf("  %-*s %4s %10s %5s %s", keyWidth, "KEY", "RANK", "BYTES", "ENC", "FILE")
	return styles.tableHeader.Render(padRight(line, contentWidth))
}

func (m watchModel) renderRow(r itemRow, selected bool, contentWidth int) string {
	keyWidth := m.keyColumnWidth(contentWidth)
	keyStyle := styles.keyNorm
	prefix := "  "
	if selected {
		keyStyle = styles.keySelected
		prefix = "> "
	}
	return prefix +
		keyStyle.Render(padRight(shorten(r.key, keyWidth), keyWidth)) + " " +
		styles.rankVal.Render(fmt.Sprintf("%4d", r.rank)) + " " +
		styles.sizeVal.Render(fmt.Sprintf("%10d", r.size)) + " " +
		fmt.Sprintf("%5s", r.encoding) + " " +
		styles.pathVal.Render(r.path)
}

func (m watchModel) keyColumnWidth(contentWidth int) int {
	return clampInt(contentWidth-40, 16, 56)
}

func (m *watchModel) moveCursor(delta int) {
	if len(m.rows) == 0 {
		return
	}
	m.cursor = clampInt(m.cursor+delta, 0, len(m.rows)-1)
	m.clampScroll()
}

func (m *watchModel) clampScroll() {
	visRows := m.visibleRowCount()
	if m.cursor < m.scrollOff {
		m.scrollOff = m.cursor
	} else if m.cursor >= m.scrollOff+visRows {
		m.scrollOff = m.cursor - visRows + 1
	}
	if m.scrollOff < 0 {
		m.scrollOff = 0
	}
}

func (m watchModel) visibleRowCount() int {
	// Overhead: title(1)+summary(1)+blank(1)+header(1)+blank(1)+footer(1) = 6
	return maxInt(2, m.height-7)
}

func (m watchModel) readCmd() tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		meta, err := checkpoint.ReadMetadata(dir)
		if err != nil {
			return manifestMsg{err: err, ts: time.Now()}
		}
		return manifestMsg{meta: meta, rows: manifestRows(meta), ts: time.Now()}
	}
}

func manifestRows(meta *checkpoint.Metadata) []itemRow {
	rows := make([]itemRow, 0, len(meta.Index))
	for key, entry := range meta.Index {
		row := itemRow{key: key, rank: entry.Rank, size: entry.SizeInBytes}
		if len(entry.StorageData) > 0 {
			var loc checkpoint.FileLocation
			if err := json.Unmarshal(entry.StorageData, &loc); err == nil {
				row.path = loc.Path
				row.encoding = loc.Encoding
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	return rows
}

func cmdWatch(dir string) error {
	p := tea.NewProgram(newWatchModel(dir), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// ---- Small helpers ----------------------------------------------------------

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
