// Package tui renders a live monitor over the run-history database. It
// observes only: the migration itself runs in another process.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/relstage/relstage/internal/checkpoint"
)

// TickMsg drives the periodic reload of run state.
type TickMsg time.Time

// snapshot is one reload of the history database.
type snapshot struct {
	run    *checkpoint.Run
	tables []checkpoint.TableProgress
	recent []checkpoint.Run
	err    error
}

// Model is the monitor's bubbletea model.
type Model struct {
	state     *checkpoint.State
	namespace string

	spin     spinner.Model
	bars     map[string]progress.Model
	snap     snapshot
	width    int
	height   int
	quitting bool
}

// NewModel creates a monitor for one namespace.
func NewModel(state *checkpoint.State, namespace string) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorPurple)
	return Model{
		state:     state,
		namespace: namespace,
		spin:      s,
		bars:      make(map[string]progress.Model),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.reload, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// reload reads the latest run and its table progress.
func (m Model) reload() tea.Msg {
	var snap snapshot
	run, err := m.state.GetLastRun(m.namespace)
	if err != nil {
		snap.err = err
		return snap
	}
	snap.run = run
	if run != nil {
		snap.tables, snap.err = m.state.GetRunTables(run.ID)
		if snap.err != nil {
			return snap
		}
	}
	snap.recent, snap.err = m.state.GetAllRuns(5)
	return snap
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		for name, bar := range m.bars {
			bar.Width = m.barWidth()
			m.bars[name] = bar
		}

	case TickMsg:
		return m, tea.Batch(m.reload, tickCmd())

	case snapshot:
		m.snap = msg
		for _, t := range m.snap.tables {
			if _, ok := m.bars[t.TableName]; !ok {
				bar := progress.New(progress.WithDefaultGradient())
				bar.Width = m.barWidth()
				m.bars[t.TableName] = bar
			}
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) barWidth() int {
	w := m.width - 40
	if w < 10 {
		w = 10
	}
	if w > 60 {
		w = 60
	}
	return w
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("relstage monitor — namespace %s", m.namespace)))
	b.WriteString("\n")

	if m.snap.err != nil {
		b.WriteString(styleFailed.Render(fmt.Sprintf("error: %v", m.snap.err)))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render("q to quit"))
		return b.String()
	}

	run := m.snap.run
	if run == nil {
		b.WriteString(styleLabel.Render("No runs recorded for this namespace yet."))
		b.WriteString("\n")
		b.WriteString(styleHelp.Render("q to quit"))
		return b.String()
	}

	var info strings.Builder
	fmt.Fprintf(&info, "%s %s\n", styleLabel.Render("Run:    "), styleValue.Render(run.ID))
	status := statusStyle(run.Status).Render(fmt.Sprintf("%s (%s)", run.Status, run.Phase))
	if run.Status == "running" {
		status = m.spin.View() + " " + status
	}
	fmt.Fprintf(&info, "%s %s\n", styleLabel.Render("Status: "), status)
	fmt.Fprintf(&info, "%s %s", styleLabel.Render("Started:"), styleValue.Render(run.StartedAt.Format("2006-01-02 15:04:05")))
	if run.CompletedAt != nil {
		fmt.Fprintf(&info, "\n%s %s", styleLabel.Render("Took:   "),
			styleValue.Render(run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()))
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(&info, "\n%s %s", styleLabel.Render("Error:  "), styleFailed.Render(run.ErrorMessage))
	}
	b.WriteString(styleBox.Render(info.String()))
	b.WriteString("\n")

	if len(m.snap.tables) > 0 {
		var tbl strings.Builder
		for i, t := range m.snap.tables {
			if i > 0 {
				tbl.WriteString("\n")
			}
			ratio := 0.0
			if t.RowsStaged > 0 {
				ratio = float64(t.RowsPoured) / float64(t.RowsStaged)
			}
			bar := m.bars[t.TableName]
			fmt.Fprintf(&tbl, "%-20s %s %d/%d", t.TableName, bar.ViewAs(ratio), t.RowsPoured, t.RowsStaged)
		}
		b.WriteString(styleBox.Render(tbl.String()))
		b.WriteString("\n")
	}

	if len(m.snap.recent) > 0 {
		var hist strings.Builder
		hist.WriteString(styleLabel.Render("Recent runs"))
		for _, r := range m.snap.recent {
			fmt.Fprintf(&hist, "\n%s  %-12s %s", r.StartedAt.Format("01-02 15:04"), r.Namespace,
				statusStyle(r.Status).Render(r.Status))
		}
		b.WriteString(styleBox.Render(hist.String()))
		b.WriteString("\n")
	}

	b.WriteString(styleHelp.Render("q to quit — refreshes every second"))
	return b.String()
}

// Start opens the history database under dataDir and runs the monitor
// until the user quits.
func Start(dataDir, namespace string) error {
	state, err := checkpoint.New(dataDir)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer state.Close()

	p := tea.NewProgram(NewModel(state, namespace), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running monitor: %w", err)
	}
	return nil
}
