package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/service"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobUpdateMsg carries a job snapshot, or the error that ended the watch.
type jobUpdateMsg struct {
	job service.JobInfo
	err error
}

// progressModel is the bubbletea model for prefetch job progress.
type progressModel struct {
	updates    <-chan jobUpdateMsg
	job        service.JobInfo
	progress   progress.Model
	theme      Theme
	background bool // the job keeps running after Ctrl+C
	done       bool
	quitting   bool
	err        error
}

func newProgressModel(job service.JobInfo, updates <-chan jobUpdateMsg, background bool) progressModel {
	return progressModel{
		updates:    updates,
		job:        job,
		progress:   progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
		theme:      defaultTheme,
		background: background,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.progress.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("watch job: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}
		m.job = msg.job
		if m.job.Done() {
			m.done = true
			if m.job.Status == service.JobStatusFailed {
				m.err = fmt.Errorf("%s", m.job.Error)
			}
			return m, tea.Quit
		}
		return m, m.waitForUpdate()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	var pct float64
	if m.job.Total > 0 {
		pct = min(float64(m.job.Progress)/float64(m.job.Total), 1)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d items", m.job.Progress, m.job.Total)

	hint := "Press Ctrl+C to stop watching"
	if m.background {
		hint = "Press Ctrl+C to continue in background"
	}
	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, m.theme.hintStyle().Render(hint))
}

func (m progressModel) finalView() string {
	if m.quitting {
		if !m.background {
			return m.theme.hintStyle().Render("\nPrefetch cancelled.\n")
		}
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'studyctx jobs %s' to check status.\n",
			m.job.ID, m.job.ID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Prefetch failed: %s\n", m.err))
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	b.WriteString("\n\n")
	if m.job.Result != nil {
		writePrefetchSummary(&b, m.job.Result)
	}
	return b.String()
}

// waitForUpdate blocks on the next job update in a command goroutine.
func (m progressModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return jobUpdateMsg{err: io.ErrUnexpectedEOF}
		}
		return u
	}
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// followJob shows job progress until updates reports a finished job.
// On a terminal it renders a progress bar, otherwise one line per update on
// stderr. It returns the final snapshot and whether the user stopped watching.
func followJob(job service.JobInfo, updates <-chan jobUpdateMsg, background bool) (service.JobInfo, bool, error) {
	if !isTerminal() || outputFormat != string(formatText) {
		return followPlain(job, updates)
	}

	p := tea.NewProgram(newProgressModel(job, updates, background))
	final, err := p.Run()
	if err != nil {
		return job, false, fmt.Errorf("progress UI error: %w", err)
	}
	m, ok := final.(progressModel)
	if !ok {
		return job, false, nil
	}
	if m.quitting {
		return m.job, true, nil
	}
	return m.job, false, m.err
}

func followPlain(job service.JobInfo, updates <-chan jobUpdateMsg) (service.JobInfo, bool, error) {
	for u := range updates {
		if u.err != nil {
			return job, false, fmt.Errorf("watch job: %w", u.err)
		}
		job = u.job
		fmt.Fprintf(os.Stderr, "prefetch %s: %s %d/%d\n", job.ID, job.Status, job.Progress, job.Total)
		if job.Done() {
			if job.Status == service.JobStatusFailed {
				return job, false, fmt.Errorf("%s", job.Error)
			}
			return job, false, nil
		}
	}
	return job, false, io.ErrUnexpectedEOF
}
