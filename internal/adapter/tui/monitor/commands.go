package monitor

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// cancelCmd asks the job to stop without blocking the UI loop.
func cancelCmd(jobs Jobs) tea.Cmd {
	return func() tea.Msg {
		return cancelResultMsg{Err: jobs.Cancel()}
	}
}
