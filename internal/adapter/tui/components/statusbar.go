// Package components holds reusable TUI widgets.
package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"wanctl/internal/adapter/tui/theme"
)

// KeyHint represents a single keybinding hint shown in the status bar.
type KeyHint struct {
	Key  string // e.g. "c"
	Desc string // e.g. "Cancel"
}

// StatusBarModel renders a bottom status bar with keybinding hints and run info.
type StatusBarModel struct {
	Hints []KeyHint
	RunID string
	Task  string
	Extra string // e.g. "ETA 3m 12s"
	width int
}

// NewStatusBar creates an empty status bar.
func NewStatusBar() StatusBarModel {
	return StatusBarModel{}
}

// SetWidth updates the available width.
func (m *StatusBarModel) SetWidth(w int) {
	m.width = w
}

// View renders the status bar as a single line.
func (m StatusBarModel) View() string {
	var hints []string
	for _, h := range m.Hints {
		key := theme.StatusKey.Render(h.Key)
		hints = append(hints, key+": "+h.Desc)
	}
	left := strings.Join(hints, "  "+theme.Dim.Render("|")+"  ")

	var parts []string
	if m.Task != "" {
		parts = append(parts, m.Task)
	}
	if m.RunID != "" {
		parts = append(parts, shortID(m.RunID))
	}
	right := ""
	if len(parts) > 0 {
		right = theme.TextMuted.Render(strings.Join(parts, " "+theme.SymbolBullet+" "))
	}
	if m.Extra != "" {
		if right != "" {
			right += "  "
		}
		right += theme.TextInfo.Render(m.Extra)
	}

	gap := m.width - theme.StatusBar.GetHorizontalFrameSize() - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	bar := left + strings.Repeat(" ", gap) + right
	return theme.StatusBar.Width(m.width).Render(bar)
}

// shortID keeps the random tail of a ULID, which is what differs between runs.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
