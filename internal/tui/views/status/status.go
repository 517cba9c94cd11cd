package status

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pageflo/pflo/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	// Total is the number of beacons the collector has stored.
	Total int64
	Kinds map[string]int
	Rate  string
	Width int
}

func New() Model {
	return Model{Kinds: make(map[string]int)}
}

// SetKinds replaces the per-kind counts of the beacons on screen.
func (m *Model) SetKinds(kinds map[string]int) {
	m.Kinds = kinds
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	names := make([]string, 0, len(m.Kinds))
	for k := range m.Kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	var kindParts []string
	for _, k := range names {
		kindParts = append(kindParts, lipgloss.NewStyle().Foreground(theme.KindColor(k)).Render(
			fmt.Sprintf("%s %d", k, m.Kinds[k]),
		))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + fmt.Sprintf("%d stored", m.Total)
	if len(kindParts) > 0 {
		content += sep + strings.Join(kindParts, "  ")
	}
	if m.Rate != "" {
		content += sep + m.Rate
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
