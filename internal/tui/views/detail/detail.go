// Package detail renders one beacon as a Markdown flyout.
package detail

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/pageflo/pflo/internal/collector/storage"
	"github.com/pageflo/pflo/internal/tui/theme"
)

const (
	// DefaultStyle is the glamour style used when none is configured.
	DefaultStyle = "dark"

	maxValueLen = 96
)

var stylePanel = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(theme.ColorBorder).
	Padding(0, 1)

// Model renders the selected beacon. The renderer is rebuilt when the
// width changes.
type Model struct {
	Style string

	renderer *glamour.TermRenderer
	width    int
}

func New(style string) Model {
	if style == "" {
		style = DefaultStyle
	}
	return Model{Style: style}
}

// View renders b in a panel width columns wide.
func (m *Model) View(b storage.Beacon, width int) string {
	width = max(width, 40)
	if m.renderer == nil || m.width != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(m.Style),
			glamour.WithWordWrap(width-4),
		)
		if err != nil {
			return stylePanel.Width(width).Render(err.Error())
		}
		m.renderer, m.width = r, width
	}
	out, err := m.renderer.Render(Markdown(b))
	if err != nil {
		out = err.Error()
	}
	return stylePanel.Width(width).Render(strings.TrimRight(out, "\n"))
}

// Markdown describes b: its indexed fields, then every parameter in name
// order.
func Markdown(b storage.Beacon) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s beacon #%d\n\n", b.Kind(), b.ID)

	method := b.Method
	if b.SendBeacon {
		method += " (sendBeacon)"
	}
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "- **%s** %s\n", label, value)
		}
	}
	row("Method", method)
	if !b.ReceivedAt.IsZero() {
		row("Received", b.ReceivedAt.Local().Format(time.DateTime))
	}
	row("Page", code(b.PageID))
	row("Session", code(b.SessionID))
	row("Visitor", code(b.Visitor))
	row("URL", b.URL)
	row("Remote", b.Remote)

	names := make([]string, 0, len(b.Params))
	for k := range b.Params {
		names = append(names, k)
	}
	sort.Strings(names)

	fmt.Fprintf(&sb, "\n## Parameters (%d)\n\n", len(names))
	if len(names) == 0 {
		sb.WriteString("_none_\n")
		return sb.String()
	}
	sb.WriteString("| name | value |\n|---|---|\n")
	for _, k := range names {
		fmt.Fprintf(&sb, "| %s | %s |\n", code(k), cell(b.Params[k]))
	}
	return sb.String()
}

func code(s string) string {
	if s == "" {
		return ""
	}
	return "`" + s + "`"
}

// cell makes v safe for a table cell.
func cell(v string) string {
	if len(v) > maxValueLen {
		v = v[:maxValueLen-3] + "..."
	}
	v = strings.ReplaceAll(v, "|", `\|`)
	v = strings.ReplaceAll(v, "\n", " ")
	if v == "" {
		return "_empty_"
	}
	return v
}
