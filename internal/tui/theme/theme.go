// Package theme holds the Lip Gloss palette and shared styles of the
// beacon viewer. It imports nothing from the rest of the module.
package theme

import "github.com/charmbracelet/lipgloss"

// Beacon kind colors.
var (
	ColorPage    = lipgloss.Color("#22c55e")
	ColorEarly   = lipgloss.Color("#06b6d4")
	ColorUnload  = lipgloss.Color("#6b7280")
	ColorSPA     = lipgloss.Color("#a855f7")
	ColorXHR     = lipgloss.Color("#3b82f6")
	ColorError   = lipgloss.Color("#dc2626")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// Transport method colors.
var (
	ColorMethodGET  = lipgloss.Color("#d97706")
	ColorMethodPOST = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// KindColor returns the color for a beacon kind as reported by
// storage.Beacon.Kind.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "page":
		return ColorPage
	case "early":
		return ColorEarly
	case "unload":
		return ColorUnload
	case "spa", "spa_hard":
		return ColorSPA
	case "xhr":
		return ColorXHR
	case "error":
		return ColorError
	default:
		return ColorDefault
	}
}

// KindGlyph returns a one-cell marker for a beacon kind.
func KindGlyph(kind string) string {
	switch kind {
	case "page":
		return "●"
	case "early":
		return "◎"
	case "unload":
		return "○"
	case "spa", "spa_hard":
		return "◆"
	case "xhr":
		return "⇄"
	default:
		return "·"
	}
}

func MethodColor(method string) lipgloss.Color {
	if method == "POST" {
		return ColorMethodPOST
	}
	return ColorMethodGET
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)
)
