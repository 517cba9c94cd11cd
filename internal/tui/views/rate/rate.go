// Package rate shows a smoothed beacons-per-second gauge. The raw rate
// over a sliding window is the target of a spring, so bursts ease in and
// out instead of jumping.
package rate

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/pageflo/pflo/internal/tui/theme"
)

const (
	fps = 20
	// Window is how far back arrivals count towards the rate.
	Window = 5 * time.Second
)

// TickMsg advances the gauge by one frame.
type TickMsg time.Time

type arrival struct {
	at time.Time
	n  int
}

type Model struct {
	// Max is the rate that fills the bar.
	Max float64

	spring   harmonica.Spring
	pos, vel float64
	target   float64
	arrivals []arrival
	bar      progress.Model
}

func New(maxRate float64) Model {
	if maxRate <= 0 {
		maxRate = 10
	}
	return Model{
		Max:    maxRate,
		spring: harmonica.NewSpring(harmonica.FPS(fps), 4.0, 1.0),
		bar: progress.New(
			progress.WithSolidFill(string(theme.ColorPage)),
			progress.WithoutPercentage(),
			progress.WithWidth(16),
		),
	}
}

// Tick schedules the next frame.
func Tick() tea.Cmd {
	return tea.Tick(time.Second/fps, func(t time.Time) tea.Msg { return TickMsg(t) })
}

// Record counts n beacons received at at.
func (m *Model) Record(n int, at time.Time) {
	if n > 0 {
		m.arrivals = append(m.arrivals, arrival{at: at, n: n})
	}
}

// Step moves the gauge one frame towards the rate as of now.
func (m *Model) Step(now time.Time) {
	cut := 0
	total := 0
	for i, a := range m.arrivals {
		if now.Sub(a.at) > Window {
			cut = i + 1
			continue
		}
		total += a.n
	}
	m.arrivals = m.arrivals[cut:]
	m.target = float64(total) / Window.Seconds()
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, m.target)
	if m.pos < 0 {
		m.pos = 0
	}
}

// Value is the smoothed rate.
func (m Model) Value() float64 { return m.pos }

// Target is the unsmoothed rate.
func (m Model) Target() float64 { return m.target }

func (m Model) View() string {
	pct := m.pos / m.Max
	pct = min(max(pct, 0), 1)
	label := lipgloss.NewStyle().Foreground(theme.ColorBright).Render(fmt.Sprintf("%5.1f b/s", m.pos))
	return strings.TrimSpace(m.bar.ViewAs(pct) + " " + label)
}
