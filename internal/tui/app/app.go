// Package app is the root Bubble Tea model of the beacon viewer.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pageflo/pflo/internal/collector/storage"
	"github.com/pageflo/pflo/internal/tui/client"
	"github.com/pageflo/pflo/internal/tui/theme"
	"github.com/pageflo/pflo/internal/tui/views/debug"
	"github.com/pageflo/pflo/internal/tui/views/detail"
	"github.com/pageflo/pflo/internal/tui/views/rate"
	"github.com/pageflo/pflo/internal/tui/views/status"
)

// MaxBeacons caps the beacons kept on screen.
const MaxBeacons = 500

type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayDebug
)

// Options tunes the viewer.
type Options struct {
	// DetailStyle is the glamour style of the detail overlay.
	DetailStyle string
	// MaxRate is the beacons per second that fills the rate gauge.
	MaxRate float64
}

type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	// beacons is newest first.
	beacons []storage.Beacon
	total   int64
	page    string

	selected int
	overlay  Overlay

	statusBar status.Model
	detail    *detail.Model
	rate      rate.Model
	debug     debug.Model

	connected bool
	now       func() time.Time
}

func New(ws *client.WSClient, http *client.HTTPClient, opts Options) Model {
	ctx, cancel := context.WithCancel(context.Background())
	d := detail.New(opts.DetailStyle)
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		detail:    &d,
		rate:      rate.New(opts.MaxRate),
		debug:     debug.New(),
		now:       time.Now,
	}
}

// Init connects the feed and starts the rate gauge.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), rate.Tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case rate.TickMsg:
		m.rate.Step(time.Time(msg))
		m.statusBar.Rate = m.rate.View()
		return m, rate.Tick()

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.debug.Addf("ws", "connected")
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.debug.Addf("err", "feed dropped: %v", msg.Err)
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		m.total = msg.Payload.Total
		m.merge(msg.Payload.Beacons)
		m.debug.Addf("feed", "snapshot: %d beacons, %d stored", len(msg.Payload.Beacons), msg.Payload.Total)
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDeltaMsg:
		n := m.merge(msg.Payload.Beacons)
		m.total += int64(n)
		m.rate.Record(n, m.now())
		return m, m.ws.ReadLoop(m.ctx)

	case client.BeaconsMsg:
		if msg.Err != nil {
			m.debug.Addf("err", "reload: %v", msg.Err)
			return m, nil
		}
		m.beacons = nil
		m.selected = 0
		m.merge(msg.Beacons)
		m.debug.Addf("api", "reloaded %d beacons", len(msg.Beacons))
		return m, nil
	}
	return m, nil
}

// merge adds beacons not yet on screen, keeping the list newest first
// and the selection on the same beacon. It returns how many were new.
func (m *Model) merge(in []storage.Beacon) int {
	var selectedID int64
	if b, ok := m.current(); ok {
		selectedID = b.ID
	}

	seen := make(map[int64]bool, len(m.beacons))
	for _, b := range m.beacons {
		seen[b.ID] = true
	}
	added := 0
	for _, b := range in {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		m.beacons = append(m.beacons, b)
		added++
	}
	sort.SliceStable(m.beacons, func(i, j int) bool { return m.beacons[i].ID > m.beacons[j].ID })
	if len(m.beacons) > MaxBeacons {
		m.beacons = m.beacons[:MaxBeacons]
	}

	m.selected = 0
	for i, b := range m.visible() {
		if b.ID == selectedID {
			m.selected = i
			break
		}
	}
	m.updateCounts()
	return added
}

func (m *Model) updateCounts() {
	kinds := make(map[string]int)
	for _, b := range m.visible() {
		kinds[b.Kind()]++
	}
	m.statusBar.Total = m.total
	m.statusBar.SetKinds(kinds)
}

// visible is the beacons shown under the current page filter.
func (m Model) visible() []storage.Beacon {
	if m.page == "" {
		return m.beacons
	}
	var out []storage.Beacon
	for _, b := range m.beacons {
		if b.PageID == m.page {
			out = append(out, b)
		}
	}
	return out
}

func (m Model) current() (storage.Beacon, bool) {
	v := m.visible()
	if m.selected < 0 || m.selected >= len(v) {
		return storage.Beacon{}, false
	}
	return v[m.selected], true
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Quit):
			m.cancel()
			return m, tea.Quit
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Up):
			m.debug.ScrollUp(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Down):
			m.debug.ScrollDown(1)
		}
		return m, nil
	}

	n := len(m.visible())
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if m.selected < n-1 {
			m.selected++
		}

	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}

	case key.Matches(msg, m.keys.Top):
		m.selected = 0

	case key.Matches(msg, m.keys.Enter):
		if n > 0 {
			m.overlay = OverlayDetail
		}

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug

	case key.Matches(msg, m.keys.Page):
		if m.page != "" {
			m.page = ""
		} else if b, ok := m.current(); ok && b.PageID != "" {
			m.page = b.PageID
		}
		m.selected = 0
		m.updateCounts()

	case key.Matches(msg, m.keys.Reload):
		if m.http != nil {
			return m, m.http.Reload(MaxBeacons, m.page)
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch m.overlay {
	case OverlayDetail:
		if b, ok := m.current(); ok {
			body = m.detail.View(b, min(m.width, 100))
		}
	case OverlayDebug:
		body = m.debug.View(m.width, m.height-4)
	default:
		body = m.renderList(max(m.height-6, 3))
	}

	help := "  j/k:navigate  enter:detail  p:page  r:reload  d:log  q:quit"
	if m.overlay != OverlayNone {
		help = "  esc:close  q:quit"
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.statusBar.View(), body, theme.StyleDimmed.Render(help))
}

func (m Model) renderList(rows int) string {
	v := m.visible()
	title := "=== BEACONS "
	if m.page != "" {
		title += "(page " + m.page + ") "
	}
	lines := []string{theme.StyleHeader.Render(title + strings.Repeat("=", max(0, 60-len(title))))}
	if len(v) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No beacons received"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	start := 0
	if m.selected >= rows {
		start = m.selected - rows + 1
	}
	end := min(start+rows, len(v))
	for i := start; i < end; i++ {
		prefix := "  "
		if i == m.selected {
			prefix = "> "
		}
		lines = append(lines, prefix+renderLine(v[i], m.width-4))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderLine(b storage.Beacon, width int) string {
	kind := b.Kind()
	glyph := lipgloss.NewStyle().Foreground(theme.KindColor(kind)).Render(theme.KindGlyph(kind))
	kindStr := lipgloss.NewStyle().Foreground(theme.KindColor(kind)).Width(8).Render(kind)
	method := lipgloss.NewStyle().Foreground(theme.MethodColor(b.Method)).Width(5).Render(b.Method)
	ts := ""
	if !b.ReceivedAt.IsZero() {
		ts = theme.StyleDimmed.Render(b.ReceivedAt.Local().Format("15:04:05")) + " "
	}
	rest := fmt.Sprintf("%-8s %s", b.PageID, b.URL)
	if room := width - 34; room > 3 && len(rest) > room {
		rest = rest[:room-3] + "..."
	}
	return ts + glyph + " " + kindStr + method + rest
}
