// Command pflo-tui is a terminal viewer for a collector's beacon feed.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/pageflo/pflo/internal/tui/app"
	"github.com/pageflo/pflo/internal/tui/client"
	"github.com/pageflo/pflo/internal/tui/views/detail"
)

func main() {
	wsURL := pflag.String("url", "ws://127.0.0.1:8080/ws", "Feed URL of the collector")
	token := pflag.String("token", os.Getenv("PFLO_COLLECTOR_TOKEN"), "Viewer auth token")
	style := pflag.String("style", detail.DefaultStyle, "Glamour style for the beacon detail (dark, light, notty, ...)")
	maxRate := pflag.Float64("max-rate", 10, "Beacons per second that fill the rate gauge")
	pflag.Parse()

	ws := client.NewWSClient(*wsURL, *token)
	httpClient := client.NewHTTPClient(deriveHTTPBase(*wsURL), *token)

	m := app.New(ws, httpClient, app.Options{DetailStyle: *style, MaxRate: *maxRate})
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// deriveHTTPBase turns ws://host:port/ws into http://host:port.
func deriveHTTPBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return "http://127.0.0.1:8080"
	}
	scheme := "http"
	if strings.HasPrefix(u.Scheme, "wss") {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
