package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pageflo/pflo/internal/collector/storage"
)

// HTTPClient calls the collector's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient targets baseURL, e.g. "http://127.0.0.1:8080".
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BeaconsMsg carries the result of a Reload.
type BeaconsMsg struct {
	Beacons []storage.Beacon
	Err     error
}

// Beacons fetches /api/beacons, newest first. An empty page matches every
// page.
func (c *HTTPClient) Beacons(limit int, page string) ([]storage.Beacon, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if page != "" {
		q.Set("page", page)
	}
	path := "/api/beacons"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []storage.Beacon
	if err := c.get(path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload returns a command wrapping Beacons.
func (c *HTTPClient) Reload(limit int, page string) tea.Cmd {
	return func() tea.Msg {
		b, err := c.Beacons(limit, page)
		return BeaconsMsg{Beacons: b, Err: err}
	}
}

func (c *HTTPClient) get(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
