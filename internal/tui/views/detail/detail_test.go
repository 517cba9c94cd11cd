package detail

import (
	"strings"
	"testing"

	"github.com/pageflo/pflo/internal/collector/storage"
)

func testBeacon() storage.Beacon {
	b := storage.Beacon{
		ID:         12,
		Method:     "POST",
		SendBeacon: true,
		Params: map[string]string{
			"pid":     "abc123",
			"u":       "https://example.com/",
			"rt.quit": "",
			"errors":  "a|b",
		},
	}
	b.Index()
	return b
}

func TestMarkdown(t *testing.T) {
	md := Markdown(testBeacon())

	for _, want := range []string{
		"# unload beacon #12",
		"- **Method** POST (sendBeacon)",
		"- **Page** `abc123`",
		"## Parameters (4)",
		"| `errors` | a\\|b |",
		"| `rt.quit` | _empty_ |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "**Session**") {
		t.Error("empty session row rendered")
	}
	if strings.Index(md, "`errors`") > strings.Index(md, "`u`") {
		t.Error("parameters not sorted")
	}
}

func TestMarkdownTruncatesLongValues(t *testing.T) {
	b := storage.Beacon{Params: map[string]string{"big": strings.Repeat("x", 500)}}
	md := Markdown(b)
	if strings.Contains(md, strings.Repeat("x", maxValueLen)) || !strings.Contains(md, "...") {
		t.Error("long value not truncated")
	}
	if !strings.Contains(Markdown(storage.Beacon{}), "_none_") {
		t.Error("beacon without params not marked")
	}
}

func TestView(t *testing.T) {
	m := New("notty")
	out := m.View(testBeacon(), 80)
	for _, want := range []string{"unload beacon", "abc123", "example.com"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}

	r := m.renderer
	m.View(testBeacon(), 80)
	if m.renderer != r {
		t.Error("renderer rebuilt for the same width")
	}
	m.View(testBeacon(), 100)
	if m.renderer == r {
		t.Error("renderer not rebuilt for a new width")
	}
}
