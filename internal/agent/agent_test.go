package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pageflo/pflo/internal/beacon"
	"github.com/pageflo/pflo/internal/config"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/loop"
	"github.com/pageflo/pflo/internal/plugin"
	"github.com/pageflo/pflo/internal/transport"
)

var epoch = time.UnixMilli(1700000000000)

type recordingPixel struct{ urls []string }

func (p *recordingPixel) Load(_ context.Context, u string) { p.urls = append(p.urls, u) }

type harness struct {
	t     *testing.T
	sched *loop.Manual
	host  *host.Static
	pixel *recordingPixel
	cfg   *config.AgentConfig
	a     *Agent
	logs  []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		sched: loop.NewManual(epoch),
		host:  host.NewStatic("https://example.com/page"),
		pixel: &recordingPixel{},
	}
	cfg := config.Default().Agent
	cfg.BeaconURL = "https://example.com/beacon"
	h.cfg = &cfg
	h.a = New(Options{
		Scheduler:  h.sched,
		Host:       h.host,
		Strategies: transport.Strategies{Pixel: h.pixel},
		Logf: func(format string, args ...any) {
			h.logs = append(h.logs, fmt.Sprintf(format, args...))
		},
	})
	return h
}

func (h *harness) init() *Agent {
	h.a.Init(h.cfg)
	return h.a
}

func (h *harness) sends() int { return len(h.pixel.urls) }

// beacon parses the i-th transmitted beacon.
func (h *harness) beacon(i int) url.Values {
	h.t.Helper()
	if i >= len(h.pixel.urls) {
		h.t.Fatalf("beacon %d not sent (%d sent)", i, len(h.pixel.urls))
	}
	_, query, _ := strings.Cut(h.pixel.urls[i], "?")
	vals, err := url.ParseQuery(query)
	if err != nil {
		h.t.Fatalf("parse beacon %d: %v", i, err)
	}
	return vals
}

func (h *harness) rawQuery(i int) string {
	h.t.Helper()
	if i >= len(h.pixel.urls) {
		h.t.Fatalf("beacon %d not sent", i)
	}
	_, query, _ := strings.Cut(h.pixel.urls[i], "?")
	return query
}

type gatePlugin struct {
	complete bool
	ready    bool
	initErr  error
	inits    int
}

func (g *gatePlugin) Init(plugin.Config) error {
	g.inits++
	return g.initErr
}
func (g *gatePlugin) IsComplete(*beacon.Vars) bool { return g.complete }
func (g *gatePlugin) ReadyToSend() bool            { return g.ready }

func TestEndToEndPageLoadBeacon(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	a.AddVar("v1", "a")
	a.SendBeacon()
	if h.sends() != 0 {
		t.Fatal("beacon sent before the loop ran")
	}
	h.sched.RunPending()

	if h.sends() != 1 {
		t.Fatalf("sends = %d, want 1", h.sends())
	}
	if !strings.HasPrefix(h.pixel.urls[0], "https://example.com/beacon?") {
		t.Errorf("url = %q", h.pixel.urls[0])
	}
	b := h.beacon(0)
	want := map[string]string{
		"v1":     "a",
		"v":      Version,
		"pid":    a.PageID(),
		"n":      "1",
		"sm":     "i",
		"u":      "https://example.com/page",
		"vis.st": host.Visible,
		"rt.sl":  "1",
		"rt.si":  a.Session().Token(),
		"rt.ss":  fmt.Sprint(epoch.UnixMilli()),
	}
	for k, v := range want {
		if got := b.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if len(a.PageID()) != 8 {
		t.Errorf("PageID = %q, want 8 characters", a.PageID())
	}
	if !a.HasSentPageLoadBeacon() {
		t.Error("HasSentPageLoadBeacon() = false after the first beacon")
	}
}

func TestSendBeaconCoalesces(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")

	for range 5 {
		a.SendBeacon()
	}
	if got := h.sched.Pending(); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	h.sched.RunPending()
	if h.sends() != 1 {
		t.Errorf("sends = %d, want 1", h.sends())
	}
}

func TestFireEventFlushesQueuedBeacon(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")

	var sendsAtHandler int
	a.Subscribe(event.Click, func(_, _ any) { sendsAtHandler = h.sends() })

	a.SendBeacon()
	a.FireEvent(event.Click, nil)
	if sendsAtHandler != 1 {
		t.Errorf("handler saw %d sends, want the queued beacon flushed first", sendsAtHandler)
	}

	h.sched.RunPending()
	if h.sends() != 1 {
		t.Errorf("sends = %d, want 1", h.sends())
	}
}

func TestBeaconsNeverInterleave(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")

	var order []string
	requested := false
	a.Subscribe(event.BeforeBeacon, func(_, _ any) {
		order = append(order, "before")
		if !requested {
			// A request made while building waits for its own pass.
			requested = true
			a.SendBeacon()
		}
	})
	a.Subscribe(event.Beacon, func(_, _ any) { order = append(order, "beacon") })

	a.SendBeacon()
	h.sched.RunPending()

	want := []string{"before", "beacon", "before", "beacon"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("event order (-want +got):\n%s", diff)
	}
	if h.sends() != a.BeaconsSent() {
		t.Errorf("sends = %d, beacons built = %d", h.sends(), a.BeaconsSent())
	}
}

func TestDeferredReadiness(t *testing.T) {
	h := newHarness(t)
	gate := &gatePlugin{}
	h.a.Register("gate", gate)
	a := h.init()

	a.AddVar("v1", "a")
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 0 {
		t.Fatalf("sends = %d with an incomplete plugin", h.sends())
	}
	if a.BeaconsSent() != 0 || a.HasVar("n") {
		t.Error("incomplete attempt changed the variable set")
	}

	a.AddVar("v2", "b")
	gate.complete = true
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 1 {
		t.Fatalf("sends = %d, want 1", h.sends())
	}
	b := h.beacon(0)
	if b.Get("v1") != "a" || b.Get("v2") != "b" {
		t.Errorf("beacon = %v", b)
	}
}

func TestDisabledPluginDoesNotGate(t *testing.T) {
	h := newHarness(t)
	gate := &gatePlugin{}
	h.a.Register("gate", gate)
	h.cfg.Plugins = map[string]*config.PluginSection{"gate": disabledSection()}
	a := h.init()

	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 1 {
		t.Errorf("sends = %d, want 1", h.sends())
	}
	if gate.inits != 0 {
		t.Errorf("disabled plugin initialised %d times", gate.inits)
	}
}

func disabledSection() *config.PluginSection {
	s := &config.PluginSection{}
	s.SetEnabled(false)
	return s
}

func TestSingleBeaconVars(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	a.AddVar("x", 1, true)
	a.AddVar("keep", "y")
	a.SendBeacon()
	h.sched.RunPending()

	if h.beacon(0).Get("x") != "1" {
		t.Error("single-beacon var missing from its beacon")
	}
	if a.HasVar("x") {
		t.Error("single-beacon var survived a normal beacon")
	}
	if !a.HasVar("keep") {
		t.Error("persistent var removed")
	}
}

func TestEarlyBeaconKeepsSingleVars(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	a.AddVar("x", 1, true)
	a.AddVar("early", "1")
	a.SendBeacon()
	h.sched.RunPending()

	if !a.HasVar("x") {
		t.Fatal("early beacon cleared a single-beacon var")
	}
	if a.HasSentPageLoadBeacon() {
		t.Error("early beacon counted as the page load beacon")
	}

	a.RemoveVar("early")
	a.SendBeacon()
	h.sched.RunPending()

	if h.sends() != 2 {
		t.Fatalf("sends = %d, want 2", h.sends())
	}
	if h.beacon(1).Get("x") != "1" {
		t.Error("single-beacon var missing from the following normal beacon")
	}
	if a.HasVar("x") {
		t.Error("single-beacon var survived the normal beacon")
	}
}

func TestPriorityOrdering(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	a.AddVar("a", 1)
	a.AddVar("b", 2)
	a.AddVar("c", 3)
	a.SetVarPriority("a", beacon.PriorityLast)
	a.SetVarPriority("c", beacon.PriorityFirst)
	a.SendBeacon()
	h.sched.RunPending()

	q := h.rawQuery(0)
	if !strings.HasPrefix(q, "c=3&b=2&") || !strings.HasSuffix(q, "&a=1") {
		t.Errorf("query = %q", q)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	calls := 0
	fn := func(_, _ any) { calls++ }
	scope := &struct{}{}
	a.Subscribe(event.Click, fn, event.CallbackData("d"), event.Scope(scope))
	a.Subscribe(event.Click, fn, event.CallbackData("d"), event.Scope(scope))
	a.FireEvent(event.Click, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestErrorDigest(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	for range 3 {
		a.AddError(errors.New("boom"), "test")
	}
	a.AddError(errors.New("other"), "test", "ctx")
	a.AddError(fmt.Errorf("frame: %w", host.ErrCrossOrigin), "test")

	a.SendBeacon()
	h.sched.RunPending()

	want := "[test:1700000000000] boom (*3)\n[test:1700000000000] other:: ctx"
	if got := h.beacon(0).Get("errors"); got != want {
		t.Errorf("errors = %q, want %q", got, want)
	}

	a.SendBeacon()
	h.sched.RunPending()
	if h.beacon(1).Has("errors") {
		t.Error("errors digest repeated on the next beacon")
	}
}

func TestRepeatedErrorsAtDifferentTimesShareALine(t *testing.T) {
	h := newHarness(t)
	a := h.init()

	a.AddError(errors.New("boom"), "src")
	h.sched.Advance(time.Second)
	a.AddError(errors.New("boom"), "src")

	if got, want := a.errorDigest(), "[src:1700000000000] boom (*2)"; got != want {
		t.Errorf("digest = %q, want %q", got, want)
	}
}

func TestHandlerAndPluginFailuresAreRecorded(t *testing.T) {
	h := newHarness(t)
	h.a.Register("bad", &gatePlugin{complete: true, initErr: errors.New("no config")})
	a := h.init()

	a.Subscribe(event.Click, func(_, _ any) { panic("kaboom") })
	a.FireEvent(event.Click, nil)

	a.SendBeacon()
	h.sched.RunPending()

	digest := h.beacon(0).Get("errors")
	for _, want := range []string{"[bad.init:", "no config", "[fireEvent.click<0>:", "kaboom"} {
		if !strings.Contains(digest, want) {
			t.Errorf("errors = %q, missing %q", digest, want)
		}
	}
}

func TestOverrideURLIsPerSend(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")

	a.SendBeacon("https://other.example/b")
	h.sched.RunPending()
	a.SendBeacon()
	h.sched.RunPending()

	if !strings.HasPrefix(h.pixel.urls[0], "https://other.example/b?") {
		t.Errorf("first url = %q", h.pixel.urls[0])
	}
	if !strings.HasPrefix(h.pixel.urls[1], "https://example.com/beacon?") {
		t.Errorf("second url = %q", h.pixel.urls[1])
	}
}

func TestTornDownHostSendsNothing(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	h.host.Dead = true

	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 0 || a.BeaconsSent() != 0 {
		t.Errorf("sends = %d, built = %d", h.sends(), a.BeaconsSent())
	}
}

func TestNoBeaconURLIsSilent(t *testing.T) {
	h := newHarness(t)
	h.cfg.BeaconURL = ""
	a := h.init()

	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 0 {
		t.Errorf("sends = %d", h.sends())
	}
	if a.errorDigest() != "" {
		t.Errorf("missing URL recorded as an error: %q", a.errorDigest())
	}
}

func TestRateLimitedSessionSuppressesTransport(t *testing.T) {
	h := newHarness(t)
	h.cfg.Session.RateLimit = 60
	h.cfg.Session.Burst = 1
	a := h.init()
	a.AddVar("x", "1")

	a.SendBeacon()
	h.sched.RunPending()
	a.SendBeacon()
	h.sched.RunPending()

	if h.sends() != 1 {
		t.Errorf("sends = %d, want 1", h.sends())
	}
	if a.BeaconsSent() != 2 {
		t.Errorf("beacons built = %d, want 2", a.BeaconsSent())
	}
	if !a.Session().RateLimited {
		t.Error("session not flagged as rate limited")
	}
}

func TestSessionDisabledStripsFields(t *testing.T) {
	h := newHarness(t)
	h.cfg.Session.Enabled = false
	a := h.init()
	a.AddVar("rt.si", "stale")

	a.SendBeacon()
	h.sched.RunPending()

	b := h.beacon(0)
	for _, k := range []string{"rt.si", "rt.ss", "rt.sl"} {
		if b.Has(k) {
			t.Errorf("%s present with sessions disabled", k)
		}
	}
}

func TestPageURLAndReferrer(t *testing.T) {
	tests := []struct {
		name      string
		initiator string
		wantU     string
		wantPGU   string
	}{
		{"page load strips fragment", "", "https://example.com/page?q=1", ""},
		{"spa keeps fragment", "spa", "https://example.com/page?q=1#/route", ""},
		{"xhr keeps its own url", "xhr", "https://api.example.com/x", "https://example.com/page?q=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.host.Page = "https://example.com/page?q=1#/route"
			h.host.Ref = "https://ref.example/"
			a := h.init()
			if tt.initiator != "" {
				a.AddVar("http.initiator", tt.initiator)
			}
			if tt.initiator == "xhr" {
				a.AddVar("u", "https://api.example.com/x")
			}
			a.SendBeacon()
			h.sched.RunPending()

			b := h.beacon(0)
			if b.Get("u") != tt.wantU {
				t.Errorf("u = %q, want %q", b.Get("u"), tt.wantU)
			}
			if b.Get("pgu") != tt.wantPGU {
				t.Errorf("pgu = %q, want %q", b.Get("pgu"), tt.wantPGU)
			}
			if b.Get("r") != "https://ref.example/" {
				t.Errorf("r = %q", b.Get("r"))
			}
			if a.HasVar("pgu") {
				t.Error("pgu left on the live set")
			}
		})
	}
}

func TestCleanupURL(t *testing.T) {
	tests := []struct {
		strip bool
		limit int
		in    string
		want  string
	}{
		{false, 0, "", ""},
		{false, 0, "https://e.com/a?b=c", "https://e.com/a?b=c"},
		{true, 0, "https://e.com/a?b=c", "https://e.com/a?qs-redacted"},
		{false, 20, "https://e.com/a?b=cccccccccc", "https://e.com/a?..."},
		{false, 10, "https://e.com/abcdef", "https:/..."},
	}
	for _, tt := range tests {
		a := &Agent{stripQueryString: tt.strip, urlLimit: tt.limit}
		if got := a.cleanupURL(tt.in); got != tt.want {
			t.Errorf("cleanupURL(%q) strip=%v limit=%d = %q, want %q", tt.in, tt.strip, tt.limit, got, tt.want)
		}
	}
}

func TestFrameAndPlatformFields(t *testing.T) {
	h := newHarness(t)
	h.host.Frame = true
	h.host.Plat = "Linux x86_64"
	h.host.Vend = "Ubuntu 24.04"
	h.cfg.Snippet.Version = "14"
	a := h.init()

	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()

	b := h.beacon(0)
	if !b.Has("if") || b.Get("if") != "" {
		t.Errorf("if = %q, present %v", b.Get("if"), b.Has("if"))
	}
	if b.Get("ua.plt") != "Linux x86_64" || b.Get("ua.vnd") != "Ubuntu 24.04" {
		t.Errorf("ua = %q / %q", b.Get("ua.plt"), b.Get("ua.vnd"))
	}
	if b.Get("sv") != "14" {
		t.Errorf("sv = %q", b.Get("sv"))
	}
}

func TestBeaconEventSeesSnapshot(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")

	var seen *beacon.Vars
	a.Subscribe(event.BeforeBeacon, func(data, _ any) {
		data.(*beacon.Vars).Set("added", "yes")
	})
	a.Subscribe(event.Beacon, func(data, _ any) {
		seen = data.(*beacon.Vars)
		a.RemoveVar("x")
	})
	var pageLoad *beacon.Vars
	a.Subscribe(event.PageLoadBeacon, func(data, _ any) { pageLoad = data.(*beacon.Vars) })

	a.SendBeacon()
	h.sched.RunPending()

	if seen == nil || seen.String("added") != "yes" {
		t.Fatal("beacon handler did not see before_beacon changes")
	}
	if h.beacon(0).Get("x") != "1" {
		t.Error("removal in a beacon handler leaked into the payload")
	}
	if pageLoad == nil || pageLoad.String("x") != "1" {
		t.Error("page_load_beacon did not carry the snapshot")
	}
}

func TestPublicEventsMirrored(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()

	var names []string
	for _, e := range h.host.Events() {
		names = append(names, e.Name)
	}
	want := []string{"onPageFloLoaded", "onBeforePageFloBeacon", "onPageFloBeacon"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("public events (-want +got):\n%s", diff)
	}
}

func TestDisable(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	calls := 0
	a.Subscribe(event.Click, func(_, _ any) { calls++ })
	a.Disable()
	a.FireEvent(event.Click, nil)
	if calls != 0 {
		t.Errorf("handler ran %d times after Disable", calls)
	}
}

func TestConfigEventUpdatesBeaconURL(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.FireEvent("onconfig", &config.AgentConfig{BeaconURL: "https://new.example/b"})

	a.AddVar("x", "1")
	a.SendBeacon()
	h.sched.RunPending()
	if !strings.HasPrefix(h.pixel.urls[0], "https://new.example/b?") {
		t.Errorf("url = %q", h.pixel.urls[0])
	}
}

func TestAddVarsInNameOrder(t *testing.T) {
	h := newHarness(t)
	a := h.init()
	a.AddVars(map[string]any{"b": 2, "a": 1, "c": "three"}, false)
	if diff := cmp.Diff([]string{"a", "b", "c"}, a.Vars().Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	a.AppendVar("c", "four")
	if got := a.Vars().String("c"); got != "three,four" {
		t.Errorf("c = %q", got)
	}
}

func TestBeaconQueuedDuringInitWaitsForLoop(t *testing.T) {
	h := newHarness(t)
	h.a.Subscribe(event.Config, func(_, _ any) { h.a.SendBeacon() })
	a := h.init()

	if h.sends() != 0 {
		t.Fatalf("sends = %d right after Init, want the beacon left to the loop", h.sends())
	}
	a.AddVar("late", "1")
	h.sched.RunPending()

	if h.sends() != 1 {
		t.Fatalf("sends = %d, want 1", h.sends())
	}
	if h.beacon(0).Get("late") != "1" {
		t.Errorf("variable added after Init missing: %v", h.beacon(0))
	}
}

func TestOverrideDroppedWhenAttemptAborts(t *testing.T) {
	h := newHarness(t)
	gate := &gatePlugin{}
	h.a.Register("gate", gate)
	a := h.init()
	a.AddVar("x", "1")

	a.SendBeacon("https://other.example/b")
	h.sched.RunPending()
	if h.sends() != 0 {
		t.Fatalf("sends = %d with an incomplete plugin", h.sends())
	}

	gate.complete = true
	a.SendBeacon()
	h.sched.RunPending()
	if h.sends() != 1 {
		t.Fatalf("sends = %d, want 1", h.sends())
	}
	if !strings.HasPrefix(h.pixel.urls[0], "https://example.com/beacon?") {
		t.Errorf("url = %q, want the configured beacon URL", h.pixel.urls[0])
	}
}
