// Package simulate drives agents through scripted page lifecycles: page
// loads, SPA navigations, timed requests, errors and unloads. It is used
// for demos and for generating load against a collector.
package simulate

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/pageflo/pflo/internal/agent"
	"github.com/pageflo/pflo/internal/config"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/loop"
	"github.com/pageflo/pflo/internal/plugins/early"
	"github.com/pageflo/pflo/internal/plugins/guid"
	"github.com/pageflo/pflo/internal/transport"
)

// DefaultTick is the interval between lifecycle steps.
const DefaultTick = 500 * time.Millisecond

// Script is one kind of simulated page. Tick fields count steps since the
// page was opened; zero disables the behavior.
type Script struct {
	Name     string
	Path     string
	Referrer string

	Prerender  bool
	// ParsedAt keeps the document parsing until that step.
	ParsedAt   int
	VisibleAt  int
	LoadAt     int
	HideAt     int
	Lifetime   int
	SPAEvery   int
	XHREvery   int
	XHRLength  int
	ErrorEvery int
}

// Scripts is the built-in page mix.
var Scripts = []Script{
	{Name: "classic", Path: "/", ParsedAt: 1, LoadAt: 2, Lifetime: 20},
	{Name: "spa", Path: "/app", Referrer: "https://search.example/?q=pflo", LoadAt: 2, Lifetime: 40, SPAEvery: 6},
	{Name: "xhr", Path: "/search?q=shoes", LoadAt: 3, Lifetime: 30, XHREvery: 5, XHRLength: 2},
	{Name: "flaky", Path: "/checkout", LoadAt: 2, Lifetime: 25, ErrorEvery: 4},
	{Name: "bounce", Path: "/landing", LoadAt: 4, HideAt: 6, Lifetime: 8},
	{Name: "prerender", Path: "/next", Prerender: true, VisibleAt: 3, LoadAt: 5, Lifetime: 20},
}

type Options struct {
	// SiteURL is prefixed to every script path.
	SiteURL string
	// Agent is the configuration each simulated page starts from.
	Agent      config.AgentConfig
	Strategies transport.Strategies
	// Scripts restricts the mix to the named scripts. Empty runs all.
	Scripts []string
	// Recycle reopens a page once it has unloaded.
	Recycle bool
	Seed    int64
	Logf    func(format string, args ...any)
}

type pendingTimer struct {
	timer *agent.Timer
	due   int
}

type page struct {
	script  Script
	host    *host.Static
	agent   *agent.Agent
	early   *early.Plugin
	opened  int
	loadMs  int64
	navs    int
	errors  int
	timers  []pendingTimer
	done    bool
	beacons int
}

// Stats summarises a generator's activity.
type Stats struct {
	Opened   int `json:"opened"`
	Unloaded int `json:"unloaded"`
	Beacons  int `json:"beacons"`
}

// Generator owns a set of simulated pages. Step and everything it calls run
// on the scheduler's goroutine.
type Generator struct {
	sched loop.Scheduler
	opts  Options
	rng   *rand.Rand
	tick  int
	pages []*page
	stats Stats
}

func NewGenerator(sched loop.Scheduler, opts Options) *Generator {
	if opts.Logf == nil {
		opts.Logf = func(string, ...any) {}
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		sched: sched,
		opts:  opts,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Run opens the pages and steps them every tick until ctx is done. post
// must run its argument on the scheduler's goroutine.
func (g *Generator) Run(ctx context.Context, tick time.Duration, post func(func())) {
	if tick <= 0 {
		tick = DefaultTick
	}
	post(g.Open)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			post(g.Step)
		}
	}
}

// Open starts one page per selected script.
func (g *Generator) Open() {
	for _, s := range Scripts {
		if len(g.opts.Scripts) > 0 && !slices.Contains(g.opts.Scripts, s.Name) {
			continue
		}
		g.pages = append(g.pages, g.open(s))
	}
}

func (g *Generator) open(s Script) *page {
	h := host.NewStatic(g.opts.SiteURL + s.Path)
	h.Ref = s.Referrer
	h.SetClock(g.sched.Now)
	if s.Prerender {
		h.TriggerVisibility(host.Prerender)
	}
	if s.ParsedAt > 0 {
		h.BeginLoading()
	}

	a := agent.New(agent.Options{
		Scheduler:  g.sched,
		Host:       h,
		Strategies: g.opts.Strategies,
		Logf:       g.opts.Logf,
	})
	p := &page{
		script: s,
		host:   h,
		agent:  a,
		early:  early.New(a, h),
		opened: g.tick,
		loadMs: int64(300 + g.rng.Intn(2500)),
	}
	a.Register(early.Name, p.early)
	a.Register(guid.Name, guid.New(a, h))
	a.Subscribe(event.PageReady, func(_, _ any) { g.onPageReady(p) })
	a.Subscribe(event.PageUnload, func(_, _ any) {
		a.AddVar("rt.quit", "")
		a.SendBeacon()
	})
	a.Subscribe(event.Beacon, func(_, _ any) {
		p.beacons++
		g.stats.Beacons++
	})

	cfg := g.opts.Agent
	a.Init(&cfg)
	g.stats.Opened++
	g.opts.Logf("[simulate] opened %s page %s", s.Name, a.PageID())
	return p
}

// The simulator plays the part of a timing plugin: once the page is
// ready it records the load time and asks for the page load beacon.
func (g *Generator) onPageReady(p *page) {
	p.agent.AddVar("rt.start", "navigation")
	p.agent.AddVar("t_done", p.loadMs, true)
	p.agent.AddVar("t_page", p.loadMs*2/3, true)
	p.agent.SendBeacon()
}

// Step advances every page by one tick.
func (g *Generator) Step() {
	g.tick++
	for i, p := range g.pages {
		if p.done {
			if g.opts.Recycle {
				g.pages[i] = g.open(p.script)
			}
			continue
		}
		g.advance(p, g.tick-p.opened)
	}
}

func (g *Generator) advance(p *page, t int) {
	s := p.script
	a := p.agent

	if s.Prerender && t == s.VisibleAt {
		p.host.TriggerVisibility(host.Visible)
	}
	if t == s.ParsedAt {
		p.host.TriggerDOMContentLoaded()
	}
	if t == s.LoadAt {
		p.host.TriggerLoad()
	}

	loaded := s.LoadAt > 0 && t > s.LoadAt
	if loaded && s.SPAEvery > 0 && (t-s.LoadAt)%s.SPAEvery == 0 {
		p.navs++
		now := g.sched.Now()
		p.host.Page = fmt.Sprintf("%s%s#/view/%d", g.opts.SiteURL, s.Path, p.navs)
		a.FireEvent(event.SPANavigation, nil)
		a.ResponseEnd(&agent.ResponseEvent{
			URL:       p.host.Page,
			Initiator: "spa",
			Timing: map[string]int64{
				"requestStart": now.Add(-time.Duration(100+g.rng.Intn(900)) * time.Millisecond).UnixMilli(),
				"loadEventEnd": now.UnixMilli(),
			},
		})
	}
	if loaded && s.XHREvery > 0 && (t-s.LoadAt)%s.XHREvery == 0 {
		p.timers = append(p.timers, pendingTimer{timer: a.RequestStart("search"), due: t + s.XHRLength})
	}
	if len(p.timers) > 0 {
		kept := p.timers[:0]
		for _, pt := range p.timers {
			if pt.due <= t {
				pt.timer.Loaded(nil)
				continue
			}
			kept = append(kept, pt)
		}
		p.timers = kept
	}
	if loaded && s.ErrorEvery > 0 && (t-s.LoadAt)%s.ErrorEvery == 0 {
		p.errors++
		a.AddError(fmt.Errorf("checkout failed: attempt %d", p.errors), "simulate")
		a.SendBeacon()
	}
	if t == s.HideAt {
		p.host.TriggerVisibility(host.Hidden)
	}
	if t >= s.Lifetime {
		p.host.TriggerUnload(host.PageHide)
		p.host.TriggerUnload(host.BeforeUnload)
		p.done = true
		g.stats.Unloaded++
		g.opts.Logf("[simulate] unloaded %s page %s after %d beacons", s.Name, a.PageID(), p.beacons)
	}
}

// Stats returns the totals so far. Call it on the scheduler's goroutine.
func (g *Generator) Stats() Stats { return g.stats }
