// Package early sends a small beacon as soon as the agent is configured,
// before the page has finished loading. Single-beacon variables survive
// it and go out again on the page load beacon.
package early

import (
	"fmt"
	"slices"

	"github.com/pageflo/pflo/internal/agent"
	"github.com/pageflo/pflo/internal/beacon"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/plugin"
)

// Name is the plugin's registry and configuration key.
const Name = "early"

// Agent is the part of the coordinator the plugin drives.
type Agent interface {
	AddVar(name string, value any, single ...bool)
	RemoveVar(names ...string)
	Subscribe(name string, fn event.Handler, opts ...event.SubscribeOption)
	RegisterEvent(name string)
	FireEvent(name string, data any) bool
	SendBeacon(override ...string) bool
}

// Page is the part of the host the plugin inspects.
type Page interface {
	Visibility() string
	DOMLoading() bool
	OnLoadFired() bool
}

// Options is the plugin's configuration block.
type Options struct {
	SinglePageApp bool `yaml:"single_page_app"`
}

// Trigger is passed to Send by navigation sources.
type Trigger struct {
	Initiator string
}

type Plugin struct {
	agent Agent
	page  Page

	initialized bool
	autorun     bool
	spa         bool
	configFired bool
	sent        bool
}

func New(a Agent, p Page) *Plugin {
	return &Plugin{agent: a, page: p, autorun: true}
}

func (p *Plugin) Init(cfg plugin.Config) error {
	if p.initialized {
		return nil
	}
	if ar, ok := cfg.(plugin.Autorunner); ok {
		p.autorun = ar.AutorunEnabled()
	}
	var opts Options
	if cfg != nil {
		if sec := cfg.Plugin(Name); sec != nil {
			if err := sec.Decode(&opts); err != nil {
				return fmt.Errorf("early: %w", err)
			}
		}
	}
	p.spa = opts.SinglePageApp

	p.agent.RegisterEvent(event.BeforeEarlyBeacon)
	for _, name := range []string{event.Config, event.DOMLoaded, event.PrerenderToVisible} {
		p.agent.Subscribe(name, p.onTrigger, event.CallbackData(name), event.Scope(p), event.Once())
	}
	p.agent.Subscribe(event.SPAInit, p.onSPAInit, event.Scope(p))
	p.agent.Subscribe(event.Beacon, p.clear, event.Scope(p))
	p.agent.Subscribe(event.BeforeBeacon, p.onBeforeBeacon, event.Scope(p))

	p.initialized = true
	return nil
}

func (p *Plugin) IsComplete(*beacon.Vars) bool { return true }

// Sent reports whether the early beacon of the current navigation has
// been requested.
func (p *Plugin) Sent() bool { return p.sent }

func (p *Plugin) onTrigger(data, cbData any) {
	name, _ := cbData.(string)
	p.Send(data, name)
}

// Send requests the early beacon in response to the named trigger, unless
// one was already sent for this navigation or it is too late for one.
func (p *Plugin) Send(data any, trigger string) {
	if trigger == event.Config {
		p.configFired = true
	}

	var initiator string
	if t, ok := data.(Trigger); ok {
		initiator = t.Initiator
	}

	if p.sent || p.page.Visibility() == host.Prerender {
		return
	}
	if p.spa {
		if !slices.Contains(agent.SPAInitiators, trigger) {
			return
		}
	} else if !p.autorun ||
		(!p.configFired && trigger == event.PrerenderToVisible) ||
		p.page.DOMLoading() ||
		p.page.OnLoadFired() {
		return
	}

	p.sent = true
	p.agent.AddVar("early", "1")
	if slices.Contains(agent.SPAInitiators, initiator) {
		p.agent.AddVar("http.initiator", initiator)
		p.agent.AddVar("rt.start", "manual")
	}
	p.agent.FireEvent(event.BeforeEarlyBeacon, data)
	p.agent.SendBeacon()
}

// A new SPA navigation gets its own early beacon.
func (p *Plugin) onSPAInit(_, _ any) {
	p.sent = false
}

func (p *Plugin) clear(_, _ any) {
	p.agent.RemoveVar("early")
}

// An unload beacon is never early.
func (p *Plugin) onBeforeBeacon(data, _ any) {
	if vars, ok := data.(*beacon.Vars); ok && vars.Has("rt.quit") {
		p.clear(nil, nil)
	}
}
