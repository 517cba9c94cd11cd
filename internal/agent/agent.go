// Package agent is the beacon coordinator. It owns the variable set, the
// event bus and the plugin registry of one page, decides when a beacon may
// leave and hands the finished payload to the transport.
//
// An Agent is not safe for concurrent use. All of its methods, and every
// callback it registers, run on the goroutine that drives its Scheduler.
package agent

import (
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pageflo/pflo/internal/beacon"
	"github.com/pageflo/pflo/internal/config"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/loop"
	"github.com/pageflo/pflo/internal/plugin"
	"github.com/pageflo/pflo/internal/session"
	"github.com/pageflo/pflo/internal/transport"
)

// Version is reported on every beacon as v. Overridden at link time.
var Version = "1.0.0"

// SPAInitiators are the http.initiator values that mark an in-page
// navigation. Such beacons count as page loads and are not held back
// behind the first page load beacon.
var SPAInitiators = []string{"spa", "spa_hard"}

// Options wires an Agent to its environment.
type Options struct {
	Scheduler  loop.Scheduler
	Host       host.Host
	Strategies transport.Strategies
	// Store persists the session record. Nil keeps it in memory.
	Store *session.Store
	// Logf receives console output. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// Agent coordinates beacons for a single page lifetime.
type Agent struct {
	sched   loop.Scheduler
	host    host.Host
	bus     *event.Bus
	plugins *plugin.Registry
	vars    *beacon.Vars
	sender  *transport.Sender
	logf    func(format string, args ...any)

	store          *session.Store
	limiter        *session.Limiter
	session        session.Record
	sessionEnabled bool
	sessionTimeout time.Duration

	autorun          bool
	stripQueryString bool
	urlLimit         int
	snippetVersion   string
	snippetMethod    string
	handlersAttached bool

	beaconQueued          bool
	beaconInQueue         bool
	hasSentPageLoadBeacon bool
	onloadFired           bool
	override              string
	beaconsSent           int
	pageID                string

	errors     map[string]*tally
	errorOrder []*tally

	pageLoadWaiters []func()
	beaconWaiters   []func()

	unloadEventsCount int
	unloadEventCalled int

	lastVisibility      map[string]time.Time
	lastVisibilityState string
}

// New returns an Agent with the builtin events registered and no plugins.
func New(opts Options) *Agent {
	a := &Agent{
		sched:          opts.Scheduler,
		host:           opts.Host,
		vars:           beacon.NewVars(),
		store:          opts.Store,
		logf:           opts.Logf,
		autorun:        true,
		snippetMethod:  "i",
		sessionTimeout: session.DefaultTimeout,
		errors:         make(map[string]*tally),
		lastVisibility: make(map[string]time.Time),
	}
	if a.logf == nil {
		a.logf = log.Printf
	}
	a.bus = event.NewBus(
		event.WithReporter(a.report),
		event.WithDispatcher(a.host),
		event.WithFlush(a.realSend),
	)
	a.bus.Register(event.Loaded)
	a.plugins = plugin.NewRegistry(a.report)
	a.sender = transport.New(opts.Strategies, transport.Options{ForceHTTPS: true})
	a.sender.Logf = a.logf
	a.sender.OnBeacon = a.onBeacon
	a.sender.OnError = func(err error) { a.AddError(err, "sendBeaconData") }
	return a
}

// Register adds a plugin. Plugins are initialised by Init in registration
// order.
func (a *Agent) Register(name string, p plugin.Plugin) {
	a.plugins.Register(name, p)
}

// Plugins exposes the registry for inspection.
func (a *Agent) Plugins() *plugin.Registry { return a.plugins }

// Init applies configuration. It may be called again later; event handlers
// are attached only on the first call.
func (a *Agent) Init(cfg *config.AgentConfig) {
	if cfg == nil {
		cfg = &config.Default().Agent
	}
	if a.pageID == "" {
		a.pageID = generateID(8)
	}

	a.autorun = cfg.Autorun
	a.stripQueryString = cfg.StripQueryString
	a.urlLimit = cfg.URLLimit
	a.snippetVersion = cfg.Snippet.Version
	if cfg.Snippet.Method != "" {
		a.snippetMethod = cfg.Snippet.Method
	}
	a.initSession(cfg)

	a.plugins.Init(cfg)

	if err := a.sender.Configure(transportOptions(cfg)); err != nil {
		a.AddError(err, "init")
	}

	if !a.handlersAttached && !a.onloadFired && a.autorun {
		a.attachPageReady(a.pageReadyAutorun)
	}
	if a.handlersAttached {
		return
	}

	a.FireEvent(event.Config, cfg)
	a.Subscribe(event.Config, a.onConfig)
	a.Subscribe(event.SPANavigation, a.onSPANavigation)
	a.Subscribe(event.XHRLoad, a.onXHRLoad)
	a.host.OnDOMContentLoaded(func() { a.bus.Fire(event.DOMLoaded, nil) })
	a.attachVisibility()

	a.handlersAttached = true
	// Not fired on the bus, which would flush a beacon queued by a config
	// handler inside Init.
	a.host.Dispatch(event.PublicAliases[event.Loaded], nil)
}

func transportOptions(cfg *config.AgentConfig) transport.Options {
	return transport.Options{
		URL:              cfg.BeaconURL,
		Policy:           transport.ParsePolicy(cfg.BeaconType),
		AuthKey:          cfg.BeaconAuthKey,
		AuthToken:        cfg.BeaconAuthToken,
		WithCredentials:  cfg.BeaconWithCredentials,
		DisableBeaconAPI: cfg.BeaconDisableSendBeacon,
		ForceHTTPS:       cfg.BeaconURLForceHTTPS,
		Allowed:          cfg.BeaconURLsAllowed,
		Serializer:       serializer(cfg.CompactObjects),
	}
}

func serializer(compact bool) beacon.Serializer {
	if compact {
		return beacon.Compact{}
	}
	return beacon.JSON{}
}

func (a *Agent) initSession(cfg *config.AgentConfig) {
	a.sessionEnabled = cfg.Session.Enabled
	if cfg.Session.Timeout > 0 {
		a.sessionTimeout = cfg.Session.Timeout
	}
	a.limiter = session.NewLimiter(cfg.Session.RateLimit, cfg.Session.Burst)
	if !a.sessionEnabled {
		return
	}
	if a.session.ID == "" && a.store != nil {
		rec, err := a.store.Session()
		if err != nil {
			a.AddError(err, "session.load")
		} else {
			a.session = rec
		}
	}
	if cfg.SiteDomain != "" {
		a.session.Domain = cfg.SiteDomain
	}
	a.session.Enabled = true
	a.session.Ensure(a.sched.Now(), a.sessionTimeout)
}

// onConfig follows beacon_url changes delivered after startup.
func (a *Agent) onConfig(data, _ any) {
	if cfg, ok := data.(*config.AgentConfig); ok && cfg.BeaconURL != "" {
		a.sender.SetURL(cfg.BeaconURL)
	}
}

// An SPA navigation means the page is loaded as far as page_ready is
// concerned.
func (a *Agent) onSPANavigation(_, _ any) {
	a.onloadFired = true
}

// PageID is the random identifier of this page lifetime.
func (a *Agent) PageID() string { return a.pageID }

// HasSentPageLoadBeacon reports whether the first page load beacon has gone
// out.
func (a *Agent) HasSentPageLoadBeacon() bool { return a.hasSentPageLoadBeacon }

// BeaconsSent is the number of beacons built so far.
func (a *Agent) BeaconsSent() int { return a.beaconsSent }

// Session returns a copy of the current session record.
func (a *Agent) Session() session.Record { return a.session }

// Disable drops every event handler. It cannot be undone.
func (a *Agent) Disable() {
	a.bus.Disable()
}

// RegisterEvent makes name available to Subscribe and FireEvent.
func (a *Agent) RegisterEvent(name string) { a.bus.Register(name) }

// FireEvent dispatches data to the handlers of name.
func (a *Agent) FireEvent(name string, data any) bool {
	return a.bus.Fire(name, data)
}

// Variable API.

func (a *Agent) AddVar(name string, value any, single ...bool) {
	a.vars.Add(name, value, len(single) > 0 && single[0])
}

// AddVars adds every entry of vars in name order.
func (a *Agent) AddVars(vars map[string]any, single bool) {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		a.vars.Add(k, vars[k], single)
	}
}

func (a *Agent) AppendVar(name, value string)      { a.vars.Append(name, value) }
func (a *Agent) RemoveVar(names ...string)         { a.vars.Remove(names...) }
func (a *Agent) HasVar(name string) bool           { return a.vars.Has(name) }
func (a *Agent) GetVar(name string) (any, bool)    { return a.vars.Get(name) }
func (a *Agent) SetVarPriority(name string, p int) { a.vars.SetPriority(name, p) }

// Vars exposes the live variable set.
func (a *Agent) Vars() *beacon.Vars { return a.vars }

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func generateID(n int) string {
	var out []byte
	for len(out) < n {
		for _, b := range uuid.New() {
			out = append(out, idAlphabet[int(b)%len(idAlphabet)])
		}
	}
	return string(out[:n])
}
