package agent

import (
	"slices"
	"strings"
	"time"

	"github.com/pageflo/pflo/internal/beacon"
	"github.com/pageflo/pflo/internal/event"
)

// SendBeacon asks for the pending variables to be sent. The request is
// queued and carried out once the loop is idle; repeated calls before then
// collapse into one attempt. An optional URL replaces the configured
// beacon URL for that attempt only.
func (a *Agent) SendBeacon(override ...string) bool {
	if len(override) > 0 && override[0] != "" {
		a.override = override[0]
	}
	if !a.beaconQueued {
		a.beaconQueued = true
		a.sched.Immediate(a.realSend)
	}
	return true
}

// realSend builds and transmits the queued beacon. It does nothing unless
// a beacon is queued and every enabled plugin is complete.
func (a *Agent) realSend() {
	if !a.beaconQueued {
		return
	}
	a.beaconQueued = false
	override := a.override
	a.override = ""

	if !a.plugins.Complete(a.vars) {
		return
	}
	if a.host.TornDown() {
		return
	}

	initiator := a.vars.String("http.initiator")
	isSPA := slices.Contains(SPAInitiators, initiator)
	isPageLoad := !a.vars.Has("http.initiator") || isSPA

	rateLimited := a.enrich(isSPA)

	a.bus.Fire(event.BeforeBeacon, a.vars)

	sent := a.vars.Clone()

	a.vars.Remove("qt", "pgu")

	if !a.vars.Has("early") {
		for _, name := range a.vars.Keys() {
			if a.vars.IsSingle(name) {
				a.vars.Remove(name)
			}
		}
		a.vars.ClearSingle()

		if !a.hasSentPageLoadBeacon && isPageLoad {
			a.hasSentPageLoadBeacon = true
			a.sched.Immediate(func() {
				a.bus.Fire(event.PageLoadBeacon, sent)
				a.resume(&a.pageLoadWaiters)
			})
		}
	}

	if rateLimited {
		return
	}

	a.beaconInQueue = false

	a.sender.Send(sent, override)
}

// enrich sets the derived fields every beacon carries and reports whether
// the session is rate limited.
func (a *Agent) enrich(isSPA bool) (rateLimited bool) {
	v := a.vars
	now := a.sched.Now()

	if v.String("pgu") == "" {
		pgu := a.host.URL()
		if !isSPA {
			if i := strings.IndexByte(pgu, '#'); i >= 0 {
				pgu = pgu[:i]
			}
		}
		v.Set("pgu", pgu)
	}
	v.Set("pgu", a.cleanupURL(v.String("pgu")))

	if v.String("u") == "" || isSPA {
		v.Set("u", v.String("pgu"))
	}
	if v.String("pgu") == v.String("u") {
		v.Remove("pgu")
	}

	if ref := a.host.Referrer(); ref != "" {
		v.Set("r", a.cleanupURL(ref))
	} else {
		v.Remove("r")
	}

	v.Set("v", Version)
	if a.snippetVersion != "" {
		v.Set("sv", a.snippetVersion)
	}
	v.Set("sm", a.snippetMethod)

	if a.sessionEnabled {
		rateLimited = a.touchSession(now)
		v.Set("rt.si", a.session.Token())
		v.Set("rt.ss", a.session.Start)
		v.Set("rt.sl", a.session.Length)
	} else {
		v.Remove("rt.si", "rt.ss", "rt.sl")
	}

	if vis := a.host.Visibility(); vis != "" {
		v.Set("vis.st", vis)
		if t, ok := a.lastVisibility["visible"]; ok {
			v.Set("vis.lv", now.Sub(t).Milliseconds())
		}
		if t, ok := a.lastVisibility["hidden"]; ok {
			v.Set("vis.lh", now.Sub(t).Milliseconds())
		}
	}

	v.Set("ua.plt", a.host.Platform())
	v.Set("ua.vnd", a.host.Vendor())

	if a.pageID != "" {
		v.Set("pid", a.pageID)
	}

	a.beaconsSent++
	v.Set("n", a.beaconsSent)

	if a.host.InFrame() {
		v.Set("if", "")
	}

	if digest := a.errorDigest(); digest != "" {
		v.Add("errors", digest, true)
	}
	a.clearErrors()

	return rateLimited
}

// touchSession counts this beacon against the session and persists it.
func (a *Agent) touchSession(now time.Time) bool {
	a.session.Ensure(now, a.sessionTimeout)
	a.session.Touch(now)
	if !a.limiter.Allow(now) {
		a.session.RateLimited = true
	}
	if a.store != nil {
		if err := a.store.SaveSession(a.session); err != nil {
			a.AddError(err, "session.save")
		}
	}
	return a.session.RateLimited
}

// cleanupURL redacts the query string when configured and shortens URLs
// over the limit, preferring to cut at the query string.
func (a *Agent) cleanupURL(u string) string {
	if u == "" {
		return ""
	}
	if a.stripQueryString {
		if i := strings.IndexByte(u, '?'); i >= 0 {
			u = u[:i] + "?qs-redacted"
		}
	}
	if a.urlLimit > 0 && len(u) > a.urlLimit {
		if i := strings.IndexByte(u, '?'); i >= 0 && i < a.urlLimit {
			u = u[:i] + "?..."
		} else {
			cut := a.urlLimit - 3
			if cut < 0 {
				cut = 0
			}
			u = u[:cut] + "..."
		}
	}
	return u
}

// onBeacon runs from the transport with the final payload.
func (a *Agent) onBeacon(sent *beacon.Vars) {
	a.bus.Fire(event.Beacon, sent)
	if len(a.beaconWaiters) > 0 {
		a.sched.Immediate(func() { a.resume(&a.beaconWaiters) })
	}
}

// resume runs and clears the continuations parked in q. A continuation
// that still cannot proceed parks itself again.
func (a *Agent) resume(q *[]func()) {
	waiting := *q
	*q = nil
	for _, fn := range waiting {
		fn()
	}
}

// SendBeaconWhenReady adds params as single-beacon variables, runs fn and
// sends, once no other beacon is being composed.
func (a *Agent) SendBeaconWhenReady(params map[string]any, fn func()) {
	if a.beaconInQueue {
		a.beaconWaiters = append(a.beaconWaiters, func() { a.SendBeaconWhenReady(params, fn) })
		return
	}
	a.beaconInQueue = true
	a.AddVars(params, true)
	if fn != nil {
		fn()
	}
	a.SendBeacon()
}
