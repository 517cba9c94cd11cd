package agent

import (
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
)

// PageReadyEvent is the page_ready payload.
type PageReadyEvent struct {
	Name string
	// LoadEventEnd is set, in unix ms, when the page declared itself ready
	// by calling PageReady.
	LoadEventEnd int64
}

// Subscribe adds fn to the named event. Besides plain bus semantics, a
// page_ready subscription made after the page is ready runs soon, and
// unload subscriptions are attached to the host's unload events.
func (a *Agent) Subscribe(name string, fn event.Handler, opts ...event.SubscribeOption) {
	if !a.bus.Subscribe(name, fn, opts...) {
		return
	}
	sub := event.Describe(opts...)

	switch event.Canonical(name) {
	case event.PageReady:
		if a.onloadFired && a.autorun {
			a.sched.Immediate(func() { fn(nil, sub.CallbackData) })
		}
	case event.PageUnload:
		a.attachUnload(fn, sub.CallbackData, true)
	case event.BeforeUnload:
		a.attachUnload(fn, sub.CallbackData, false)
	}
}

// attachUnload hooks fn to the host's unload family. Whichever of the
// events fires first runs fn; the others are no-ops. The last unload
// handler to run flushes a queued beacon synchronously, since nothing
// scheduled for later will run.
func (a *Agent) attachUnload(fn event.Handler, cbData any, pageUnload bool) {
	a.unloadEventsCount++

	ran := false
	handler := func() {
		if ran {
			return
		}
		ran = true
		a.guard("unload", func() { fn(nil, cbData) })

		a.unloadEventCalled++
		if a.unloadEventCalled == a.unloadEventsCount {
			a.realSend()
		}
	}

	if pageUnload {
		if a.host.SupportsPageHide() {
			a.host.OnUnload(host.PageHide, handler)
		} else {
			a.host.OnUnload(host.Unload, handler)
		}
	}
	a.host.OnUnload(host.BeforeUnload, handler)
}

// attachPageReady runs cb on page show, or soon if the page has already
// loaded.
func (a *Agent) attachPageReady(cb func()) {
	if a.host.OnLoadFired() {
		a.sched.Immediate(cb)
		return
	}
	a.host.OnPageShow(cb)
}

func (a *Agent) pageReadyAutorun() {
	if a.autorun {
		a.pageReady(true)
	}
}

// PageReady declares the page ready when autorun is off, or when the page
// knows better than the load event. It marks the next beacon with pr=1.
func (a *Agent) PageReady() {
	a.pageReady(false)
}

func (a *Agent) pageReady(auto bool) {
	ev := PageReadyEvent{Name: "load"}
	if !auto {
		ev.LoadEventEnd = a.sched.Now().UnixMilli()
		a.AddVar("pr", 1, true)
	}
	if a.onloadFired {
		return
	}
	a.bus.Fire(event.PageReady, ev)
	a.onloadFired = true
}

// attachVisibility mirrors host visibility changes as visibility_changed
// and tracks when each state was last entered.
func (a *Agent) attachVisibility() {
	a.lastVisibilityState = a.host.Visibility()
	a.host.OnVisibilityChange(func() { a.bus.Fire(event.VisibilityChanged, nil) })
	a.Subscribe(event.VisibilityChanged, a.onVisibilityChanged)
}

func (a *Agent) onVisibilityChanged(_, _ any) {
	state := a.host.Visibility()
	a.lastVisibility[state] = a.sched.Now()

	if a.lastVisibilityState == host.Prerender && state != host.Prerender {
		a.AddVar("vis.pre", "1")
		a.bus.Fire(event.PrerenderToVisible, nil)
	}
	a.lastVisibilityState = state
}
