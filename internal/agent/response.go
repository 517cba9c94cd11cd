package agent

import (
	"slices"
	"time"

	"github.com/pageflo/pflo/internal/event"
)

// ReadyRetry is how long ResponseEnd waits before asking plugins again
// whether they are ready to send.
const ReadyRetry = time.Second

// Response is the argument of ResponseEnd: a ResponseName for a named
// timer or a ResponseEvent for an instrumented request.
type Response interface {
	initiator() string
}

// ResponseName ends a named timer. Zero Start or End default to the time
// of the first ResponseEnd call.
type ResponseName struct {
	Name  string
	Start time.Time
	End   time.Time
	Data  any
}

func (ResponseName) initiator() string { return "" }

// ResponseEvent describes an instrumented request. It is fired as is on
// xhr_load.
type ResponseEvent struct {
	URL       string
	Initiator string
	Data      any
	Timing    map[string]int64
}

func (r *ResponseEvent) initiator() string {
	if r == nil {
		return ""
	}
	return r.Initiator
}

// XHRLoad is the xhr_load payload for a named timer.
type XHRLoad struct {
	Name   string
	Data   any
	Timing Timing
}

// Timing holds unix millisecond timestamps.
type Timing struct {
	RequestStart int64
	LoadEventEnd int64
}

// ResponseEnd composes a beacon for a finished request or timer. It waits,
// without failing, until plugins are ready to send, the page load beacon
// has gone out (unless this is an SPA navigation) and no other beacon is
// being composed.
func (a *Agent) ResponseEnd(r Response) {
	if r == nil {
		return
	}
	if n, ok := r.(ResponseName); ok {
		now := a.sched.Now()
		if n.Start.IsZero() {
			n.Start = now
		}
		if n.End.IsZero() {
			n.End = now
		}
		r = n
	}
	a.responseEnd(r)
}

func (a *Agent) responseEnd(r Response) {
	if !a.plugins.ReadyToSend() {
		a.sched.After(ReadyRetry, func() { a.responseEnd(r) })
		return
	}

	if !a.hasSentPageLoadBeacon && !slices.Contains(SPAInitiators, r.initiator()) {
		a.pageLoadWaiters = append(a.pageLoadWaiters, func() { a.responseEnd(r) })
		return
	}

	if a.beaconInQueue {
		a.beaconWaiters = append(a.beaconWaiters, func() { a.responseEnd(r) })
		return
	}

	a.beaconInQueue = true

	switch r := r.(type) {
	case *ResponseEvent:
		if r == nil || r.URL == "" {
			a.logf("[agent] ResponseEnd: event has no URL")
			a.beaconInQueue = false
			return
		}
		a.bus.Fire(event.XHRLoad, r)
	case ResponseName:
		// Flush whatever is queued before the timer's page group is set.
		a.realSend()
		a.AddVar("xhr.pg", r.Name, true)
		a.bus.Fire(event.XHRLoad, XHRLoad{
			Name: "xhr_" + r.Name,
			Data: r.Data,
			Timing: Timing{
				RequestStart: r.Start.UnixMilli(),
				LoadEventEnd: r.End.UnixMilli(),
			},
		})
	}
}

// onXHRLoad turns a response into a beacon of its own. Plugins that
// subscribed earlier have already added their variables.
func (a *Agent) onXHRLoad(data, _ any) {
	switch r := data.(type) {
	case XHRLoad:
		a.AddVar("http.initiator", "xhr", true)
		a.AddVar("rt.start", "manual", true)
		a.AddVar("t_done", r.Timing.LoadEventEnd-r.Timing.RequestStart, true)
	case *ResponseEvent:
		initiator := r.Initiator
		if initiator == "" {
			initiator = "xhr"
		}
		a.AddVar("http.initiator", initiator, true)
		a.AddVar("u", r.URL, true)
		if start, ok := r.Timing["requestStart"]; ok {
			if end, ok := r.Timing["loadEventEnd"]; ok {
				a.AddVar("t_done", end-start, true)
			}
		}
	default:
		return
	}
	a.SendBeacon()
}

// Timer is a running named timer.
type Timer struct {
	a     *Agent
	name  string
	start time.Time
}

// RequestStart starts a named timer.
func (a *Agent) RequestStart(name string) *Timer {
	return &Timer{a: a, name: name, start: a.sched.Now()}
}

// Loaded ends the timer and composes its beacon.
func (t *Timer) Loaded(data any) {
	t.a.ResponseEnd(ResponseName{Name: t.name, Start: t.start, Data: data})
}
