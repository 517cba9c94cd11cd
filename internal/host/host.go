// Package host abstracts the page environment the agent is embedded in.
package host

import (
	"errors"
	"time"
)

// ErrCrossOrigin is returned (or wrapped) when the host refuses access to
// another origin's state. The agent treats it as expected and does not
// record it.
var ErrCrossOrigin = errors.New("cross-origin access denied")

// Visibility states.
const (
	Visible   = "visible"
	Hidden    = "hidden"
	Prerender = "prerender"
)

// UnloadKind names one of the unload-family events.
type UnloadKind int

const (
	PageHide UnloadKind = iota
	Unload
	BeforeUnload
)

func (k UnloadKind) String() string {
	switch k {
	case PageHide:
		return "pagehide"
	case Unload:
		return "unload"
	case BeforeUnload:
		return "beforeunload"
	default:
		return "unknown"
	}
}

// CookieJar stores small named values with an expiry.
type CookieJar interface {
	Cookie(name string) (string, bool)
	SetCookie(name, value string, maxAge time.Duration) error
}

// Host is the environment the agent observes. Callbacks registered through
// it are always invoked on the agent's loop.
type Host interface {
	CookieJar

	// TornDown reports that the environment is gone and nothing can be
	// sent any more.
	TornDown() bool

	Visibility() string
	Platform() string
	Vendor() string
	InFrame() bool
	URL() string
	Referrer() string

	// Dispatch mirrors a public event to non-plugin listeners.
	Dispatch(name string, data any)

	// SupportsPageHide reports whether PageHide fires; otherwise Unload
	// is used.
	SupportsPageHide() bool
	OnUnload(kind UnloadKind, fn func())

	// DOMLoading reports whether the document is still being parsed.
	DOMLoading() bool
	// OnDOMContentLoaded registers fn for the end of parsing. It never
	// runs if parsing finished before the call.
	OnDOMContentLoaded(fn func())

	// OnLoadFired reports whether the page has finished loading.
	OnLoadFired() bool
	// OnPageShow registers fn for the page load (or page show) event.
	OnPageShow(fn func())
	OnVisibilityChange(fn func())
}
