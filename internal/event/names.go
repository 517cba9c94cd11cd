package event

import "strings"

// Event names known to the agent.
const (
	PageReady          = "page_ready"
	PageUnload         = "page_unload"
	BeforeUnload       = "before_unload"
	DOMLoaded          = "dom_loaded"
	VisibilityChanged  = "visibility_changed"
	PrerenderToVisible = "prerender_to_visible"
	BeforeBeacon       = "before_beacon"
	Beacon             = "beacon"
	PageLoadBeacon     = "page_load_beacon"
	XHRLoad            = "xhr_load"
	Click              = "click"
	FormSubmit         = "form_submit"
	Config             = "config"
	XHRInit            = "xhr_init"
	SPAInit            = "spa_init"
	SPANavigation      = "spa_navigation"
	SPACancel          = "spa_cancel"
	XHRSend            = "xhr_send"
	XHRError           = "xhr_error"
	Error              = "error"
	NetInfo            = "netinfo"
	RageClick          = "rage_click"
	BeforeEarlyBeacon  = "before_early_beacon"
	Loaded             = "onpfloloaded"
)

// Builtin lists the names registered on every new Bus.
var Builtin = []string{
	PageReady, PageUnload, BeforeUnload, DOMLoaded, VisibilityChanged,
	PrerenderToVisible, BeforeBeacon, Beacon, PageLoadBeacon, XHRLoad,
	Click, FormSubmit, Config, XHRInit, SPAInit, SPANavigation, SPACancel,
	XHRSend, XHRError, Error, NetInfo, RageClick, BeforeEarlyBeacon,
}

// translate maps deprecated names onto their current form.
var translate = map[string]string{
	"onbeacon":   Beacon,
	"onconfig":   Config,
	"onerror":    Error,
	"onxhrerror": XHRError,
}

// PublicAliases are the names mirrored to the host for non-plugin
// listeners.
var PublicAliases = map[string]string{
	BeforeBeacon: "onBeforePageFloBeacon",
	Beacon:       "onPageFloBeacon",
	Loaded:       "onPageFloLoaded",
}

// noFlush names must not flush a queued beacon before dispatch; they are
// fired from inside the beacon build path.
var noFlush = map[string]bool{
	BeforeBeacon:      true,
	Beacon:            true,
	BeforeEarlyBeacon: true,
}

// Canonical lower-cases name and applies the deprecated-name table.
func Canonical(name string) string {
	name = strings.ToLower(name)
	if t, ok := translate[name]; ok {
		return t
	}
	return name
}
