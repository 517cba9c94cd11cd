package host

import (
	"sync"
	"time"
)

// Static is an in-memory Host. Its fields can be set freely before use and
// its Trigger methods play the part of the page. Callbacks run on the
// goroutine that triggers them.
type Static struct {
	Page       string
	Ref        string
	Frame      bool
	Dead       bool
	Plat       string
	Vend       string
	NoPageHide bool

	mu         sync.Mutex
	visibility string
	domLoading bool
	loaded     bool
	domLoaded  []func()
	unload     map[UnloadKind][]func()
	pageShow   []func()
	visChange  []func()
	cookies    map[string]staticCookie
	dispatched []Dispatched
	now        func() time.Time
}

type staticCookie struct {
	value   string
	expires time.Time
}

// Dispatched is one public event mirrored through a Static host.
type Dispatched struct {
	Name string
	Data any
}

// NewStatic returns a visible, parsed but not yet loaded page at url.
func NewStatic(url string) *Static {
	return &Static{
		Page:       url,
		Plat:       "Linux x86_64",
		Vend:       "pflo",
		visibility: Visible,
		unload:     make(map[UnloadKind][]func()),
		cookies:    make(map[string]staticCookie),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for cookie expiry.
func (s *Static) SetClock(now func() time.Time) { s.now = now }

func (s *Static) TornDown() bool   { return s.Dead }
func (s *Static) Platform() string { return s.Plat }
func (s *Static) Vendor() string   { return s.Vend }
func (s *Static) InFrame() bool    { return s.Frame }
func (s *Static) URL() string      { return s.Page }
func (s *Static) Referrer() string { return s.Ref }

func (s *Static) SupportsPageHide() bool { return !s.NoPageHide }

func (s *Static) Visibility() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibility
}

func (s *Static) Dispatch(name string, data any) {
	s.mu.Lock()
	s.dispatched = append(s.dispatched, Dispatched{Name: name, Data: data})
	s.mu.Unlock()
}

// Events returns the public events mirrored so far.
func (s *Static) Events() []Dispatched {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Dispatched(nil), s.dispatched...)
}

func (s *Static) OnUnload(kind UnloadKind, fn func()) {
	s.mu.Lock()
	s.unload[kind] = append(s.unload[kind], fn)
	s.mu.Unlock()
}

// BeginLoading puts the document back into the parsing state, before
// DOMContentLoaded.
func (s *Static) BeginLoading() {
	s.mu.Lock()
	s.domLoading = true
	s.mu.Unlock()
}

func (s *Static) DOMLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domLoading
}

func (s *Static) OnDOMContentLoaded(fn func()) {
	s.mu.Lock()
	s.domLoaded = append(s.domLoaded, fn)
	s.mu.Unlock()
}

func (s *Static) OnLoadFired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Static) OnPageShow(fn func()) {
	s.mu.Lock()
	s.pageShow = append(s.pageShow, fn)
	s.mu.Unlock()
}

func (s *Static) OnVisibilityChange(fn func()) {
	s.mu.Lock()
	s.visChange = append(s.visChange, fn)
	s.mu.Unlock()
}

func (s *Static) Cookie(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[name]
	if !ok || (!c.expires.IsZero() && !s.now().Before(c.expires)) {
		return "", false
	}
	return c.value, true
}

func (s *Static) SetCookie(name, value string, maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if maxAge > 0 {
		exp = s.now().Add(maxAge)
	}
	s.cookies[name] = staticCookie{value: value, expires: exp}
	return nil
}

// TriggerDOMContentLoaded ends parsing and runs the DOMContentLoaded
// callbacks. It does nothing when the document is not parsing.
func (s *Static) TriggerDOMContentLoaded() {
	s.mu.Lock()
	if !s.domLoading {
		s.mu.Unlock()
		return
	}
	s.domLoading = false
	fns := append([]func(){}, s.domLoaded...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TriggerLoad ends parsing if needed, then marks the page loaded and runs
// page show callbacks.
func (s *Static) TriggerLoad() {
	s.TriggerDOMContentLoaded()
	s.mu.Lock()
	s.loaded = true
	fns := append([]func(){}, s.pageShow...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TriggerVisibility switches the visibility state and runs callbacks.
func (s *Static) TriggerVisibility(state string) {
	s.mu.Lock()
	s.visibility = state
	fns := append([]func(){}, s.visChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TriggerUnload runs the callbacks registered for kind.
func (s *Static) TriggerUnload(kind UnloadKind) {
	s.mu.Lock()
	fns := append([]func(){}, s.unload[kind]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
