package host

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	gohost "github.com/shirou/gopsutil/v3/host"
)

// Poster runs callbacks on the agent loop.
type Poster interface {
	Post(fn func())
}

// Process is a Host for an agent running as a standalone process. Platform
// and vendor come from the operating system, and SIGINT/SIGTERM play the
// part of the unload events.
type Process struct {
	CookieJar

	post     Poster
	url      string
	referrer string
	platform string
	vendor   string

	mu         sync.Mutex
	domLoading bool
	loaded     bool
	dead       bool
	visibility string
	domLoaded  []func()
	unload     map[UnloadKind][]func()
	pageShow   []func()
	visChange  []func()
}

// NewProcess describes the current machine. url and referrer are what the
// agent reports as the page address.
func NewProcess(ctx context.Context, post Poster, jar CookieJar, url, referrer string) (*Process, error) {
	info, err := gohost.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	return &Process{
		CookieJar:  jar,
		post:       post,
		url:        url,
		referrer:   referrer,
		platform:   platformString(info),
		vendor:     vendorString(info),
		domLoading: true,
		visibility: Visible,
		unload:     make(map[UnloadKind][]func()),
	}, nil
}

func platformString(info *gohost.InfoStat) string {
	name := info.OS
	if len(name) > 0 {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.TrimSpace(name + " " + info.KernelArch)
}

func vendorString(info *gohost.InfoStat) string {
	return strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
}

func (p *Process) Platform() string       { return p.platform }
func (p *Process) Vendor() string         { return p.vendor }
func (p *Process) InFrame() bool          { return false }
func (p *Process) URL() string            { return p.url }
func (p *Process) Referrer() string       { return p.referrer }
func (p *Process) SupportsPageHide() bool { return true }

func (p *Process) TornDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead
}

func (p *Process) Visibility() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibility
}

func (p *Process) Dispatch(name string, data any) {
	log.Printf("[host] public event %s", name)
}

func (p *Process) OnUnload(kind UnloadKind, fn func()) {
	p.mu.Lock()
	p.unload[kind] = append(p.unload[kind], fn)
	p.mu.Unlock()
}

func (p *Process) DOMLoading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.domLoading
}

func (p *Process) OnDOMContentLoaded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.domLoading {
		p.domLoaded = append(p.domLoaded, fn)
	}
}

func (p *Process) OnLoadFired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *Process) OnPageShow(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		p.post.Post(fn)
		return
	}
	p.pageShow = append(p.pageShow, fn)
}

func (p *Process) OnVisibilityChange(fn func()) {
	p.mu.Lock()
	p.visChange = append(p.visChange, fn)
	p.mu.Unlock()
}

// Load queues the DOMContentLoaded callbacks, then marks the page loaded
// and runs the page show callbacks on a later loop pass.
func (p *Process) Load() {
	p.mu.Lock()
	p.domLoading = false
	dom := p.domLoaded
	p.domLoaded = nil
	p.mu.Unlock()
	for _, fn := range dom {
		p.post.Post(fn)
	}
	p.post.Post(p.finishLoad)
}

func (p *Process) finishLoad() {
	p.mu.Lock()
	p.loaded = true
	fns := p.pageShow
	p.pageShow = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetVisibility changes the visibility state and queues the callbacks.
func (p *Process) SetVisibility(state string) {
	p.mu.Lock()
	p.visibility = state
	fns := append([]func(){}, p.visChange...)
	p.mu.Unlock()
	for _, fn := range fns {
		p.post.Post(fn)
	}
}

// Watch waits in the background for SIGINT, SIGTERM or ctx cancellation,
// then runs the unload sequence. The returned channel is closed once the unload
// callbacks have run on the loop and the host is torn down.
func (p *Process) Watch(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.Printf("[host] %v received, unloading", sig)
		case <-ctx.Done():
		}
		p.post.Post(func() {
			p.runUnload()
			close(done)
		})
	}()
	return done
}

func (p *Process) runUnload() {
	for _, kind := range []UnloadKind{PageHide, BeforeUnload, Unload} {
		p.mu.Lock()
		fns := append([]func(){}, p.unload[kind]...)
		p.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
	p.mu.Lock()
	p.dead = true
	p.mu.Unlock()
}
