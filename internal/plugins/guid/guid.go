// Package guid gives the visitor a persistent random identifier, stored as
// a cookie the collector receives with each beacon.
package guid

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pageflo/pflo/internal/beacon"
	"github.com/pageflo/pflo/internal/event"
	"github.com/pageflo/pflo/internal/host"
	"github.com/pageflo/pflo/internal/plugin"
)

const Name = "guid"

const (
	DefaultCookieName = "GUID"
	DefaultExpires    = 7 * 24 * time.Hour
)

// Subscriber is the part of the agent the plugin needs.
type Subscriber interface {
	Subscribe(name string, fn event.Handler, opts ...event.SubscribeOption)
}

type Options struct {
	CookieName string `yaml:"cookie_name"`
	// Expires is the cookie lifetime in seconds.
	Expires int `yaml:"expires"`
}

type Plugin struct {
	agent Subscriber
	jar   host.CookieJar

	name    string
	expires time.Duration
	pending string
	retry   bool
}

func New(a Subscriber, jar host.CookieJar) *Plugin {
	return &Plugin{agent: a, jar: jar}
}

func (p *Plugin) Init(cfg plugin.Config) error {
	opts := Options{CookieName: DefaultCookieName, Expires: int(DefaultExpires / time.Second)}
	if cfg != nil {
		if sec := cfg.Plugin(Name); sec != nil {
			if err := sec.Decode(&opts); err != nil {
				return fmt.Errorf("guid: %w", err)
			}
		}
	}
	p.name = opts.CookieName
	p.expires = time.Duration(opts.Expires) * time.Second

	if v, ok := p.jar.Cookie(p.name); ok {
		log.Printf("[guid] found cookie %s=%s", p.name, v)
		return nil
	}

	p.pending = uuid.NewString()
	if err := p.jar.SetCookie(p.name, p.pending, p.expires); err != nil {
		log.Printf("[guid] could not set %s, retrying before each beacon: %v", p.name, err)
		if !p.retry {
			p.retry = true
			p.agent.Subscribe(event.BeforeBeacon, p.onBeforeBeacon, event.Scope(p))
		}
		return nil
	}
	p.pending = ""
	return nil
}

func (p *Plugin) IsComplete(*beacon.Vars) bool { return true }

// ID returns the current visitor identifier, if one is stored.
func (p *Plugin) ID() (string, bool) {
	return p.jar.Cookie(p.name)
}

func (p *Plugin) onBeforeBeacon(_, _ any) {
	if p.pending == "" {
		return
	}
	if err := p.jar.SetCookie(p.name, p.pending, p.expires); err == nil {
		p.pending = ""
	}
}
