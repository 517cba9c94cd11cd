package session

import (
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"
)

// LiveCookies returns the unexpired cookies by name.
func (s *Store) LiveCookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return nil
	}
	now := s.now()
	out := make(map[string]string, len(st.Cookies))
	for name, c := range st.Cookies {
		if c.Expires.IsZero() || now.Before(c.Expires) {
			out[name] = c.Value
		}
	}
	return out
}

// HTTPJar lets net/http clients send and receive the stored cookies. The
// store has a single origin, so every cookie goes to every URL.
func (s *Store) HTTPJar() http.CookieJar { return storeJar{s} }

type storeJar struct{ s *Store }

func (j storeJar) SetCookies(_ *url.URL, cookies []*http.Cookie) {
	for _, c := range cookies {
		var maxAge time.Duration
		expired := c.MaxAge < 0
		switch {
		case c.MaxAge > 0:
			maxAge = time.Duration(c.MaxAge) * time.Second
		case c.MaxAge == 0 && !c.Expires.IsZero():
			maxAge = c.Expires.Sub(j.s.now())
			expired = maxAge <= 0
		}
		if expired {
			j.s.expire(c.Name)
			continue
		}
		if err := j.s.SetCookie(c.Name, c.Value, maxAge); err != nil {
			log.Printf("[session] storing cookie %s: %v", c.Name, err)
		}
	}
}

func (j storeJar) Cookies(_ *url.URL) []*http.Cookie {
	live := j.s.LiveCookies()
	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, len(names))
	for i, name := range names {
		out[i] = &http.Cookie{Name: name, Value: live[name]}
	}
	return out
}

func (s *Store) expire(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return
	}
	if _, ok := st.Cookies[name]; !ok {
		return
	}
	delete(st.Cookies, name)
	if err := s.saveLocked(st); err != nil {
		log.Printf("[session] expiring cookie %s: %v", name, err)
	}
}
