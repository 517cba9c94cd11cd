// Package session keeps the agent's session record and small cookie-like
// values across page lifetimes.
package session

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultTimeout ends a session after this much inactivity.
const DefaultTimeout = 30 * time.Minute

// Record is the session carried on beacons as rt.si, rt.ss and rt.sl.
type Record struct {
	Domain      string `json:"domain"`
	ID          string `json:"id"`
	Start       int64  `json:"start"`  // unix ms
	Last        int64  `json:"last"`   // unix ms of the most recent beacon
	Length      int    `json:"length"` // beacons sent in this session
	Enabled     bool   `json:"enabled"`
	RateLimited bool   `json:"rateLimited"`
}

// Ensure starts a new session when there is none or the current one has
// been idle longer than timeout.
func (r *Record) Ensure(now time.Time, timeout time.Duration) {
	ms := now.UnixMilli()
	if r.ID != "" && (timeout <= 0 || ms-r.Last <= timeout.Milliseconds()) {
		return
	}
	r.ID = uuid.NewString()
	r.Start = ms
	r.Last = ms
	r.Length = 0
	r.RateLimited = false
}

// Touch counts one more beacon in the session.
func (r *Record) Touch(now time.Time) {
	r.Length++
	r.Last = now.UnixMilli()
}

// Token is the rt.si value: the ID plus the start second in base 36.
func (r Record) Token() string {
	secs := (r.Start + 500) / 1000
	return r.ID + "-" + strconv.FormatInt(secs, 36)
}

// Limiter flags sessions that beacon faster than a configured rate.
type Limiter struct {
	lim *rate.Limiter
}

// NewLimiter allows perMinute beacons with the given burst. A non-positive
// rate disables limiting and NewLimiter returns nil.
func NewLimiter(perMinute float64, burst int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perMinute/60), burst)}
}

// Allow reports whether one more beacon fits at now. A nil Limiter allows
// everything.
func (l *Limiter) Allow(now time.Time) bool {
	if l == nil {
		return true
	}
	return l.lim.AllowN(now, 1)
}
