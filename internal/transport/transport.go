// Package transport turns a finished beacon variable set into a single
// HTTP request and picks the physical way to send it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pageflo/pflo/internal/beacon"
)

// MaxGetLength is the longest URL sent as a GET without a warning.
const MaxGetLength = 2000

// ErrNoTransport is reported when neither a pixel nor a request strategy
// is available.
var ErrNoTransport = errors.New("no transport available")

// Policy is the configured beacon_type.
type Policy int

const (
	PolicyAuto Policy = iota
	PolicyGet
	PolicyPost
)

// ParsePolicy maps AUTO, GET and POST (any case) to a Policy. Anything
// else is AUTO.
func ParsePolicy(s string) Policy {
	switch strings.ToUpper(s) {
	case "GET":
		return PolicyGet
	case "POST":
		return PolicyPost
	default:
		return PolicyAuto
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyGet:
		return "GET"
	case PolicyPost:
		return "POST"
	default:
		return "AUTO"
	}
}

// Method names the strategy that carried a beacon.
type Method string

const (
	MethodBeacon Method = "beacon"
	MethodImage  Method = "image"
	MethodXHR    Method = "xhr"
)

// Options is the transport part of the agent configuration.
type Options struct {
	URL              string
	Policy           Policy
	AuthKey          string
	AuthToken        string
	WithCredentials  bool
	DisableBeaconAPI bool
	ForceHTTPS       bool
	Allowed          []string
	Serializer       beacon.Serializer
}

// Result describes one transmitted beacon.
type Result struct {
	Method Method
	URL    string // full GET URL, or the POST target
	Body   string // POST body; empty for image beacons
}

// Sender builds and transmits beacons. The strategy set is fixed at
// construction; Configure only changes options.
type Sender struct {
	strategies Strategies
	opts       Options
	allowed    []*regexp.Regexp
	tracer     trace.Tracer

	// OnBeacon is called with the final payload before it is encoded.
	OnBeacon func(vars *beacon.Vars)
	// Logf receives console warnings.
	Logf func(format string, args ...any)
	// OnError receives transport failures that could not be recovered.
	OnError func(err error)
}

// New returns a Sender using the given strategies.
func New(strategies Strategies, opts Options) *Sender {
	s := &Sender{
		strategies: strategies,
		tracer:     otel.Tracer("github.com/pageflo/pflo/internal/transport"),
		Logf:       log.Printf,
	}
	s.Configure(opts)
	return s
}

// Configure replaces the options. Allow-list patterns that do not compile
// are dropped and returned as an error.
func (s *Sender) Configure(opts Options) error {
	s.opts = opts
	s.allowed = s.allowed[:0]
	var errs []error
	for _, pat := range opts.Allowed {
		re, err := regexp.Compile(pat)
		if err != nil {
			errs = append(errs, fmt.Errorf("beacon_urls_allowed %q: %w", pat, err))
			continue
		}
		s.allowed = append(s.allowed, re)
	}
	return errors.Join(errs...)
}

// SetURL changes the configured beacon URL.
func (s *Sender) SetURL(url string) { s.opts.URL = url }

// URL returns the configured beacon URL.
func (s *Sender) URL() string { return s.opts.URL }

// Allowed reports whether url passes the allow-list. An empty list allows
// everything; a configured list that failed to compile allows nothing.
func (s *Sender) Allowed(url string) bool {
	if len(s.opts.Allowed) == 0 {
		return true
	}
	for _, re := range s.allowed {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Send transmits vars to override, or to the configured URL. It reports
// false, without error, when there is nowhere to send or nothing to send.
func (s *Sender) Send(vars *beacon.Vars, override string) (Result, bool) {
	target := override
	if target == "" {
		target = s.opts.URL
	}
	if target == "" {
		return Result{}, false
	}
	if !s.Allowed(target) {
		return Result{}, false
	}
	if vars == nil || vars.Len() == 0 {
		return Result{}, false
	}

	if s.OnBeacon != nil {
		s.OnBeacon(vars)
	}

	params := beacon.Params(vars, s.opts.Serializer)

	if s.opts.ForceHTTPS && strings.HasPrefix(target, "//") {
		target = "https:" + target
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	url := target + sep + params

	useImg := true
	switch {
	case s.opts.Policy == PolicyGet:
		if len(url) > MaxGetLength {
			s.logf("PageFlo: Warning: Beacon may not be sent via GET due to payload size > %d bytes", MaxGetLength)
		}
	case s.opts.Policy == PolicyPost, len(url) > MaxGetLength:
		useImg = false
	}

	ctx, span := s.tracer.Start(context.Background(), "beacon.send",
		trace.WithAttributes(
			attribute.String("pflo.policy", s.opts.Policy.String()),
			attribute.Int("pflo.url_length", len(url)),
			attribute.Int("pflo.vars", vars.Len()),
		))
	defer span.End()

	if !useImg && s.beaconAPIUsable() {
		body := params + "&sb=1"
		if s.strategies.Beacon.SendBeacon(ctx, target, "application/x-www-form-urlencoded", body) {
			span.SetAttributes(attribute.String("pflo.method", string(MethodBeacon)))
			return Result{Method: MethodBeacon, URL: target, Body: body}, true
		}
	}

	if s.strategies.XHR == nil {
		useImg = true
	}

	if useImg {
		if s.strategies.Pixel == nil {
			s.fail(span, ErrNoTransport)
			return Result{}, false
		}
		span.SetAttributes(attribute.String("pflo.method", string(MethodImage)))
		s.strategies.Pixel.Load(ctx, url)
		return Result{Method: MethodImage, URL: url}, true
	}

	req := Request{
		URL:             target,
		Body:            params,
		ContentType:     "application/x-www-form-urlencoded",
		WithCredentials: s.opts.WithCredentials,
	}
	if s.opts.AuthToken != "" {
		req.AuthKey = s.opts.AuthKey
		if req.AuthKey == "" {
			req.AuthKey = "Authorization"
		}
		req.AuthToken = s.opts.AuthToken
	}

	span.SetAttributes(attribute.String("pflo.method", string(MethodXHR)))
	if err := s.strategies.XHR.Post(ctx, req); err != nil {
		if s.strategies.FrameXHR == nil {
			s.fail(span, err)
			return Result{}, false
		}
		if err := s.strategies.FrameXHR.Post(ctx, req); err != nil {
			s.fail(span, err)
			return Result{}, false
		}
	}
	return Result{Method: MethodXHR, URL: target, Body: params}, true
}

// The beacon API cannot carry custom headers, so an auth token rules it out.
func (s *Sender) beaconAPIUsable() bool {
	return s.strategies.Beacon != nil &&
		s.strategies.BeaconNative &&
		s.opts.Policy != PolicyGet &&
		s.opts.AuthToken == "" &&
		!s.opts.DisableBeaconAPI
}

func (s *Sender) fail(span trace.Span, err error) {
	span.RecordError(err)
	if s.OnError != nil {
		s.OnError(err)
	}
}

func (s *Sender) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}
