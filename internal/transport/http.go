package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Beaconer is a fire-and-forget submission API. SendBeacon reports whether
// the submission was accepted; it never waits for delivery.
type Beaconer interface {
	SendBeacon(ctx context.Context, url, contentType, body string) bool
}

// Pixel loads a URL and ignores the response.
type Pixel interface {
	Load(ctx context.Context, url string)
}

// Request is a form-encoded POST.
type Request struct {
	URL             string
	Body            string
	ContentType     string
	AuthKey         string
	AuthToken       string
	WithCredentials bool
}

// Requester sends a POST asynchronously. An error means the request could
// not be created; delivery failures are not reported back.
type Requester interface {
	Post(ctx context.Context, req Request) error
}

// Strategies are the detected capabilities: whichever strategies are
// present when the Sender is built are the ones it uses.
type Strategies struct {
	Beacon       Beaconer
	BeaconNative bool
	Pixel        Pixel
	XHR          Requester
	FrameXHR     Requester
}

// maxBeaconBody mirrors the payload limit browsers apply to the beacon API.
const maxBeaconBody = 64 << 10

// HTTP implements every strategy with net/http. Requests run in the
// background, at most MaxInFlight at a time.
type HTTP struct {
	client    *http.Client
	frame     *http.Client
	jarClient *http.Client
	sem       chan struct{}
	wg        sync.WaitGroup
	tracer    trace.Tracer

	// OnResult, when set, is called after each background request.
	OnResult func(method Method, status int, err error)
}

// NewHTTP returns an HTTP transport. The frame client uses its own
// connection pool so it still works when the primary one is unusable.
func NewHTTP(timeout time.Duration, maxInFlight int) *HTTP {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		frame: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		sem:    make(chan struct{}, maxInFlight),
		tracer: otel.Tracer("github.com/pageflo/pflo/internal/transport"),
	}
}

// SetCookieJar makes beacon and image requests carry cookies from jar, as
// a browser would. POSTs only carry them when flagged WithCredentials.
func (h *HTTP) SetCookieJar(jar http.CookieJar) {
	h.jarClient = &http.Client{Timeout: h.client.Timeout, Jar: jar}
}

func (h *HTTP) cookieClient() *http.Client {
	if h.jarClient != nil {
		return h.jarClient
	}
	return h.client
}

// Strategies returns the full strategy set backed by h.
func (h *HTTP) Strategies() Strategies {
	return Strategies{
		Beacon:       httpBeacon{h},
		BeaconNative: true,
		Pixel:        httpPixel{h},
		XHR:          httpXHR{h: h, client: h.client},
		FrameXHR:     httpXHR{h: h, client: h.frame},
	}
}

// Wait blocks until background requests finish or ctx is done.
func (h *HTTP) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire takes an in-flight slot without blocking.
func (h *HTTP) tryAcquire() bool {
	select {
	case h.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// background runs req on its own goroutine. Unless the caller already
// holds a slot, the goroutine waits for one. The request gets a child span
// of the one in ctx, ended once the response is in.
func (h *HTTP) background(ctx context.Context, method Method, client *http.Client, req *http.Request, acquired bool) {
	_, span := h.tracer.Start(ctx, "beacon.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("pflo.method", string(method)),
			attribute.String("http.method", req.Method),
		))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer span.End()
		if !acquired {
			h.sem <- struct{}{}
		}
		defer func() { <-h.sem }()

		resp, err := client.Do(req)
		status := 0
		if err == nil {
			status = resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			span.SetAttributes(attribute.Int("http.status_code", status))
			span.AddEvent("beacon.response")
			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if h.OnResult != nil {
			h.OnResult(method, status, err)
		}
	}()
}

type httpBeacon struct{ h *HTTP }

func (b httpBeacon) SendBeacon(ctx context.Context, url, contentType, body string) bool {
	if len(body) > maxBeaconBody {
		return false
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", contentType)
	if !b.h.tryAcquire() {
		return false
	}
	b.h.background(ctx, MethodBeacon, b.h.cookieClient(), req, true)
	return true
}

type httpPixel struct{ h *HTTP }

func (p httpPixel) Load(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, url, nil)
	if err != nil {
		if p.h.OnResult != nil {
			p.h.OnResult(MethodImage, 0, err)
		}
		return
	}
	p.h.background(ctx, MethodImage, p.h.cookieClient(), req, false)
}

type httpXHR struct {
	h      *HTTP
	client *http.Client
}

func (x httpXHR) Post(ctx context.Context, r Request) error {
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, r.URL, strings.NewReader(r.Body))
	if err != nil {
		return fmt.Errorf("xhr open: %w", err)
	}
	req.Header.Set("Content-type", r.ContentType)
	if r.AuthToken != "" {
		req.Header.Set(r.AuthKey, r.AuthToken)
	}
	client := x.client
	if r.WithCredentials && x.h.jarClient != nil {
		client = x.h.jarClient
	}
	x.h.background(ctx, MethodXHR, client, req, false)
	return nil
}
