package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pageflo/pflo/internal/beacon"
)

type fakeBeacon struct {
	accept bool
	calls  []string
}

func (f *fakeBeacon) SendBeacon(_ context.Context, url, _, body string) bool {
	f.calls = append(f.calls, url+" "+body)
	return f.accept
}

type fakePixel struct{ urls []string }

func (f *fakePixel) Load(_ context.Context, url string) { f.urls = append(f.urls, url) }

type fakeXHR struct {
	err  error
	reqs []Request
}

func (f *fakeXHR) Post(_ context.Context, r Request) error {
	f.reqs = append(f.reqs, r)
	return f.err
}

type fakes struct {
	beacon *fakeBeacon
	pixel  *fakePixel
	xhr    *fakeXHR
	frame  *fakeXHR
}

func newFakes() *fakes {
	return &fakes{
		beacon: &fakeBeacon{accept: true},
		pixel:  &fakePixel{},
		xhr:    &fakeXHR{},
		frame:  &fakeXHR{},
	}
}

func (f *fakes) strategies() Strategies {
	return Strategies{
		Beacon:       f.beacon,
		BeaconNative: true,
		Pixel:        f.pixel,
		XHR:          f.xhr,
		FrameXHR:     f.frame,
	}
}

func varsOf(kv ...string) *beacon.Vars {
	v := beacon.NewVars()
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"GET", PolicyGet},
		{"post", PolicyPost},
		{"AUTO", PolicyAuto},
		{"", PolicyAuto},
		{"PUT", PolicyAuto},
	}
	for _, tt := range tests {
		if got := ParsePolicy(tt.in); got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSendAutoShortUsesImage(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/beacon"})

	res, ok := s.Send(varsOf("v1", "a", "n", "1"), "")
	if !ok {
		t.Fatal("Send returned false")
	}
	want := "https://example.com/beacon?v1=a&n=1"
	if res.Method != MethodImage || res.URL != want {
		t.Errorf("result = %+v", res)
	}
	if diff := cmp.Diff([]string{want}, f.pixel.urls); diff != "" {
		t.Errorf("pixel urls (-want +got):\n%s", diff)
	}
	if len(f.beacon.calls) != 0 || len(f.xhr.reqs) != 0 {
		t.Error("non-image strategy used for a short AUTO beacon")
	}
}

func TestSendNoTarget(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{})
	called := false
	s.OnBeacon = func(*beacon.Vars) { called = true }

	if _, ok := s.Send(varsOf("a", "1"), ""); ok {
		t.Error("Send without URL reported success")
	}
	if called || len(f.pixel.urls) != 0 {
		t.Error("beacon hook or transport ran without a URL")
	}
}

func TestSendEmptyVars(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b"})
	if _, ok := s.Send(beacon.NewVars(), ""); ok {
		t.Error("empty beacon sent")
	}
	if _, ok := s.Send(nil, ""); ok {
		t.Error("nil beacon sent")
	}
}

func TestSendOverrideIsPerCall(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b"})

	s.Send(varsOf("a", "1"), "https://other.example/x?k=v")
	s.Send(varsOf("a", "2"), "")

	want := []string{
		"https://other.example/x?k=v&a=1",
		"https://example.com/b?a=2",
	}
	if diff := cmp.Diff(want, f.pixel.urls); diff != "" {
		t.Errorf("pixel urls (-want +got):\n%s", diff)
	}
}

func TestSendAllowList(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{
		URL:     "https://blocked.example/b",
		Allowed: []string{`^https://ok\.example/`},
	})
	if _, ok := s.Send(varsOf("a", "1"), ""); ok {
		t.Error("disallowed URL sent")
	}
	if _, ok := s.Send(varsOf("a", "1"), "https://ok.example/b"); !ok {
		t.Error("allowed URL not sent")
	}
}

func TestConfigureBadPattern(t *testing.T) {
	s := New(Strategies{}, Options{})
	err := s.Configure(Options{Allowed: []string{"("}})
	if err == nil {
		t.Fatal("Configure accepted an invalid pattern")
	}
	if s.Allowed("https://any.example/") {
		t.Error("a list with only invalid patterns allowed a URL")
	}
}

func TestSendForceHTTPS(t *testing.T) {
	tests := []struct {
		force bool
		want  string
	}{
		{true, "https://example.com/b?a=1"},
		{false, "//example.com/b?a=1"},
	}
	for _, tt := range tests {
		f := newFakes()
		s := New(f.strategies(), Options{URL: "//example.com/b", ForceHTTPS: tt.force})
		res, _ := s.Send(varsOf("a", "1"), "")
		if res.URL != tt.want {
			t.Errorf("force=%v: URL = %q, want %q", tt.force, res.URL, tt.want)
		}
	}
}

func TestSendPostPolicyUsesBeaconAPI(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b", Policy: PolicyPost})

	res, ok := s.Send(varsOf("a", "1"), "")
	if !ok || res.Method != MethodBeacon {
		t.Fatalf("result = %+v, %v", res, ok)
	}
	if diff := cmp.Diff([]string{"https://example.com/b a=1&sb=1"}, f.beacon.calls); diff != "" {
		t.Errorf("beacon calls (-want +got):\n%s", diff)
	}
}

func TestSendLongURLAvoidsImage(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b"})

	long := strings.Repeat("x", MaxGetLength)
	res, _ := s.Send(varsOf("big", long), "")
	if res.Method != MethodBeacon {
		t.Errorf("Method = %v, want beacon", res.Method)
	}
	if len(f.pixel.urls) != 0 {
		t.Error("long AUTO beacon sent as an image")
	}
}

func TestSendGetPolicyWarnsWhenLong(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b", Policy: PolicyGet})
	var warnings []string
	s.Logf = func(format string, args ...any) { warnings = append(warnings, fmt.Sprintf(format, args...)) }

	res, _ := s.Send(varsOf("big", strings.Repeat("x", MaxGetLength)), "")
	if res.Method != MethodImage {
		t.Errorf("Method = %v, want image", res.Method)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "payload size") {
		t.Errorf("warnings = %q", warnings)
	}
}

func TestBeaconAPIConditions(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		native bool
		accept bool
		want   Method
	}{
		{"usable", Options{}, true, true, MethodBeacon},
		{"not native", Options{}, false, true, MethodXHR},
		{"auth token", Options{AuthToken: "secret"}, true, true, MethodXHR},
		{"disabled", Options{DisableBeaconAPI: true}, true, true, MethodXHR},
		{"rejected", Options{}, true, false, MethodXHR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakes()
			f.beacon.accept = tt.accept
			st := f.strategies()
			st.BeaconNative = tt.native
			tt.opts.URL = "https://example.com/b"
			tt.opts.Policy = PolicyPost
			s := New(st, tt.opts)

			res, ok := s.Send(varsOf("a", "1"), "")
			if !ok || res.Method != tt.want {
				t.Errorf("result = %+v, %v; want method %v", res, ok, tt.want)
			}
		})
	}
}

func TestSendXHRRequest(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{
		URL:             "https://example.com/b",
		Policy:          PolicyPost,
		AuthToken:       "tok",
		WithCredentials: true,
	})
	s.Send(varsOf("a", "1", "b", "x y"), "")

	want := []Request{{
		URL:             "https://example.com/b",
		Body:            "a=1&b=x%20y",
		ContentType:     "application/x-www-form-urlencoded",
		AuthKey:         "Authorization",
		AuthToken:       "tok",
		WithCredentials: true,
	}}
	if diff := cmp.Diff(want, f.xhr.reqs); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
}

func TestSendNoXHRFallsBackToImage(t *testing.T) {
	f := newFakes()
	st := f.strategies()
	st.XHR = nil
	st.Beacon = nil
	s := New(st, Options{URL: "https://example.com/b", Policy: PolicyPost})

	res, ok := s.Send(varsOf("a", "1"), "")
	if !ok || res.Method != MethodImage {
		t.Errorf("result = %+v, %v", res, ok)
	}
}

func TestSendNoTransportReportsError(t *testing.T) {
	s := New(Strategies{}, Options{URL: "https://example.com/b"})
	var got error
	s.OnError = func(err error) { got = err }
	if _, ok := s.Send(varsOf("a", "1"), ""); ok {
		t.Error("Send without strategies reported success")
	}
	if !errors.Is(got, ErrNoTransport) {
		t.Errorf("OnError got %v", got)
	}
}

func TestSendFrameFallback(t *testing.T) {
	f := newFakes()
	f.xhr.err = errors.New("context gone")
	s := New(f.strategies(), Options{URL: "https://example.com/b", Policy: PolicyPost, DisableBeaconAPI: true})

	res, ok := s.Send(varsOf("a", "1"), "")
	if !ok || res.Method != MethodXHR {
		t.Fatalf("result = %+v, %v", res, ok)
	}
	if len(f.frame.reqs) != 1 {
		t.Errorf("frame requests = %d, want 1", len(f.frame.reqs))
	}

	f.frame.err = errors.New("frame gone too")
	var got error
	s.OnError = func(err error) { got = err }
	if _, ok := s.Send(varsOf("a", "2"), ""); ok {
		t.Error("double failure reported success")
	}
	if got == nil {
		t.Error("double failure not reported")
	}
}

func TestSendCallsOnBeaconBeforeEncoding(t *testing.T) {
	f := newFakes()
	s := New(f.strategies(), Options{URL: "https://example.com/b"})
	s.OnBeacon = func(v *beacon.Vars) { v.Set("late", "1") }

	res, _ := s.Send(varsOf("a", "1"), "")
	if !strings.HasSuffix(res.URL, "a=1&late=1") {
		t.Errorf("URL = %q", res.URL)
	}
}

func TestHTTPStrategies(t *testing.T) {
	type hit struct {
		method, ctype, auth, body string
		query                     url.Values
	}
	var (
		mu   sync.Mutex
		hits []hit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits = append(hits, hit{
			method: r.Method,
			ctype:  r.Header.Get("Content-Type"),
			auth:   r.Header.Get("X-Auth"),
			body:   string(body),
			query:  r.URL.Query(),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewHTTP(5*time.Second, 4)
	var results []int
	h.OnResult = func(_ Method, status int, err error) {
		mu.Lock()
		results = append(results, status)
		mu.Unlock()
	}

	get := New(h.Strategies(), Options{URL: srv.URL + "/beacon", Policy: PolicyGet})
	get.Send(varsOf("v1", "a"), "")

	post := New(h.Strategies(), Options{URL: srv.URL + "/beacon", Policy: PolicyPost, AuthKey: "X-Auth", AuthToken: "tok"})
	post.Send(varsOf("v2", "b"), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 2 {
		t.Fatalf("server saw %d requests, want 2", len(hits))
	}
	var sawGet, sawPost bool
	for _, h := range hits {
		switch h.method {
		case http.MethodGet:
			sawGet = h.query.Get("v1") == "a"
		case http.MethodPost:
			sawPost = h.body == "v2=b" && h.auth == "tok" &&
				h.ctype == "application/x-www-form-urlencoded"
		}
	}
	if !sawGet || !sawPost {
		t.Errorf("hits = %+v", hits)
	}
	if diff := cmp.Diff([]int{204, 204}, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestHTTPResponseRecordedOnRequestSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	h := NewHTTP(5*time.Second, 1)
	h.tracer = tp.Tracer("test")
	s := New(h.Strategies(), Options{URL: srv.URL + "/beacon", Policy: PolicyGet})
	s.tracer = tp.Tracer("test")

	if _, ok := s.Send(varsOf("v1", "a"), ""); !ok {
		t.Fatal("Send failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	spans := make(map[string]sdktrace.ReadOnlySpan)
	for _, sp := range rec.Ended() {
		spans[sp.Name()] = sp
	}
	send, req := spans["beacon.send"], spans["beacon.request"]
	if send == nil || req == nil {
		t.Fatalf("ended spans = %v", spans)
	}
	if req.Parent().SpanID() != send.SpanContext().SpanID() {
		t.Error("request span is not a child of the send span")
	}
	var events []string
	for _, e := range req.Events() {
		events = append(events, e.Name)
	}
	if diff := cmp.Diff([]string{"beacon.response"}, events); diff != "" {
		t.Errorf("request span events (-want +got):\n%s", diff)
	}
	want := attribute.Int("http.status_code", http.StatusNoContent)
	found := false
	for _, kv := range req.Attributes() {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Errorf("request span attributes = %v, missing %v", req.Attributes(), want)
	}
}

func TestHTTPBeaconRejectsOversizedBody(t *testing.T) {
	h := NewHTTP(time.Second, 1)
	b := h.Strategies().Beacon
	if b.SendBeacon(context.Background(), "http://127.0.0.1:1/", "text/plain", strings.Repeat("x", maxBeaconBody+1)) {
		t.Error("oversized beacon accepted")
	}
}
