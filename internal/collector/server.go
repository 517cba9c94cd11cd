// Package collector receives beacons over HTTP, stores them and streams
// them to live viewers over a websocket feed.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pageflo/pflo/internal/collector/storage"
	"github.com/pageflo/pflo/internal/config"
)

// maxBeaconBody bounds POST bodies. Agents keep GET beacons under 2000
// bytes and beacon API payloads under 64KiB.
const maxBeaconBody = 64 << 10

// Store is where received beacons go.
type Store interface {
	Source
	Insert(ctx context.Context, b *storage.Beacon) error
}

type Server struct {
	store          Store
	feed           *Feed
	limiter        *rate.Limiter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	intakeToken    string
	visitorCookie  string
	tracer         trace.Tracer
	now            func() time.Time
}

func NewServer(cfg config.CollectorConfig, store Store, feed *Feed) *Server {
	s := &Server{
		store:          store,
		feed:           feed,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		intakeToken:    cfg.Intake.Token,
		visitorCookie:  cfg.Intake.VisitorCookie,
		tracer:         otel.Tracer("github.com/pageflo/pflo/internal/collector"),
		now:            time.Now,
	}
	if cfg.Intake.Rate > 0 {
		burst := cfg.Intake.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Intake.Rate), burst)
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Handler returns the collector's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/beacon", s.handleBeacon)
	mux.HandleFunc("/api/beacons", s.handleBeacons)
	mux.HandleFunc("/ws", s.handleWS)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "collector.beacon",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.method", r.Method)),
	)
	defer span.End()

	if origin := r.Header.Get("Origin"); origin != "" && s.checkOrigin(r) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Vary", "Origin")
	}

	switch r.Method {
	case http.MethodGet, http.MethodPost:
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Pflo-Token")
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !tokenMatches(r, s.intakeToken) {
		span.SetStatus(codes.Error, "unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		span.SetStatus(codes.Error, "rate limited")
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBeaconBody)
	if err := r.ParseForm(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, "bad beacon", http.StatusBadRequest)
		return
	}

	b := storage.Beacon{
		ReceivedAt: s.now(),
		Method:     r.Method,
		Remote:     remoteHost(r.RemoteAddr),
		Params:     make(map[string]string, len(r.Form)),
	}
	for k, v := range r.Form {
		if len(v) > 0 {
			b.Params[k] = v[0]
		}
	}
	if s.intakeToken != "" && r.URL.Query().Has("token") {
		delete(b.Params, "token")
	}
	if b.Params["sb"] == "1" {
		b.SendBeacon = true
		delete(b.Params, "sb")
	}
	if len(b.Params) == 0 {
		http.Error(w, "empty beacon", http.StatusBadRequest)
		return
	}
	b.Index()
	if s.visitorCookie != "" {
		if c, err := r.Cookie(s.visitorCookie); err == nil {
			b.Visitor = c.Value
		}
	}

	if err := s.store.Insert(ctx, &b); err != nil {
		log.Printf("[collector] store beacon: %v", err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(
		attribute.Int64("beacon.id", b.ID),
		attribute.String("beacon.page_id", b.PageID),
		attribute.String("beacon.kind", b.Kind()),
	)
	s.feed.Queue(b)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := storage.Query{Limit: 100, PageID: r.URL.Query().Get("page")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid before", http.StatusBadRequest)
			return
		}
		q.Before = n
	}

	beacons, err := s.store.Recent(r.Context(), q)
	if err != nil {
		log.Printf("[collector] query beacons: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if beacons == nil {
		beacons = []storage.Beacon{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(beacons)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[collector] ws upgrade: %v", err)
		return
	}

	c, err := s.feed.AddClient(conn)
	if err != nil {
		log.Printf("[collector] rejecting viewer %s: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Printf("[collector] viewer connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.feed.RemoveClient(c)
			log.Printf("[collector] viewer disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) authorize(r *http.Request) bool {
	return tokenMatches(r, s.authToken)
}

// tokenMatches accepts token as a query parameter, an X-Pflo-Token header
// or an Authorization header, bare or as a bearer token. An empty token
// matches everything.
func tokenMatches(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	if r.Header.Get("X-Pflo-Token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return auth == token || (strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// ListenAndServe serves h on host:port until ctx is done, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("[collector] listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
