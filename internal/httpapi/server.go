// Package httpapi serves the public submission, flag and mandatory-report
// endpoints and the authenticated moderation surface.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/graceline/safety/internal/apperr"
	"github.com/graceline/safety/internal/escalation"
	"github.com/graceline/safety/internal/metrics"
	"github.com/graceline/safety/internal/moderation"
	"github.com/graceline/safety/internal/notify"
	"github.com/graceline/safety/internal/protocol"
	"github.com/graceline/safety/internal/queue"
	"github.com/graceline/safety/internal/ratelimit"
	"github.com/graceline/safety/internal/report"
)

// Escalator is the safety pipeline as seen by the intake handlers.
type Escalator interface {
	Classify(text string) moderation.CategorySet
	Enqueue(ev escalation.Event)
}

// CooldownReader exposes a subject's last alert to moderators.
type CooldownReader interface {
	LastAlert(ctx context.Context, subjectID string) (time.Time, error)
	Window() time.Duration
}

// AlertHistory lists recent audit entries for a subject.
type AlertHistory interface {
	RecentForSubject(ctx context.Context, subjectID string, limit int) ([]notify.AlertLogEntry, error)
}

// LiveFeed serves the moderator WebSocket feed.
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, moderator string)
}

// Options configures the server. Cooldowns, Alerts, Live and Limiter may
// be nil; the matching endpoints then report 404 or skip the check.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxTextBytes int

	Queue     *queue.Service
	Reports   *report.Capture
	Pipeline  Escalator
	Auth      Authorizer
	Limiter   ratelimit.Allower
	Cooldowns CooldownReader
	Alerts    AlertHistory
	Live      LiveFeed

	// Health maps a dependency name to its probe for GET /health.
	Health map[string]Check
}

// Check probes one dependency.
type Check func(ctx context.Context) error

// Server is the HTTP front of the safety service.
type Server struct {
	opts       Options
	httpServer *http.Server
	handler    http.Handler
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = 8000
	}
	s := &Server{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/submissions", s.handleSubmit)
	mux.HandleFunc("POST /v1/items/{id}/flag", s.handleFlag)
	mux.HandleFunc("POST /v1/items/{id}/heart", s.handleHeart)
	mux.HandleFunc("POST /v1/items/{id}/answered", s.handleAnswered)
	mux.HandleFunc("POST /v1/conversations/{sessionID}/capture", s.handleCapture)
	mux.HandleFunc("GET /v1/conversations/{sessionID}/capture", s.handleCaptureState)
	mux.HandleFunc("POST /v1/reports", s.handleReport)
	mux.HandleFunc("POST /v1/reports/{sessionID}/skip", s.handleSkip)

	mux.HandleFunc("GET /admin/queue", s.admin(s.handleQueueList))
	mux.HandleFunc("GET /admin/queue/live", s.admin(s.handleLive))
	mux.HandleFunc("GET /admin/queue/{id}", s.admin(s.handleQueueGet))
	mux.HandleFunc("PATCH /admin/queue/{id}", s.admin(s.handleQueuePatch))
	mux.HandleFunc("POST /admin/queue/{id}/status", s.admin(s.handleQueueStatus))
	mux.HandleFunc("DELETE /admin/queue/{id}", s.admin(s.handleQueueDelete))
	mux.HandleFunc("GET /admin/reports/{sessionID}", s.admin(s.handleReportGet))
	mux.HandleFunc("GET /admin/cooldowns/{subjectID}", s.admin(s.handleCooldown))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	s.handler = withLogging(mux)
	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[http] listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleHealth runs every dependency probe. Any failure turns the response
// into a 503 naming the failing dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := map[string]string{"status": "ok"}, http.StatusOK
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			log.Printf("[http] health %s: %v", name, err)
			status[name] = "down"
			status["status"], code = "degraded", http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

type moderatorKey struct{}

// admin wraps h with the Authorizer.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Auth == nil {
			writeError(w, apperr.NewUnauthorized())
			return
		}
		who, err := s.opts.Auth.Authorize(r)
		if err != nil {
			if !errors.Is(err, ErrNoCredentials) {
				log.Printf("[http] admin auth rejected %s %s: %v", r.Method, r.URL.Path, err)
			}
			writeError(w, apperr.NewUnauthorized())
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), moderatorKey{}, who)))
	}
}

func moderatorFrom(ctx context.Context) string {
	who, _ := ctx.Value(moderatorKey{}).(string)
	return who
}

// throttled counts a hit for the caller against rule and, when the caller is
// over the limit, writes the 429 with Retry-After. Limiter errors fail open.
func (s *Server) throttled(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule) bool {
	if s.opts.Limiter == nil {
		return false
	}
	d, err := s.opts.Limiter.Check(r.Context(), clientID(r), rule)
	if err != nil || d.Allowed {
		return false
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	writeError(w, apperr.NewRateLimited())
	return true
}

// clientID identifies the caller for rate limiting by the connection's
// remote host. Request headers are caller-controlled and never used.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.NewInvalidRequest("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	e := apperr.From(err)
	if e.Code == apperr.CodeInternal {
		log.Printf("[http] internal error: %v", err)
	}
	writeJSON(w, e.Status, protocol.ErrorResponse{Error: protocol.ErrorBody{
		Code:    string(e.Code),
		Message: e.Message,
	}})
}

// queueError maps queue sentinels to API errors.
func queueError(err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return apperr.NewNotFound("item")
	case errors.Is(err, queue.ErrNotOwner):
		return apperr.NewForbidden("only the author can do that")
	}
	return err
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("[http] %s %s status=%d duration=%s",
			r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Microsecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the live feed upgrade through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
