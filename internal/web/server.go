package web

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/rs/zerolog/log"

	"github.com/shutterdesk/autoresponder/internal/config"
	"github.com/shutterdesk/autoresponder/internal/dispatch"
	"github.com/shutterdesk/autoresponder/internal/inbound"
	"github.com/shutterdesk/autoresponder/internal/store"
	"github.com/shutterdesk/autoresponder/internal/template"
)

const (
	maxBodyBytes = 64 << 10
	jobRetention = time.Hour
)

// Notifier is told about every item admitted through the API
type Notifier interface {
	Notify(item *inbound.Item)
}

// Options wires a Server. Store, Catalog and Dispatcher are required.
type Options struct {
	Config     config.ServerConfig
	Store      store.Store
	Catalog    *template.Catalog
	Dispatcher *dispatch.Dispatcher
	Notifier   Notifier
	Clock      func() time.Time
}

// Server exposes intake, listing and admin endpoints over HTTP
type Server struct {
	config      config.ServerConfig
	store       store.Store
	catalog     *template.Catalog
	dispatcher  *dispatch.Dispatcher
	notifier    Notifier
	now         func() time.Time
	csrfKey     []byte
	rateLimiter *RateLimiter
	jobs        *JobManager
	stopJobs    context.CancelFunc
	httpServer  *http.Server
}

func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Catalog == nil || opts.Dispatcher == nil {
		return nil, errors.New("web: store, catalog and dispatcher are required")
	}

	csrfKey := []byte(opts.Config.CSRFKey)
	if len(csrfKey) == 0 {
		csrfKey = make([]byte, 32)
		if _, err := rand.Read(csrfKey); err != nil {
			return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
		}
	}
	if len(csrfKey) != 32 {
		return nil, fmt.Errorf("web: csrf key must be 32 bytes, got %d", len(csrfKey))
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	base, stop := context.WithCancel(context.Background())

	return &Server{
		config:      opts.Config,
		store:       opts.Store,
		catalog:     opts.Catalog,
		dispatcher:  opts.Dispatcher,
		notifier:    opts.Notifier,
		now:         now,
		csrfKey:     csrfKey,
		rateLimiter: NewRateLimiter(opts.Config.RatePerMin, opts.Config.RateBurst),
		jobs:        NewJobManager(base),
		stopJobs:    stop,
	}, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting HTTP API")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and cancels admin jobs
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobs.CancelAll()
	s.stopJobs()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)
			r.Post("/contact", s.handleContactCreate)
			r.Post("/social/comments", s.handleCommentCreate)
		})

		r.Get("/contact", s.handleContactList)
		r.Get("/contact/{id}", s.handleContactGet)
		r.Get("/templates", s.handleTemplates)
		r.Get("/stats", s.handleStats)

		r.Route("/admin", func(r chi.Router) {
			r.Use(markPlaintext)
			r.Use(csrf.Protect(
				s.csrfKey,
				csrf.Secure(false),
				csrf.Path("/api/admin"),
				csrf.HttpOnly(true),
				csrf.SameSite(csrf.SameSiteStrictMode),
				csrf.RequestHeader("X-CSRF-Token"),
				csrf.TrustedOrigins(s.trustedOrigins()),
				csrf.ErrorHandler(http.HandlerFunc(csrfFailure)),
			))
			r.Get("/csrf", s.handleCSRFToken)
			r.Post("/dispatch", s.handleDispatchStart)
			r.Get("/jobs/{jobID}", s.handleJobStatus)
			r.Post("/jobs/{jobID}/cancel", s.handleJobCancel)
			r.Post("/items/{id}/ignore", s.handleIgnore)
		})
	})

	return r
}

func (s *Server) trustedOrigins() []string {
	origins := []string{
		"localhost", "127.0.0.1",
		fmt.Sprintf("localhost:%d", s.config.Port),
		fmt.Sprintf("127.0.0.1:%d", s.config.Port),
	}
	if s.config.TrustedHost != "" {
		origins = append(origins, s.config.TrustedHost)
	}
	return origins
}

// markPlaintext tells the CSRF layer that plain-HTTP requests are expected,
// so it skips the Referer check it applies to TLS requests
func markPlaintext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			r = csrf.PlaintextHTTPRequest(r)
		}
		next.ServeHTTP(w, r)
	})
}

func csrfFailure(w http.ResponseWriter, r *http.Request) {
	log.Warn().Err(csrf.FailureReason(r)).Str("path", r.URL.Path).Msg("CSRF check failed")
	writeError(w, http.StatusForbidden, "Invalid or missing CSRF token")
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// Inquiry data is personal; never cache it
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
