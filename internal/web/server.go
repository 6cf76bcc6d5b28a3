// Package web provides the HTTP API for the import pipeline.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ulule/limiter/v3"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/metrics"
	webmw "github.com/JonMunkholm/bulkimport/internal/web/middleware"
)

// ObjectSink accepts upload bodies for object stores without their own
// HTTP endpoint. *objectstore.MemoryStore implements it.
type ObjectSink interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) (int64, error)
}

// Options are the optional collaborators of a Server.
type Options struct {
	// Metrics adds request instrumentation and GET /metrics.
	Metrics *metrics.Metrics
	// Objects, when set, serves PUT /api/imports/objects/* for presigned
	// URLs that point back at this server.
	Objects ObjectSink
	// RateStore backs rate limiting; nil means an in-process store.
	RateStore limiter.Store
	// Ready reports dependency health for /readyz.
	Ready func(ctx context.Context) error
}

// Server is the HTTP server for the import API.
type Server struct {
	service *core.Service
	cfg     *config.Config
	opts    Options
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a Server with all routes mounted.
func NewServer(service *core.Service, cfg *config.Config, opts Options) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		opts:    opts,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.cfg.Rate.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	if s.opts.Metrics != nil {
		s.router.Use(s.opts.Metrics.Middleware)
	}
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler())
	}

	store := s.opts.RateStore
	if store == nil {
		store = webmw.NewMemoryStore()
	}
	rate := s.cfg.Rate
	limit := func(name string, perMinute int) func(http.Handler) http.Handler {
		if !rate.Enabled {
			return func(next http.Handler) http.Handler { return next }
		}
		return webmw.RateLimit(store, name, perMinute)
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(limit("api", rate.RequestsPerMinute))

		// Progress streams stay open for the life of a job, so they are
		// mounted outside the request timeout.
		r.Get("/imports/jobs/{jobID}/events", s.handleJobEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

			r.Get("/schemas", s.handleListSchemas)
			r.Get("/imports/audit", s.handleAuditLog)

			r.Group(func(r chi.Router) {
				r.Use(limit("upload", rate.UploadLimit))
				r.Post("/imports/uploads", s.handleInitiate)
				r.Post("/imports/uploads/{uploadID}/complete", s.handleComplete)
				r.Post("/imports/uploads/{uploadID}/preview", s.handlePreview)
			})

			r.Get("/imports/jobs/{jobID}", s.handleGetJob)
			r.Post("/imports/jobs/{jobID}/cancel", s.handleCancel)
			r.Get("/imports/jobs/{jobID}/failed-records", s.handleFailedRecords)
			r.Post("/imports/jobs/{jobID}/failed-records/{index}/retry", s.handleRetry)
		})

		if s.opts.Objects != nil {
			r.Put("/imports/objects/*", s.handlePutObject)
		}
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	sc := s.cfg.Server
	s.server = &http.Server{
		Addr:              sc.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       sc.ReadTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
	}

	slog.Info("starting server", "addr", sc.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v with the given status. Encoding errors are logged
// since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
