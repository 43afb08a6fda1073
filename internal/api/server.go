package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mjza/mra-core-sub000/internal/audit"
	"github.com/mjza/mra-core-sub000/internal/authz"
	"github.com/mjza/mra-core-sub000/internal/listing"
	"github.com/mjza/mra-core-sub000/internal/storage"
	"github.com/mjza/mra-core-sub000/internal/tenant"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	SensitiveKeys []string
	MaxScanPages  int
	MaxPageSize   int
}

const defaultMaxPageSize = 100

// Server is the API server. Every protected route is authorized against
// tenant-scoped policy and audited regardless of outcome.
type Server struct {
	store      storage.Store
	trail      *audit.Trail
	decider    authz.Decider
	classifier *tenant.Classifier
	engine     *listing.Engine
	cfg        Config
	httpSrv    *http.Server
}

// NewServer creates a fully wired Server around the given store and decider.
func NewServer(store storage.Store, decider authz.Decider, cfg Config) *Server {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaultMaxPageSize
	}
	instrumented := &instrumentedDecider{inner: decider}
	classifier := tenant.NewClassifier(store)

	return &Server{
		store:      store,
		trail:      audit.NewTrail(store, cfg.SensitiveKeys),
		decider:    instrumented,
		classifier: classifier,
		engine:     listing.NewEngine(classifier, instrumented, cfg.MaxScanPages),
		cfg:        cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Protected routes: audited first so credential-less requests still
	// leave an audit record, then gated on the bearer credential.
	r.Group(func(r chi.Router) {
		r.Use(auditMiddleware(s.trail))
		r.Use(credentialMiddleware)

		// Tickets
		r.Get("/v1/tickets", s.TicketListHandler)
		r.Post("/v1/tickets", s.TicketCreateHandler)
		r.Get("/v1/tickets/{id}", s.TicketGetHandler)
		r.Patch("/v1/tickets/{id}", s.TicketUpdateHandler)
		r.Delete("/v1/tickets/{id}", s.TicketDeleteHandler)

		// Customers
		r.Post("/v1/customers", s.CustomerCreateHandler)
		r.Get("/v1/customers/{id}", s.CustomerGetHandler)

		// Sys
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
		r.Post("/v1/sys/policy/import", s.PolicyImportHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- authorization error mapping ---

func isDenied(err error) bool {
	var denied *authz.DeniedError
	return errors.As(err, &denied)
}

// writeAuthzError maps decider errors to responses. Denial is 403 with the
// upstream message. A failure with an upstream status relays status and body
// verbatim; without one it is a generic internal failure. Failures are never
// presented as denials.
func writeAuthzError(w http.ResponseWriter, err error) {
	var denied *authz.DeniedError
	if errors.As(err, &denied) {
		writeError(w, http.StatusForbidden, denied.Error())
		return
	}
	var failure *authz.FailureError
	if errors.As(err, &failure) {
		if failure.Status > 0 {
			if failure.Body != "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(failure.Status)
				w.Write([]byte(failure.Body)) //nolint:errcheck
				return
			}
			writeError(w, failure.Status, failure.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "authorization service unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
