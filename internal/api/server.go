package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/citaguard/internal/audit"
	"github.com/org/citaguard/internal/auth"
	"github.com/org/citaguard/internal/crypto"
	"github.com/org/citaguard/internal/csrf"
	"github.com/org/citaguard/internal/phones"
	"github.com/org/citaguard/internal/sanitize"
	"github.com/org/citaguard/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	Production  bool
	// ExtraExemptPaths are added to the CSRF guard's default exemptions.
	ExtraExemptPaths []string
	// RateLimitRPS of zero disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	StatsMaxKeys   int
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string
}

// Deps are the collaborators built by the caller.
type Deps struct {
	Store    storage.Backend
	Cipher   *crypto.FieldCipher
	Codec    *csrf.Codec
	Auditor  *audit.Logger
	Verifier auth.Verifier
	// Tokens enables the debug login route outside production.
	Tokens    *auth.StaticVerifier
	Sanitizer *sanitize.Sanitizer
}

// Server is the API server.
type Server struct {
	store    storage.Backend
	cipher   *crypto.FieldCipher
	guard    *csrf.Guard
	auditor  *audit.Logger
	verifier auth.Verifier
	tokens   *auth.StaticVerifier
	phones   *phones.Service
	stats    *clientStats
	limiter  *rateLimiter
	proxies  *proxyTrust
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(cfg Config, deps Deps) *Server {
	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}

	exempt := append(csrf.DefaultExemptPaths(!cfg.Production), cfg.ExtraExemptPaths...)
	guard := csrf.NewGuard(deps.Codec, csrf.Options{
		Secure:      cfg.Production,
		ExemptPaths: exempt,
		OnReject:    recordCSRFRejection,
	})

	s := &Server{
		store:    deps.Store,
		cipher:   deps.Cipher,
		guard:    guard,
		auditor:  deps.Auditor,
		verifier: deps.Verifier,
		tokens:   deps.Tokens,
		phones:   phones.NewService(deps.Store, deps.Cipher, deps.Auditor, sanitizer),
		stats:    newClientStats(cfg.StatsMaxKeys),
		proxies:  newProxyTrust(cfg.TrustedProxies),
		cfg:      cfg,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.StatsMaxKeys, deps.Auditor)
	}
	return s
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(s.proxies.middleware)
	r.Use(requestIDMiddleware)
	r.Use(securityHeaders(s.cfg.Production))
	r.Use(metricsMiddleware)
	r.Use(s.stats.middleware)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}
	r.Use(s.guard.Middleware)

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/health", s.HealthHandler)
		r.Get("/security-info", s.SecurityInfoHandler)
		r.Get("/csrf-token", s.CSRFTokenHandler)
		if !s.cfg.Production && s.tokens != nil {
			r.Post("/api/v1/debug/login", s.DebugLoginHandler)
		}
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.verifier))

		r.Post("/api/emergency/phones", s.PhoneCreateHandler)
		r.Get("/api/emergency/phones", s.PhoneListHandler)
		r.Get("/api/emergency/phones/{id}", s.PhoneGetHandler)
		r.Put("/api/emergency/phones/{id}", s.PhoneUpdateHandler)
		r.Delete("/api/emergency/phones/{id}", s.PhoneDeleteHandler)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireAdmin(s.auditor))
			r.Post("/emergency/phones/{id}/verify", s.PhoneVerifyHandler)
			r.Get("/security-events", s.SecurityEventsHandler)
			r.Get("/client-stats", s.ClientStatsHandler)
			r.Delete("/accounts/{uid}", s.AccountDeleteHandler)
		})
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
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
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
