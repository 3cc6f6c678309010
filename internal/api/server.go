package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/medgate/internal/admin"
	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/rate"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/internal/workflow"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	RequestTimeout time.Duration
	// RequestsPerSecond and Burst bound every source; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// TrustedProxies are the peers whose forwarding headers name the client.
	TrustedProxies []netip.Prefix
}

// Deps are the components the server routes requests to.
type Deps struct {
	Store    storage.Store
	Engine   *policy.Engine
	Creds    *auth.CredentialService
	Auth     *auth.Authenticator
	Workflow *workflow.Workflow
	Admin    *admin.Service
	Audit    *audit.Logger
	// LoginLimiter throttles register and login per source. Nil disables it.
	LoginLimiter rate.Limiter
	Clock        func() time.Time
}

// Server is the API server.
type Server struct {
	store        storage.Store
	engine       *policy.Engine
	creds        *auth.CredentialService
	auth         *auth.Authenticator
	workflow     *workflow.Workflow
	admin        *admin.Service
	audit        *audit.Logger
	loginLimiter rate.Limiter
	now          func() time.Time

	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(cfg Config, d Deps) *Server {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Server{
		store:        d.Store,
		engine:       d.Engine,
		creds:        d.Creds,
		auth:         d.Auth,
		workflow:     d.Workflow,
		admin:        d.Admin,
		audit:        d.Audit,
		loginLimiter: d.LoginLimiter,
		now:          d.Clock,
		cfg:          cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(trustedProxyMiddleware(s.cfg.TrustedProxies))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(s.cfg.RequestTimeout))
	if s.cfg.RequestsPerSecond > 0 {
		r.Use(rateLimitMiddleware(rate.NewTokenBucket(s.cfg.RequestsPerSecond, s.cfg.Burst)))
	}

	r.Handle("/metrics", MetricsHandler())

	for _, rt := range s.routes() {
		r.Method(rt.Method, rt.Pattern, s.gate(rt))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errNoRoute)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errNoRoute)
	})
	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
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
