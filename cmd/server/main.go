package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/org/medgate/internal/admin"
	"github.com/org/medgate/internal/api"
	"github.com/org/medgate/internal/audit"
	"github.com/org/medgate/internal/auth"
	"github.com/org/medgate/internal/bootstrap"
	"github.com/org/medgate/internal/config"
	"github.com/org/medgate/internal/crypto"
	"github.com/org/medgate/internal/policy"
	"github.com/org/medgate/internal/rate"
	"github.com/org/medgate/internal/storage"
	"github.com/org/medgate/internal/sweeper"
	"github.com/org/medgate/internal/workflow"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("MEDGATE_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg.Database)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, login throttle fails open until it recovers")
		}
	}

	sec := cfg.Security
	tokens, err := crypto.NewTokenHasher([]byte(sec.TokenPepper))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive token key")
	}
	secrets := crypto.NewSecretHasher(sec.Argon2)
	auditLog := audit.NewLogger(store, 5*time.Second)
	engine := policy.NewEngine(store, policy.Options{DepthLimit: sec.RoleDepthLimit, CacheTTL: sec.PermissionCacheTTL})
	creds := auth.NewCredentialService(store, tokens, auth.SessionDefaults{
		Timeout:       time.Duration(sec.SessionTimeoutMinutes) * time.Minute,
		MaxConcurrent: sec.MaxConcurrentSessions,
	}, time.Now)
	authn := auth.NewAuthenticator(store, creds, secrets, auditLog, auth.Options{
		Lockout:      cfg.LockoutPolicy(),
		Secrets:      auth.SecretPolicy{MinLength: sec.SecretMinLength},
		HashTimeout:  sec.HashTimeout,
		SecretMaxAge: sec.SecretMaxAge,
	})

	b := cfg.Bootstrap
	if _, err := bootstrap.Seed(ctx, store, secrets, auditLog, bootstrap.Admin{Login: b.AdminLogin, Email: b.AdminEmail, Secret: b.AdminSecret}, time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	proxies, err := cfg.Server.Proxies()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted proxies")
	}
	srv := api.NewServer(api.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		TLSCertFile:       cfg.Server.TLSCertFile,
		TLSKeyFile:        cfg.Server.TLSKeyFile,
		RequestTimeout:    cfg.Server.RequestTimeout,
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
		TrustedProxies:    proxies,
	}, api.Deps{
		Store:        store,
		Engine:       engine,
		Creds:        creds,
		Auth:         authn,
		Workflow:     workflow.New(store, engine, authn, auditLog, time.Now),
		Admin:        admin.New(store, engine, creds, authn, auditLog, admin.Options{DepthLimit: sec.RoleDepthLimit}),
		Audit:        auditLog,
		LoginLimiter: rate.New(redisClient, sec.LoginAttemptsPerMin, time.Minute),
	})

	sched := cron.New()
	if err := sweeper.New(store, engine, auditLog, time.Now).Schedule(ctx, sched, cfg.Sweeper.Schedule); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule sweeper")
	}
	if _, err := sched.AddFunc("@every 1m", func() {
		if err := srv.RefreshSessionGauge(ctx); err != nil {
			log.Warn().Err(err).Msg("session gauge refresh failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule session gauge")
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		<-sched.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("server started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
		return
	}
	log.Info().Msg("server stopped")
}

// openStore connects the configured backend and applies migrations for postgres.
func openStore(ctx context.Context, db config.DatabaseConfig) (storage.Store, func()) {
	if db.Driver == "memory" {
		log.Warn().Msg("using in-memory store; state is lost on exit")
		return storage.NewMemoryStore(), func() {}
	}

	store, err := storage.OpenPostgres(ctx, db.URL, storage.PostgresOptions{
		MaxOpenConns: db.MaxOpenConns,
		MaxRetries:   db.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := storage.RunMigrations(db.URL, db.MigrationsDir); err != nil {
		store.Close()
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")
	return store, store.Close
}
