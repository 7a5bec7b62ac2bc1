package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docg1701/iam-dashboard/internal/config"
	"github.com/docg1701/iam-dashboard/internal/health"
	"github.com/docg1701/iam-dashboard/internal/http/handler"
	"github.com/docg1701/iam-dashboard/internal/http/middleware"
	"github.com/docg1701/iam-dashboard/internal/http/router"
	"github.com/docg1701/iam-dashboard/internal/observability"
	"github.com/docg1701/iam-dashboard/internal/repository"
	"github.com/docg1701/iam-dashboard/internal/security"
	"github.com/docg1701/iam-dashboard/internal/service"
	"github.com/docg1701/iam-dashboard/internal/store"
)

// App holds the assembled service and its shutdown hooks.
type App struct {
	Config          *config.Config
	Logger          *slog.Logger
	Server          *http.Server
	Observability   *observability.Runtime
	Readiness       *health.ProbeRunner
	ShutdownTimeout time.Duration

	closers []func(ctx context.Context) error
}

func New(cfg *config.Config, logger *slog.Logger, server *http.Server, runtime *observability.Runtime, readiness *health.ProbeRunner) *App {
	return &App{
		Config:          cfg,
		Logger:          logger,
		Server:          server,
		Observability:   runtime,
		Readiness:       readiness,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Bootstrap loads config, connects the stores and wires every service behind
// the HTTP surface. Construction is explicit so each dependency is visible at
// the single assembly point.
func Bootstrap(ctx context.Context) (*App, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}

	runtime, err := observability.InitRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger := runtime.Logger

	db, err := store.NewDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return nil, err
	}

	users := repository.NewUserRepository(db)
	perms := repository.NewPermissionRepository(db)
	backupCodes := repository.NewBackupCodeRepository(db)

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	sessions := service.NewSessionRegistry(rdb, cfg.MaxSessions)
	tokens := service.NewTokenService(jwtMgr, rdb, sessions, users, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	guard := service.NewLoginGuard(users, cfg.LockoutThreshold, cfg.LockoutDuration)
	twoFactor := service.NewTwoFactorManager(rdb, users, backupCodes, cfg.TOTPIssuer, cfg.TwoFactorTTL, cfg.BackupCodeCount)
	permCache := service.NewRedisPermissionCache(rdb, "perm_cache")
	auth := service.NewAuthService(users, perms, guard, twoFactor, tokens, permCache, cfg.PermissionCacheTTL)

	failureMode := middleware.FailClosed
	if cfg.RateLimitFailOpen {
		failureMode = middleware.FailOpen
	}
	limiter := middleware.NewRedisSlidingWindowLimiter(rdb, "ratelimit")
	globalLimiter := middleware.NewRateLimiter(
		limiter,
		middleware.PrincipalPolicyFunc(jwtMgr, cfg, cfg.RateLimitAnonymous, cfg.RateLimitWindow),
		failureMode,
		"api",
	)
	authLimiter := middleware.NewFixedRateLimiter(limiter, cfg.RateLimitAnonymous, cfg.RateLimitWindow, failureMode, "auth")

	readiness := health.NewProbeRunner(cfg.StoreTimeout, 5*time.Second,
		health.RedisChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
		health.CheckerFunc(func(ctx context.Context) health.CheckResult {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				return health.CheckResult{Name: "database", Healthy: false, Error: err.Error()}
			}
			return health.CheckResult{Name: "database", Healthy: true}
		}),
	)

	authHandler := handler.NewAuthHandler(auth, tokens, twoFactor, sessions, cfg.RefreshTokenTTL, cfg.Environment == "production")
	mux := router.NewRouter(router.Dependencies{
		AuthHandler:       authHandler,
		Tokens:            tokens,
		GlobalRateLimiter: globalLimiter.Middleware(),
		AuthRateLimiter:   authLimiter.Middleware(),
		CORSOrigins:       cfg.CORSOrigins,
		APIRateLimitRPM:   cfg.RateLimitDefault,
		AuthRateLimitRPM:  cfg.RateLimitAnonymous,
		Readiness:         readiness,
		EnableOTelHTTP:    cfg.OTELTracingEnabled,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a := New(cfg, logger, server, runtime, readiness)
	a.closers = append(a.closers,
		func(context.Context) error { return rdb.Close() },
		func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	)
	return a, nil
}

// Run serves until the context is cancelled or a termination signal arrives,
// then drains in-flight requests and closes the stores.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown drains the HTTP server, flushes telemetry and closes the stores.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, closer := range a.closers {
		if err := closer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
