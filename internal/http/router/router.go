package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/docg1701/iam-dashboard/internal/health"
	"github.com/docg1701/iam-dashboard/internal/http/handler"
	"github.com/docg1701/iam-dashboard/internal/http/middleware"
	"github.com/docg1701/iam-dashboard/internal/http/response"
	"github.com/docg1701/iam-dashboard/internal/service"
)

type Dependencies struct {
	AuthHandler *handler.AuthHandler
	Tokens      *service.TokenService

	// GlobalRateLimiter admits every request; AuthRateLimiter additionally
	// guards the credential-facing endpoints with a tighter budget. Nil
	// limiters fall back to single-process sliding windows.
	GlobalRateLimiter func(http.Handler) http.Handler
	AuthRateLimiter   func(http.Handler) http.Handler

	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	Readiness        *health.ProbeRunner
	EnableOTelHTTP   bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))

	global := dep.GlobalRateLimiter
	if global == nil {
		global = middleware.NewFixedRateLimiter(middleware.NewLocalSlidingWindowLimiter(), dep.APIRateLimitRPM, time.Minute, middleware.FailOpen, "api").Middleware()
	}
	r.Use(global)

	authLimiter := dep.AuthRateLimiter
	if authLimiter == nil {
		authLimiter = middleware.NewFixedRateLimiter(middleware.NewLocalSlidingWindowLimiter(), dep.AuthRateLimitRPM, time.Minute, middleware.FailOpen, "auth").Middleware()
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)

			r.Group(func(r chi.Router) {
				r.Use(middleware.AuthMiddleware(dep.Tokens))
				r.Post("/logout", dep.AuthHandler.Logout)
				r.Post("/logout-all", dep.AuthHandler.LogoutAll)
				r.Get("/setup-2fa", dep.AuthHandler.SetupTwoFactor)
				r.Post("/enable-2fa", dep.AuthHandler.EnableTwoFactor)
				r.Delete("/disable-2fa", dep.AuthHandler.DisableTwoFactor)
				r.Get("/me", dep.AuthHandler.Me)
				r.Get("/sessions", dep.AuthHandler.Sessions)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
