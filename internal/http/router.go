package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/iago/reporting-back/internal/auth"
	"github.com/iago/reporting-back/internal/http/handlers"
	"github.com/iago/reporting-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *slog.Logger
	Identity       auth.IdentityResolver
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))

	r.Get("/healthz", deps.API.Health)
	r.Get("/readyz", deps.API.Ready)

	r.Route("/v1", func(r chi.Router) {
		if deps.API.DownloadsEnabled() {
			r.Get("/downloads/*", deps.API.Download)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Identity(deps.Identity))
			r.Get("/kinds", deps.API.ListKinds)
			r.Post("/reports", deps.API.SubmitReport)
			r.Get("/reports", deps.API.ListReports)
			r.Get("/reports/{token}", deps.API.PollReport)
			r.Post("/reports/{token}/retry", deps.API.RetryReport)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"route not found"},"request_id":"` + middleware.GetRequestID(r.Context()) + `"}`))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(`{"error":{"code":"method_not_allowed","message":"method not allowed"},"request_id":"` + middleware.GetRequestID(r.Context()) + `"}`))
	})

	return r
}
