package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainproof/verifier/internal/database"
	"github.com/chainproof/verifier/internal/middleware"
)

// RouterDeps bundles everything the HTTP surface needs.
type RouterDeps struct {
	Verify          *VerifyHandler
	Lookup          *LookupHandler
	Replace         *ReplaceHandler
	Health          *HealthHandler
	Redis           *database.Redis
	MaintainerToken string
	Logger          *slog.Logger
}

// NewRouter assembles the service router.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.CORS())
	r.Use(middleware.Logging(deps.Logger))
	r.Use(middleware.Metrics())

	r.Get("/health", deps.Health.Health)
	r.Get("/ready", deps.Health.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Redis != nil {
			r.Use(middleware.RateLimit(deps.Redis, middleware.DefaultRateLimitConfig()))
		}
		r.Mount("/verify", deps.Verify.Routes())

		r.Get("/contracts/{chainId}/{address}", deps.Lookup.GetContract)
		r.Get("/contracts/{chainId}/{address}/files", deps.Lookup.GetFiles)
		r.Get("/signatures/lookup", deps.Lookup.LookupSignature)
	})

	r.Route("/private", func(r chi.Router) {
		r.Use(middleware.RequireMaintainer(deps.MaintainerToken))
		r.Mount("/", deps.Replace.Routes())
	})

	return r
}
