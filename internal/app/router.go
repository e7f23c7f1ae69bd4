package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/parishdesk/parishdesk/internal/auth"
	"github.com/parishdesk/parishdesk/internal/authz"
	"github.com/parishdesk/parishdesk/internal/observability"
	"github.com/parishdesk/parishdesk/internal/token"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Issuer       *token.Issuer
	AuthHandler  *auth.Handler
	AuthzHandler *authz.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with ParishDesk defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Issuer:  params.Issuer,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", params.AuthHandler.MountRoutes)
		r.Route("/me", params.AuthzHandler.MountMeRoutes)
		r.Route("/admin", params.AuthzHandler.MountAdminRoutes)
	})

	return r
}
