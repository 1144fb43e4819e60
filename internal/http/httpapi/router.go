package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"renderd/internal/domain"
	"renderd/internal/http/handlers"
	"renderd/internal/middleware"
)

// RouterOptions tunes the middleware chain around the handlers.
type RouterOptions struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	DefaultLocale   string
	RateLimitPerMin int
	CountryLookup   middleware.CountryLookup
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Logger sits inside RequestID and I18N so it can log their context.
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
		middleware.Logger(opts.Logger),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	mountResource(r, "/v1/jobs", app, domain.ResourceKindJob)
	mountResource(r, "/v1/generations", app, domain.ResourceKindGeneration)

	return r
}

// mountResource wires the shared lifecycle surface for one resource kind.
func mountResource(r chi.Router, pattern string, app *handlers.App, kind domain.ResourceKind) {
	r.Route(pattern, func(r chi.Router) {
		r.Post("/", app.CreateResource(kind))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", app.GetResource(kind))
			r.Get("/events", app.StreamEvents(kind))
			r.Post("/start", app.StartResource(kind))
			r.Post("/complete", app.CompleteResource(kind))
			r.Post("/fail", app.FailResource(kind))
			r.Post("/cancel", app.CancelResource(kind))
			r.Post("/progress", app.UpdateProgress(kind))
		})
	})
}
