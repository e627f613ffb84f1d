package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mailvault/mailvault/internal/ratelimit"
	"github.com/mailvault/mailvault/internal/web/handlers"
	"github.com/mailvault/mailvault/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	MessageHandler *handlers.MessageHandler
	EventsHandler  *handlers.EventsHandler
	Limiter        *ratelimit.Limiter
	APIToken       string
}

// NewRouter wires the admin API into a Chi router. Every route sits behind
// bearer-token auth and the per-IP rate limit.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BearerAuth(deps.APIToken))
		r.Use(middleware.RateLimit(deps.Limiter))

		r.Get("/stats", deps.MessageHandler.HandleStats)
		r.Get("/messages", deps.MessageHandler.HandleListMessages)
		r.Get("/messages/{id}", deps.MessageHandler.HandleGetMessage)
		r.Patch("/messages/{id}/read", deps.MessageHandler.HandleSetRead)
		r.Delete("/messages/{id}", deps.MessageHandler.HandleDeleteMessage)

		r.Get("/events/{recipient}", deps.EventsHandler.HandleStream)
	})

	return r
}
