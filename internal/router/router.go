package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/changeset-api/internal/config"
	"github.com/noah-isme/changeset-api/internal/handler"
	"github.com/noah-isme/changeset-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChangeHandler   *handler.ChangeHandler
	EntityHandler   *handler.EntityHandler
	AuditHandler    *handler.AuditHandler
	RealtimeHandler *handler.RealtimeHandler
	HealthProbes    map[string]handler.HealthProbe
	JWTMiddleware   fiber.Handler
	RateLimiter     fiber.Handler
	ActivityTracker fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))

	protected := []fiber.Handler{}
	for _, mw := range []fiber.Handler{deps.JWTMiddleware, deps.RateLimiter, deps.ActivityTracker} {
		if mw != nil {
			protected = append(protected, mw)
		}
	}
	if len(protected) == 0 {
		protected = append(protected, func(c *fiber.Ctx) error { return c.Next() })
	}
	group := func(prefix string) fiber.Router {
		return api.Group(prefix, protected...)
	}

	if deps.ChangeHandler != nil {
		deps.ChangeHandler.Register(group("/changes"))
		deps.ChangeHandler.RegisterConflicts(group("/conflicts"))
	}
	if deps.EntityHandler != nil {
		deps.EntityHandler.Register(group("/entities"))
	}
	if deps.AuditHandler != nil {
		deps.AuditHandler.Register(group("/audit"))
	}
	if deps.RealtimeHandler != nil {
		deps.RealtimeHandler.Register(group("/realtime"))
	}
}
