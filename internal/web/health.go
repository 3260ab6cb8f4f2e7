package web

import (
	"github.com/gofiber/fiber/v2"
)

// healthHandler reports overall service health: the naming contexts being
// served plus cache and operation statistics.
func (a *App) healthHandler(c *fiber.Ctx) error {
	summary := a.svc.Metrics().GetSummary()

	return c.JSON(fiber.Map{
		"overall_healthy": true,
		"naming_contexts": a.svc.Nexus().NamingContexts(),
		"groups_cached":   a.svc.GroupCache().Count(),
		"aci_subentries":  a.svc.TupleCache().Count(),
		"metrics":         summary,
	})
}

// readinessHandler reports whether the service accepts operations; the
// root DSE read doubles as a self-check through the full chain.
func (a *App) readinessHandler(c *fiber.Ctx) error {
	if _, err := a.svc.GetRootDSE(a.svc.NewSession()); err != nil {
		c.Status(fiber.StatusServiceUnavailable)

		return c.JSON(fiber.Map{"status": "not ready", "error": err.Error()})
	}

	return c.JSON(fiber.Map{"status": "ready"})
}

// metricsHandler dumps the operation counters.
func (a *App) metricsHandler(c *fiber.Ctx) error {
	return c.JSON(a.svc.Metrics().GetSummary())
}
