package api

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker is anything that can report its own liveness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

const healthTimeout = 2 * time.Second

// RegisterRoutes sets up all HTTP routes.
func RegisterRoutes(app *fiber.App, orders *OrderHandler, stream *StreamHandler, checks map[string]HealthChecker) {
	app.Get("/health", healthHandler(checks))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")
	api.Post("/orders/execute", orders.Execute)
	api.Get("/orders", orders.List)
	api.Get("/orders/:orderId", orders.Get)
	api.Get("/orders/:orderId/history", orders.History)
	api.Get("/orders/:orderId/status", stream.Upgrade, websocket.New(stream.Handle))
	api.Get("/queue/stats", orders.QueueStats)
}

func healthHandler(checks map[string]HealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		healthy := true
		for name, hc := range checks {
			if err := hc.HealthCheck(ctx); err != nil {
				results[name] = err.Error()
				healthy = false
				continue
			}
			results[name] = "ok"
		}

		status := "ok"
		code := fiber.StatusOK
		if !healthy {
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}
