package engine

import "github.com/gofiber/fiber/v2"

// RegisterEventRoutes mounts the inbound event endpoints.
func RegisterEventRoutes(app *fiber.App, h *EventHandler, limiter *RateLimiter) {
	events := app.Group("/events", limiter.Middleware())

	events.Post("/lead", h.Lead)
	events.Post("/booking", h.Booking)
	events.Post("/guide-request", h.GuideRequest)
	events.Post("/blog-post", h.BlogPost)
}
