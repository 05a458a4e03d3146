package engine

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const signatureHeader = "X-Webhook-Signature"

// EventHandler accepts inbound domain events.
type EventHandler struct {
	router        *Router
	waitByDefault bool
	blogSecret    string
	logger        zerolog.Logger
}

func NewEventHandler(r *Router, waitByDefault bool, blogSecret string, logger zerolog.Logger) *EventHandler {
	return &EventHandler{
		router:        r,
		waitByDefault: waitByDefault,
		blogSecret:    blogSecret,
		logger:        logger.With().Str("component", "events").Logger(),
	}
}

// Lead handles POST /events/lead
func (h *EventHandler) Lead(c *fiber.Ctx) error {
	return h.handle(c, &Lead{})
}

// Booking handles POST /events/booking
func (h *EventHandler) Booking(c *fiber.Ctx) error {
	return h.handle(c, &Booking{})
}

// GuideRequest handles POST /events/guide-request
func (h *EventHandler) GuideRequest(c *fiber.Ctx) error {
	return h.handle(c, &GuideRequest{})
}

// BlogPost handles POST /events/blog-post. The caller must send the shared
// secret in X-Webhook-Signature.
func (h *EventHandler) BlogPost(c *fiber.Ctx) error {
	if h.blogSecret == "" {
		h.logger.Error().Msg("blog post received but events.blog_secret is not set")
		return NewAppError("SECRET_NOT_CONFIGURED", 500, "Webhook secret not configured")
	}
	sig := c.Get(signatureHeader)
	if sig == "" {
		return UnauthorizedError("Missing webhook signature")
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(h.blogSecret)) != 1 {
		h.logger.Warn().Str("ip", c.IP()).Msg("invalid webhook signature")
		return UnauthorizedError("Invalid webhook signature")
	}
	return h.handle(c, &BlogPost{})
}

// handle decodes the body into ev and routes it. With ?wait=true (or sync
// mode) the response carries per-target results; otherwise delivery runs in
// the background and only the tracking id is returned.
func (h *EventHandler) handle(c *fiber.Ctx, ev Event) error {
	if err := json.Unmarshal(c.Body(), ev); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}

	wait := c.QueryBool("wait", h.waitByDefault)
	var (
		res *RouteResult
		err error
	)
	if wait {
		res, err = h.router.RouteEvent(c.UserContext(), ev)
	} else {
		res, err = h.router.Submit(c.UserContext(), ev)
	}
	if err != nil {
		return err
	}

	h.logger.Info().
		Str("event", ev.EventName()).
		Str("tracking_id", res.TrackingID).
		Int("targets", res.Matched).
		Bool("wait", wait).
		Msg("event accepted")

	body := fiber.Map{
		"status":      "success",
		"tracking_id": res.TrackingID,
	}
	if res.Message != "" {
		body["message"] = res.Message
	}
	if wait || res.Results != nil {
		body["results"] = res.Results
	}
	return c.JSON(body)
}
