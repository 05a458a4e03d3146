package admin

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"webhook-relay/internal/engine"
	"webhook-relay/internal/ledger"
	"webhook-relay/internal/metadata"
)

// Ledger is the ledger surface the admin routes need.
type Ledger interface {
	UpsertTarget(ctx context.Context, in ledger.TargetInput) (*metadata.WebhookTarget, error)
	ListTargets(ctx context.Context) ([]*metadata.WebhookTarget, error)
	GetTarget(ctx context.Context, id string) (*metadata.WebhookTarget, error)
	GetDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, f ledger.DeliveryFilter, limit int) ([]*metadata.WebhookDelivery, error)
}

// Retrier re-sends a recorded delivery.
type Retrier interface {
	RetryDelivery(ctx context.Context, id string) (*metadata.WebhookDelivery, error)
}

type Handler struct {
	ledger       Ledger
	retries      Retrier
	retryTimeout time.Duration
}

func NewHandler(l Ledger, r Retrier, retryTimeout time.Duration) *Handler {
	return &Handler{ledger: l, retries: r, retryTimeout: retryTimeout}
}

// RegisterAdminRoutes mounts target and delivery management behind guard.
func RegisterAdminRoutes(app *fiber.App, h *Handler, guard fiber.Handler) {
	wh := app.Group("/webhooks", guard)

	wh.Post("/targets", h.UpsertTarget)
	wh.Get("/targets", h.ListTargets)
	wh.Get("/targets/:id", h.GetTarget)

	wh.Get("/deliveries", h.ListDeliveries)
	wh.Get("/deliveries/:id", h.GetDelivery)
	wh.Post("/deliveries/:id/retry", h.RetryDelivery)
}

// --- Target Endpoints ---

// UpsertTarget inserts (201) or updates (200) a target depending on whether
// the body carries an id.
func (h *Handler) UpsertTarget(c *fiber.Ctx) error {
	var in ledger.TargetInput
	if err := c.BodyParser(&in); err != nil {
		return engine.InvalidPayloadError("Invalid JSON body")
	}

	target, err := h.ledger.UpsertTarget(c.UserContext(), in)
	if err != nil {
		return engine.FromLedgerError(err, "webhook target", in.ID)
	}

	status := fiber.StatusOK
	if in.ID == "" {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": target})
}

func (h *Handler) ListTargets(c *fiber.Ctx) error {
	targets, err := h.ledger.ListTargets(c.UserContext())
	if err != nil {
		return engine.FromLedgerError(err, "webhook target", "")
	}
	return c.JSON(fiber.Map{"data": targets})
}

func (h *Handler) GetTarget(c *fiber.Ctx) error {
	id := c.Params("id")
	target, err := h.ledger.GetTarget(c.UserContext(), id)
	if err != nil {
		return engine.FromLedgerError(err, "webhook target", id)
	}
	return c.JSON(fiber.Map{"data": target})
}

// --- Delivery Endpoints ---

// ListDeliveries handles GET /webhooks/deliveries?limit=&event=&targetId=&success=&state=
func (h *Handler) ListDeliveries(c *fiber.Ctx) error {
	filter := ledger.DeliveryFilter{
		Event:    c.Query("event"),
		TargetID: c.Query("targetId"),
		State:    c.Query("state"),
	}
	if v := c.Query("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return engine.ValidationError([]engine.ErrorDetail{{Field: "success", Rule: "bool", Message: "success must be true or false"}})
		}
		filter.Success = &b
	}
	limit := ledger.DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return engine.ValidationError([]engine.ErrorDetail{{Field: "limit", Rule: "min", Message: "limit must be a positive integer"}})
		}
		limit = n
	}

	deliveries, err := h.ledger.ListDeliveries(c.UserContext(), filter, limit)
	if err != nil {
		return engine.FromLedgerError(err, "delivery", "")
	}
	return c.JSON(fiber.Map{
		"data": deliveries,
		"meta": fiber.Map{"count": len(deliveries), "limit": min(limit, ledger.MaxListLimit)},
	})
}

func (h *Handler) GetDelivery(c *fiber.Ctx) error {
	id := c.Params("id")
	d, err := h.ledger.GetDelivery(c.UserContext(), id)
	if err != nil {
		return engine.FromLedgerError(err, "delivery", id)
	}
	return c.JSON(fiber.Map{"data": d})
}

// RetryDelivery handles POST /webhooks/deliveries/:id/retry and returns the
// new delivery row.
func (h *Handler) RetryDelivery(c *fiber.Ctx) error {
	id := c.Params("id")
	ctx := c.UserContext()
	if h.retryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.retryTimeout)
		defer cancel()
	}

	d, err := h.retries.RetryDelivery(ctx, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": d})
}
