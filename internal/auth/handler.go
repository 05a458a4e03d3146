package auth

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"webhook-relay/internal/config"
	"webhook-relay/internal/engine"
)

// Handler exchanges the admin password for an access token.
type Handler struct {
	cfg config.AuthConfig
	now func() time.Time
}

func NewHandler(cfg config.AuthConfig) *Handler {
	return &Handler{cfg: cfg, now: time.Now}
}

// Token handles POST /auth/token.
func (h *Handler) Token(c *fiber.Ctx) error {
	if !h.cfg.Enabled() || h.cfg.AdminPasswordHash == "" {
		return engine.NewAppError("AUTH_DISABLED", 404, "Token issuance is not configured")
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return engine.InvalidPayloadError("Invalid request body")
	}
	if body.Password == "" {
		return engine.UnauthorizedError("Password is required")
	}
	if !CheckPassword(body.Password, h.cfg.AdminPasswordHash) {
		return engine.UnauthorizedError("Invalid password")
	}

	token, err := GenerateAccessToken(AdminSubject, []string{AdminRole}, h.cfg.JWTSecret, h.now())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(AccessTokenTTL.Seconds()),
	}})
}
