package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"webhook-relay/internal/engine"
	"webhook-relay/internal/metadata"
)

// RequireAdmin validates the bearer token and requires the admin role.
// An empty secret disables the check.
func RequireAdmin(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(token, secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}
		user := &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles}
		if !user.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}
