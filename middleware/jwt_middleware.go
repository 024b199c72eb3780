package middleware

import (
	"strings"

	"coldreach/utils"

	"github.com/gofiber/fiber/v2"
)

const (
	LocalWorkspaceID = "workspaceID"
	LocalSubject     = "subject"
)

// Protected requires a valid operator token from the Authorization header,
// the access_token cookie, or a token query parameter (browsers cannot set
// headers on websocket upgrades).
func Protected(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string
		if authHeader := c.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid authorization format",
				})
			}
			token = parts[1]
		} else if cookie := c.Cookies("access_token"); cookie != "" {
			token = cookie
		} else {
			token = c.Query("token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization required",
			})
		}

		claims, err := utils.ParseToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals(LocalWorkspaceID, claims.WorkspaceID)
		c.Locals(LocalSubject, claims.Subject)
		return c.Next()
	}
}

// WorkspaceID returns the workspace set by Protected, or 0.
func WorkspaceID(c *fiber.Ctx) uint {
	id, _ := c.Locals(LocalWorkspaceID).(uint)
	return id
}
