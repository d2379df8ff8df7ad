package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// AdminJWT guards the admin API with tokens issued by the login handler
func AdminJWT(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := ParseBearer(c.Get("Authorization"), secret)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, ErrInvalidToken) {
				msg = ErrInvalidToken.Error()
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": msg,
			})
		}

		c.Locals("userID", claims["id"])
		c.Locals("userEmail", claims["email"])
		c.Locals("userRole", claims["role"])

		return c.Next()
	}
}
