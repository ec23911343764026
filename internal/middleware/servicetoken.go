package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// ServiceToken guards machine-to-machine endpoints such as provider callbacks
// and compliance exports. The configured value is a bcrypt hash, so a leaked
// config file does not leak the token itself.
func ServiceToken(tokenHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if tokenHash == "" {
			// No token configured, endpoint is open. Intended for local runs.
			return c.Next()
		}

		authz := c.Get(fiber.HeaderAuthorization)
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
		}
		token := strings.TrimSpace(authz[len("Bearer "):])

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid token")
		}

		return c.Next()
	}
}
