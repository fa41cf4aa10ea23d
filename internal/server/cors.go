package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	corsMethods = "GET,POST,OPTIONS"
	corsHeaders = "Content-Type,Authorization"
)

// allowOrigins admits only the listed origins, browser extension schemes
// included. Preflights from allowed origins are answered with 200.
func allowOrigins(origins []string) fiber.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[o] = struct{}{}
		}
	}
	return func(c *fiber.Ctx) error {
		origin := c.Get(fiber.HeaderOrigin)
		_, ok := allowed[origin]
		if origin == "" || !ok {
			if c.Method() == fiber.MethodOptions && origin != "" {
				return c.SendStatus(fiber.StatusForbidden)
			}
			return c.Next()
		}

		c.Vary(fiber.HeaderOrigin)
		c.Set(fiber.HeaderAccessControlAllowOrigin, origin)
		if c.Method() != fiber.MethodOptions {
			return c.Next()
		}
		c.Set(fiber.HeaderAccessControlAllowMethods, corsMethods)
		c.Set(fiber.HeaderAccessControlAllowHeaders, corsHeaders)
		return c.SendStatus(fiber.StatusOK)
	}
}
