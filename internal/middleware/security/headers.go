package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets the response headers for a JSON API that is only
// ever fetched by scripts, never framed or rendered.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	connect := strings.TrimSpace("'self' " + strings.Join(cfg.AllowedOrigins, " "))
	csp := "default-src 'none'; connect-src " + connect + "; frame-ancestors 'none'"

	return func(c *fiber.Ctx) error {
		c.Set(fiber.HeaderXFrameOptions, "DENY")
		c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
		c.Set(fiber.HeaderReferrerPolicy, "no-referrer")
		c.Set(fiber.HeaderContentSecurityPolicy, csp)
		if !cfg.IsDevelopment {
			c.Set(fiber.HeaderStrictTransportSecurity, "max-age=31536000; includeSubDomains")
		}
		return c.Next()
	}
}
