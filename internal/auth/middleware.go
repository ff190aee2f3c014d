package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"datacore/internal/apperr"
	"datacore/internal/engine"
	"datacore/internal/instrument"
	"datacore/internal/metadata"
	"datacore/internal/permissions"
)

// AuthMiddleware returns a Fiber middleware that validates the bearer token
// and stores the caller's accountability on the request. Requests without a
// token continue as the public caller; a bad token is rejected.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		acc := &metadata.Accountability{IP: c.IP()}

		header := c.Get("Authorization")
		if header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return apperr.Unauthorized("Invalid auth header format")
			}

			claims, err := ParseAccessToken(parts[1], secret)
			if err != nil {
				return apperr.Unauthorized("Invalid or expired token")
			}
			acc.User = claims.Subject
			acc.Role = claims.Role
			acc.App = claims.App
		}

		c.Locals(engine.AccountabilityKey, acc)
		if acc.User != "" {
			c.SetUserContext(instrument.WithUserID(c.UserContext(), acc.User))
		}
		return c.Next()
	}
}

// RequireAdmin lets through callers holding a policy with admin access.
func RequireAdmin(perms *permissions.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		acc := GetAccountability(c)
		if acc == nil || (acc.User == "" && acc.Role == "") {
			return apperr.Unauthorized("Missing auth token")
		}
		eval, err := perms.Evaluate(c.UserContext(), acc, metadata.ActionRead)
		if err != nil {
			return err
		}
		if !eval.Admin() {
			return apperr.Forbidden("Admin access required")
		}
		return c.Next()
	}
}

// GetAccountability extracts the caller from a Fiber context.
func GetAccountability(c *fiber.Ctx) *metadata.Accountability {
	acc, _ := c.Locals(engine.AccountabilityKey).(*metadata.Accountability)
	return acc
}
