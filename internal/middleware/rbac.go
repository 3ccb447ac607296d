package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/changeset-api/internal/utils"
)

// RoleAdmin passes every role guard.
const RoleAdmin = "admin"

// RequireRole lets the request through when the caller's role, bound by
// JWTProtected, is one of roles. Rejections list the roles that would pass.
func RequireRole(roles ...string) fiber.Handler {
	allowed := map[string]struct{}{RoleAdmin: {}}
	required := []string{RoleAdmin}
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, dup := allowed[normalized]; !dup {
			allowed[normalized] = struct{}{}
			required = append(required, normalized)
		}
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(LocalUserRole).(string)
		if _, ok := allowed[strings.ToLower(strings.TrimSpace(role))]; !ok {
			return utils.SendErrorWithData(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{
				"required_roles": required,
			})
		}
		return c.Next()
	}
}
