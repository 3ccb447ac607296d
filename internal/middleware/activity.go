package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	fiberutils "github.com/gofiber/fiber/v2/utils"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/models"
)

// ActivityRecorder persists user activity without failing the caller.
type ActivityRecorder interface {
	CreateUserActivity(ctx context.Context, req dto.UserActivityRequest) *models.UserActivityLog
}

// TrackActivity records every mutating request made by an authenticated user.
func TrackActivity(recorder ActivityRecorder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		if recorder == nil {
			return err
		}

		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return err
		}
		userID := localString(c, LocalUserID)
		if userID == "" {
			return err
		}

		route := routeTemplate(c)
		params := map[string]interface{}{}
		if c.Route() != nil {
			for _, name := range c.Route().Params {
				params[name] = fiberutils.CopyString(c.Params(name))
			}
		}

		ctx := ContextWithCorrelation(c.UserContext(), GetCorrelationID(c))
		recorder.CreateUserActivity(ctx, dto.UserActivityRequest{
			Action:   c.Method() + " " + route,
			UserID:   userID,
			TenantID: localString(c, LocalTenantID),
			Metadata: map[string]interface{}{
				"status":         c.Response().StatusCode(),
				"correlation_id": GetCorrelationID(c),
			},
			Method:    c.Method(),
			Path:      fiberutils.CopyString(c.Path()),
			Params:    params,
			SessionID: fiberutils.CopyString(c.Get("X-Session-ID")),
			IPAddress: fiberutils.CopyString(c.IP()),
			UserAgent: fiberutils.CopyString(c.Get(fiber.HeaderUserAgent)),
		})
		return err
	}
}
