package handler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/service"
	"github.com/noah-isme/changeset-api/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseQueryTime(c *fiber.Ctx, key string) (*time.Time, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func localString(c *fiber.Ctx, key string) string {
	if value, ok := c.Locals(key).(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func userIDFromContext(c *fiber.Ctx) string {
	return localString(c, middleware.LocalUserID)
}

func tenantIDFromContext(c *fiber.Ctx) string {
	return localString(c, middleware.LocalTenantID)
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		ctx := base.With()
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			ctx = ctx.Str("correlation_id", correlation)
		}
		if tenant := tenantIDFromContext(c); tenant != "" {
			ctx = ctx.Str("tenant_id", tenant)
		}
		logger = ctx.Logger()
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// sendServiceError maps change and audit service errors onto HTTP responses.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error, fallback string) error {
	var conflictErr *service.ConflictError
	var fieldErr *service.ValidationError

	switch {
	case errors.As(err, &conflictErr):
		return utils.SendErrorWithData(c, fiber.StatusConflict, "change conflicts with concurrent edits", fiber.Map{
			"conflicts": conflictErr.Conflicts,
			"current":   conflictErr.Current,
			"incoming":  conflictErr.Incoming,
		})
	case errors.As(err, &fieldErr):
		return utils.SendErrorWithData(c, fiber.StatusUnprocessableEntity, "validation failed", fiber.Map{
			"errors": fieldErr.Errors,
		})
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownEntityType):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	requestLogger(logger, c).Error().Err(err).Msg(fallback)
	return utils.SendError(c, fiber.StatusInternalServerError, fallback)
}
