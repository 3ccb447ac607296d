package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/service"
	"github.com/noah-isme/changeset-api/internal/utils"
)

// AuditHandler serves audit trail and user activity queries.
type AuditHandler struct {
	service service.AuditService
	logger  zerolog.Logger
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(service service.AuditService, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger.With().Str("component", "audit_handler").Logger(),
	}
}

// Register wires audit routes.
func (h *AuditHandler) Register(router fiber.Router) {
	router.Get("/logs", h.logs)
	router.Get("/recent/:type/:id", h.recent)
	router.Get("/activity", h.activity)
	router.Get("/activity/stats", h.stats)
	router.Get("/activity/daily", h.daily)
	router.Post("/cleanup", middleware.RequireRole("admin"), h.cleanup)
}

func (h *AuditHandler) logs(c *fiber.Ctx) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	from, err := parseQueryTime(c, "from")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid from timestamp")
	}
	to, err := parseQueryTime(c, "to")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid to timestamp")
	}

	page, err := h.service.GetAuditLogs(requestContext(c), dto.AuditLogListRequest{
		TenantID:   tenantIDFromContext(c),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		UserID:     c.Query("user_id"),
		Action:     c.Query("action"),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list audit logs")
	}
	return utils.SendSuccess(c, "audit logs retrieved", page)
}

func (h *AuditHandler) recent(c *fiber.Ctx) error {
	entries, err := h.service.GetRecentAuditLogs(requestContext(c), tenantIDFromContext(c), c.Params("type"), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load recent audit logs")
	}
	return utils.SendSuccess(c, "recent audit logs retrieved", entries)
}

func (h *AuditHandler) activity(c *fiber.Ctx) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}
	from, err := parseQueryTime(c, "from")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid from timestamp")
	}
	to, err := parseQueryTime(c, "to")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid to timestamp")
	}

	page, err := h.service.GetUserActivity(requestContext(c), dto.UserActivityListRequest{
		TenantID: tenantIDFromContext(c),
		UserID:   c.Query("user_id"),
		Action:   c.Query("action"),
		From:     from,
		To:       to,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list user activity")
	}
	return utils.SendSuccess(c, "user activity retrieved", page)
}

func (h *AuditHandler) stats(c *fiber.Ctx) error {
	days, err := parseQueryInt(c, "days")
	if err != nil || days < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid days")
	}

	stats, err := h.service.GetActivityStats(requestContext(c), tenantIDFromContext(c), days)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to compute activity stats")
	}
	return utils.SendSuccess(c, "activity stats retrieved", stats)
}

func (h *AuditHandler) daily(c *fiber.Ctx) error {
	day := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid day")
		}
		day = parsed
	}
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		userID = userIDFromContext(c)
	}

	count, err := h.service.GetDailyActivityCount(requestContext(c), tenantIDFromContext(c), userID, day)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to count daily activity")
	}
	return utils.SendSuccess(c, "daily activity retrieved", fiber.Map{
		"user_id": userID,
		"day":     day.Format("2006-01-02"),
		"total":   count,
	})
}

func (h *AuditHandler) cleanup(c *fiber.Ctx) error {
	var body struct {
		RetentionDays int `json:"retention_days"`
	}
	if err := c.BodyParser(&body); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if body.RetentionDays <= 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "retention_days must be positive")
	}

	result, err := h.service.CleanupOldLogs(requestContext(c), body.RetentionDays)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to clean up logs")
	}
	requestLogger(h.logger, c).Info().
		Int64("audit_logs", result.AuditLogsDeleted).
		Int64("user_activities", result.UserActivitiesDeleted).
		Msg("manual log cleanup finished")
	return utils.SendSuccess(c, "logs cleaned up", result)
}
