package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/service"
	"github.com/noah-isme/changeset-api/internal/utils"
)

// EntityHandler serves entity state, change history and version snapshots.
type EntityHandler struct {
	service service.ChangeService
	logger  zerolog.Logger
}

// NewEntityHandler constructs the handler.
func NewEntityHandler(service service.ChangeService, logger zerolog.Logger) *EntityHandler {
	return &EntityHandler{
		service: service,
		logger:  logger.With().Str("component", "entity_handler").Logger(),
	}
}

// Register wires entity routes.
func (h *EntityHandler) Register(router fiber.Router) {
	router.Get("/:type/:id", h.get)
	router.Get("/:type/:id/history", h.history)
	router.Get("/:type/:id/versions", h.versions)
}

func (h *EntityHandler) get(c *fiber.Ctx) error {
	state, err := h.service.GetEntity(requestContext(c), tenantIDFromContext(c), c.Params("type"), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load entity")
	}
	return utils.SendSuccess(c, "entity retrieved", state)
}

func (h *EntityHandler) history(c *fiber.Ctx) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	page, err := h.service.GetChangeHistory(requestContext(c), dto.ChangeHistoryRequest{
		TenantID:         tenantIDFromContext(c),
		EntityType:       c.Params("type"),
		EntityID:         c.Params("id"),
		Limit:            limit,
		Offset:           offset,
		IncludeRollbacks: c.QueryBool("include_rollbacks", false),
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load change history")
	}
	return utils.SendSuccess(c, "change history retrieved", page)
}

func (h *EntityHandler) versions(c *fiber.Ctx) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	page, err := h.service.ListVersions(requestContext(c), dto.VersionListRequest{
		TenantID:   tenantIDFromContext(c),
		EntityType: c.Params("type"),
		EntityID:   c.Params("id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load versions")
	}
	return utils.SendSuccess(c, "versions retrieved", page)
}

func pagination(c *fiber.Ctx) (int, int, error) {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return 0, 0, fiber.NewError(fiber.StatusBadRequest, "invalid limit")
	}
	offset, err := parseQueryInt(c, "offset")
	if err != nil || offset < 0 {
		return 0, 0, fiber.NewError(fiber.StatusBadRequest, "invalid offset")
	}
	return limit, offset, nil
}
