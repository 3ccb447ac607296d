package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/middleware"
	"github.com/noah-isme/changeset-api/internal/service"
	"github.com/noah-isme/changeset-api/internal/utils"
)

// ReviewerRoles may approve, reject and roll back change sets.
var ReviewerRoles = []string{"admin", "reviewer"}

// ChangeHandler exposes the change set lifecycle.
type ChangeHandler struct {
	service service.ChangeService
	logger  zerolog.Logger
}

// NewChangeHandler constructs the handler.
func NewChangeHandler(service service.ChangeService, logger zerolog.Logger) *ChangeHandler {
	return &ChangeHandler{
		service: service,
		logger:  logger.With().Str("component", "change_handler").Logger(),
	}
}

// Register wires change set routes.
func (h *ChangeHandler) Register(router fiber.Router) {
	review := middleware.RequireRole(ReviewerRoles...)

	router.Post("", h.create)
	router.Post("/process", h.process)
	router.Get("/:id", h.get)
	router.Get("/:id/conflicts", h.conflicts)
	router.Post("/:id/process", h.processChangeSet)
	router.Post("/:id/commit", h.commit)
	router.Post("/:id/approve", review, h.approve)
	router.Post("/:id/reject", review, h.reject)
	router.Post("/:id/rollback", review, h.rollback)
}

// RegisterConflicts wires conflict resolution routes.
func (h *ChangeHandler) RegisterConflicts(router fiber.Router) {
	router.Post("/:id/resolve", h.resolve)
}

func (h *ChangeHandler) create(c *fiber.Ctx) error {
	var req dto.CreateChangeSetRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.UserID = userIDFromContext(c)
	req.TenantID = tenantIDFromContext(c)

	changeSet, err := h.service.CreateChangeSet(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to create change set")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "change set created", changeSet)
}

func (h *ChangeHandler) process(c *fiber.Ctx) error {
	var req dto.ProcessChangeRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	return h.apply(c, req)
}

func (h *ChangeHandler) processChangeSet(c *fiber.Ctx) error {
	var body struct {
		Changes map[string]interface{} `json:"changes"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	changeSet, err := h.service.GetChangeSet(requestContext(c), tenantIDFromContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load change set")
	}

	changes := body.Changes
	if len(changes) == 0 {
		changes = changeSet.Changes
	}

	return h.apply(c, dto.ProcessChangeRequest{
		ChangeSetID: changeSet.ID,
		EntityType:  changeSet.EntityType,
		EntityID:    changeSet.EntityID,
		Changes:     changes,
	})
}

func (h *ChangeHandler) apply(c *fiber.Ctx, req dto.ProcessChangeRequest) error {
	req.UserID = userIDFromContext(c)
	req.TenantID = tenantIDFromContext(c)

	result, err := h.service.ProcessChange(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to process change")
	}

	return utils.SendSuccess(c, "change applied", result.Data)
}

func (h *ChangeHandler) get(c *fiber.Ctx) error {
	changeSet, err := h.service.GetChangeSet(requestContext(c), tenantIDFromContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to load change set")
	}
	return utils.SendSuccess(c, "change set retrieved", changeSet)
}

func (h *ChangeHandler) conflicts(c *fiber.Ctx) error {
	conflicts, err := h.service.ListConflicts(requestContext(c), tenantIDFromContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to list conflicts")
	}
	return utils.SendSuccess(c, "conflicts retrieved", conflicts)
}

func (h *ChangeHandler) commit(c *fiber.Ctx) error {
	changeSet, err := h.service.CommitChange(requestContext(c), tenantIDFromContext(c), c.Params("id"))
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to commit change set")
	}
	return utils.SendSuccess(c, "change set committed", changeSet)
}

func (h *ChangeHandler) approve(c *fiber.Ctx) error {
	var req dto.ApproveChangeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	req.ChangeSetID = c.Params("id")
	req.ApprovedBy = userIDFromContext(c)
	req.TenantID = tenantIDFromContext(c)

	changeSet, err := h.service.ApproveChange(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to approve change set")
	}
	return utils.SendSuccess(c, "change set approved", changeSet)
}

func (h *ChangeHandler) reject(c *fiber.Ctx) error {
	var req dto.RejectChangeRequest
	// The reason is optional, so an empty body is a valid rejection.
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}
	req.ChangeSetID = c.Params("id")
	req.RejectedBy = userIDFromContext(c)
	req.TenantID = tenantIDFromContext(c)

	changeSet, err := h.service.RejectChange(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to reject change set")
	}
	return utils.SendSuccess(c, "change set rejected", changeSet)
}

func (h *ChangeHandler) rollback(c *fiber.Ctx) error {
	changeSet, err := h.service.RollbackChange(requestContext(c), dto.RollbackChangeRequest{
		ChangeSetID: c.Params("id"),
		UserID:      userIDFromContext(c),
		TenantID:    tenantIDFromContext(c),
	})
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to roll back change set")
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "change set rolled back", changeSet)
}

func (h *ChangeHandler) resolve(c *fiber.Ctx) error {
	var req dto.ResolveConflictRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.ConflictID = c.Params("id")
	req.ResolvedBy = userIDFromContext(c)
	req.TenantID = tenantIDFromContext(c)

	result, err := h.service.ResolveConflict(requestContext(c), req)
	if err != nil {
		return sendServiceError(c, h.logger, err, "failed to resolve conflict")
	}
	return utils.SendSuccess(c, "conflict resolved", result)
}
