package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/cache"
	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/models"
	"github.com/noah-isme/changeset-api/internal/observability"
	"github.com/noah-isme/changeset-api/internal/realtime"
	"github.com/noah-isme/changeset-api/internal/repository"
)

const (
	auditActionProposed   = "change.proposed"
	auditActionApplied    = "change.applied"
	auditActionApproved   = "change.approved"
	auditActionRejected   = "change.rejected"
	auditActionRolledBack = "change.rolled_back"
	auditActionResolved   = "conflict.resolved"
)

// ChangeService orchestrates the change set lifecycle.
type ChangeService interface {
	CreateChangeSet(ctx context.Context, req dto.CreateChangeSetRequest) (models.ChangeSet, error)
	ProcessChange(ctx context.Context, req dto.ProcessChangeRequest) (dto.ProcessChangeResponse, error)
	CommitChange(ctx context.Context, tenantID, changeSetID string) (models.ChangeSet, error)
	ApproveChange(ctx context.Context, req dto.ApproveChangeRequest) (models.ChangeSet, error)
	RejectChange(ctx context.Context, req dto.RejectChangeRequest) (models.ChangeSet, error)
	RollbackChange(ctx context.Context, req dto.RollbackChangeRequest) (models.ChangeSet, error)
	ResolveConflict(ctx context.Context, req dto.ResolveConflictRequest) (dto.ResolveConflictResponse, error)
	GetChangeHistory(ctx context.Context, req dto.ChangeHistoryRequest) (dto.Page[dto.ChangeHistoryEntry], error)
	GetChangeSet(ctx context.Context, tenantID, changeSetID string) (models.ChangeSet, error)
	ListConflicts(ctx context.Context, tenantID, changeSetID string) ([]models.ChangeConflict, error)
	GetEntity(ctx context.Context, tenantID, entityType, entityID string) (map[string]interface{}, error)
	ListVersions(ctx context.Context, req dto.VersionListRequest) (dto.Page[models.VersionHistory], error)
}

// ChangeServiceDeps bundles the collaborators of the change service.
type ChangeServiceDeps struct {
	Registry   *entity.Registry
	Stores     repository.Stores
	Transactor repository.Transactor
	Detector   *ConflictDetector
	Audit      AuditService
	Cache      cache.Store
	Sink       realtime.Sink
	Validator  *validator.Validate
	EntityTTL  time.Duration
	Logger     zerolog.Logger
}

type changeService struct {
	registry  *entity.Registry
	stores    repository.Stores
	tx        repository.Transactor
	detector  *ConflictDetector
	audit     AuditService
	cache     cache.Store
	sink      realtime.Sink
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	entityTTL time.Duration
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
}

type processOptions struct {
	skipConflicts bool
	auditContext  map[string]interface{}
}

// NewChangeService constructs the change service.
func NewChangeService(deps ChangeServiceDeps) ChangeService {
	if deps.Sink == nil {
		deps.Sink = realtime.Nop{}
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.EntityTTL <= 0 {
		deps.EntityTTL = 10 * time.Minute
	}
	if deps.Detector == nil {
		deps.Detector = NewConflictDetector(deps.Stores.ChangeSets, DefaultConflictPolicy())
	}
	return &changeService{
		registry:  deps.Registry,
		stores:    deps.Stores,
		tx:        deps.Transactor,
		detector:  deps.Detector,
		audit:     deps.Audit,
		cache:     deps.Cache,
		sink:      deps.Sink,
		validator: deps.Validator,
		sanitizer: bluemonday.StrictPolicy(),
		entityTTL: deps.EntityTTL,
		tracer:    otel.Tracer("github.com/noah-isme/changeset-api/internal/service/change"),
		logger:    deps.Logger.With().Str("component", "change_service").Logger(),
		now:       time.Now,
	}
}

func (s *changeService) CreateChangeSet(ctx context.Context, req dto.CreateChangeSetRequest) (models.ChangeSet, error) {
	ctx, span, done := s.begin(ctx, "change.create",
		attribute.String("change.entity_type", req.EntityType),
		attribute.String("change.entity_id", req.EntityID))
	defer done()

	if err := s.validator.Struct(req); err != nil {
		failSpan(span, err, "validation_failed")
		return models.ChangeSet{}, err
	}
	t, err := s.registry.Lookup(req.EntityType)
	if err != nil {
		failSpan(span, err, "unknown_entity_type")
		return models.ChangeSet{}, err
	}

	level := models.ChangeLevel(req.Level)
	if level == "" {
		level = models.ChangeLevelOptimistic
	}
	now := s.now().UTC()
	changeSet := models.ChangeSet{
		TenantID:   req.TenantID,
		EntityType: t.Name,
		EntityID:   strings.TrimSpace(req.EntityID),
		Changes:    datatypes.JSONMap(copyValues(req.Changes)),
		Level:      level,
		Status:     models.ChangeStatusPending,
		UserID:     req.UserID,
		Metadata:   datatypes.JSONMap(copyValues(req.Metadata)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.stores.ChangeSets.Create(ctx, &changeSet); err != nil {
		failSpan(span, err, "create_failed")
		return models.ChangeSet{}, fmt.Errorf("create change set: %w", err)
	}
	span.SetAttributes(attribute.String("change.id", changeSet.ID))

	s.audit.CreateAuditLog(ctx, dto.AuditLogRequest{
		Action:     auditActionProposed,
		EntityType: changeSet.EntityType,
		EntityID:   changeSet.EntityID,
		UserID:     changeSet.UserID,
		TenantID:   changeSet.TenantID,
		NewValues:  changeSet.Changes,
		Context:    map[string]interface{}{"change_set_id": changeSet.ID},
	})
	s.broadcast(ctx, realtime.EventChangeCreated, changeSet.TenantID, changeSet)
	return changeSet, nil
}

func (s *changeService) ProcessChange(ctx context.Context, req dto.ProcessChangeRequest) (dto.ProcessChangeResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ProcessChangeResponse{}, err
	}
	return s.process(ctx, req, processOptions{})
}

// process runs the pipeline: read, detect, validate, then apply entity, change set,
// audit and version inside one transaction. Cache and realtime work happens after commit.
func (s *changeService) process(ctx context.Context, req dto.ProcessChangeRequest, opts processOptions) (dto.ProcessChangeResponse, error) {
	ctx, span, done := s.begin(ctx, "change.process",
		attribute.String("change.entity_type", req.EntityType),
		attribute.String("change.entity_id", req.EntityID),
		attribute.String("change.id", req.ChangeSetID))
	defer done()

	t, err := s.registry.Lookup(req.EntityType)
	if err != nil {
		failSpan(span, err, "unknown_entity_type")
		return dto.ProcessChangeResponse{}, err
	}

	var changeSet *models.ChangeSet
	if req.ChangeSetID != "" {
		loaded, err := s.loadChangeSet(ctx, req.TenantID, req.ChangeSetID)
		if err != nil {
			failSpan(span, err, "change_set_lookup_failed")
			return dto.ProcessChangeResponse{}, err
		}
		if !processable(loaded.Status) {
			err := invalidState("change set %s is %s", loaded.ID, loaded.Status)
			failSpan(span, err, "invalid_state")
			return dto.ProcessChangeResponse{}, err
		}
		if loaded.EntityType != t.Name || loaded.EntityID != req.EntityID {
			err := invalidState("change set %s targets %s/%s", loaded.ID, loaded.EntityType, loaded.EntityID)
			failSpan(span, err, "entity_mismatch")
			return dto.ProcessChangeResponse{}, err
		}
		changeSet = &loaded
	}

	current, err := s.stores.Entities.Get(ctx, t, req.TenantID, req.EntityID)
	if err != nil {
		err = notFound(err, "entity %s/%s", t.Name, req.EntityID)
		failSpan(span, err, "entity_lookup_failed")
		s.countOutcome(t.Name, "error")
		return dto.ProcessChangeResponse{}, err
	}

	incoming := copyValues(req.Changes)
	if !opts.skipConflicts {
		conflicts, err := s.detector.Detect(ctx, DetectInput{
			ChangeSetID: req.ChangeSetID,
			TenantID:    req.TenantID,
			EntityType:  t.Name,
			EntityID:    req.EntityID,
			UserID:      req.UserID,
			Current:     current,
			Incoming:    incoming,
		})
		if err != nil {
			failSpan(span, err, "conflict_detection_failed")
			s.countOutcome(t.Name, outcomeFor(err))
			return dto.ProcessChangeResponse{}, err
		}
		if len(conflicts) > 0 {
			for _, conflict := range conflicts {
				observability.ChangeConflicts().WithLabelValues(string(conflict.ConflictType)).Inc()
			}
			if changeSet != nil {
				if err := s.recordConflicts(ctx, changeSet, conflicts); err != nil {
					failSpan(span, err, "record_conflicts_failed")
					s.countOutcome(t.Name, "error")
					return dto.ProcessChangeResponse{}, err
				}
			}
			conflictErr := &ConflictError{Conflicts: conflicts, Current: current, Incoming: incoming}
			failSpan(span, conflictErr, "conflict")
			s.countOutcome(t.Name, "conflict")
			return dto.ProcessChangeResponse{}, conflictErr
		}
	}

	delta := plainNumbers(stripControlKeys(incoming))
	if problems := t.Validate(delta, current); len(problems) > 0 {
		validationErr := &ValidationError{Errors: problems}
		failSpan(span, validationErr, "validation_failed")
		s.countOutcome(t.Name, "invalid")
		return dto.ProcessChangeResponse{}, validationErr
	}

	var previousStatus models.ChangeStatus
	var previousLevel models.ChangeLevel
	if changeSet != nil {
		previousStatus, previousLevel = changeSet.Status, changeSet.Level
		changeSet.Status = models.ChangeStatusProcessing
		changeSet.Level = models.ChangeLevelProcessing
		changeSet.UpdatedAt = s.now().UTC()
		if err := s.stores.ChangeSets.Save(ctx, changeSet); err != nil {
			failSpan(span, err, "mark_processing_failed")
			s.countOutcome(t.Name, "error")
			return dto.ProcessChangeResponse{}, fmt.Errorf("mark change set processing: %w", err)
		}
	}

	changeSetID := req.ChangeSetID
	auditContext := mergeValues(opts.auditContext, map[string]interface{}{"change_set_id": changeSetID})
	var newValues map[string]interface{}
	var auditEntry *models.AuditLog
	err = s.tx.RunInTransaction(ctx, func(ctx context.Context, stores repository.Stores) error {
		before, err := stores.Entities.Get(ctx, t, req.TenantID, req.EntityID)
		if err != nil {
			return notFound(err, "entity %s/%s", t.Name, req.EntityID)
		}

		now := s.now().UTC()
		update := mergeValues(delta, map[string]interface{}{"updated_at": now})
		if err := stores.Entities.Update(ctx, t, req.TenantID, req.EntityID, update); err != nil {
			return fmt.Errorf("update entity: %w", notFound(err, "entity %s/%s", t.Name, req.EntityID))
		}
		newValues = mergeValues(before, update)

		if changeSet != nil {
			changeSet.OldValues = datatypes.JSONMap(before)
			changeSet.NewValues = datatypes.JSONMap(newValues)
			changeSet.UpdatedAt = now
			if err := stores.ChangeSets.Save(ctx, changeSet); err != nil {
				return fmt.Errorf("record change set values: %w", err)
			}
		}

		auditEntry = s.audit.CreateAuditLogWithin(ctx, stores.AuditLogs, dto.AuditLogRequest{
			Action:     auditActionApplied,
			EntityType: t.Name,
			EntityID:   req.EntityID,
			UserID:     req.UserID,
			TenantID:   req.TenantID,
			OldValues:  before,
			NewValues:  newValues,
			Context:    auditContext,
		})

		count, err := stores.Versions.Count(ctx, req.TenantID, t.Name, req.EntityID)
		if err != nil {
			return fmt.Errorf("count versions: %w", err)
		}
		version := models.VersionHistory{
			TenantID:      req.TenantID,
			EntityType:    t.Name,
			EntityID:      req.EntityID,
			VersionNumber: int(count) + 1,
			Data:          datatypes.JSONMap(newValues),
			ChangeSetID:   changeSetID,
			CreatedBy:     req.UserID,
			CreatedAt:     now,
		}
		if err := stores.Versions.Create(ctx, &version); err != nil {
			return fmt.Errorf("create version: %w", err)
		}
		return nil
	})
	if err != nil {
		if changeSet != nil {
			s.restoreStatus(ctx, changeSet.ID, previousStatus, previousLevel)
		}
		failSpan(span, err, "apply_failed")
		s.countOutcome(t.Name, "error")
		s.logger.Error().Err(err).Str("entity_type", t.Name).Str("entity_id", req.EntityID).Msg("change rolled back")
		return dto.ProcessChangeResponse{}, err
	}

	s.audit.MirrorAuditLog(ctx, auditEntry)
	s.invalidateEntity(ctx, t.Name, req.TenantID, req.EntityID)
	s.broadcast(ctx, realtime.EventEntityUpdated, req.TenantID, map[string]interface{}{
		"entity_type":   t.Name,
		"entity_id":     req.EntityID,
		"change_set_id": changeSetID,
		"user_id":       req.UserID,
		"data":          newValues,
	})
	s.countOutcome(t.Name, "applied")

	return dto.ProcessChangeResponse{Success: true, Data: newValues}, nil
}

func (s *changeService) CommitChange(ctx context.Context, tenantID, changeSetID string) (models.ChangeSet, error) {
	ctx, span, done := s.begin(ctx, "change.commit", attribute.String("change.id", changeSetID))
	defer done()

	changeSet, err := s.loadChangeSet(ctx, tenantID, changeSetID)
	if err != nil {
		failSpan(span, err, "change_set_lookup_failed")
		return models.ChangeSet{}, err
	}
	if changeSet.Status != models.ChangeStatusProcessing {
		err := invalidState("change set %s is %s, expected %s", changeSet.ID, changeSet.Status, models.ChangeStatusProcessing)
		failSpan(span, err, "invalid_state")
		return models.ChangeSet{}, err
	}

	now := s.now().UTC()
	changeSet.Level = models.ChangeLevelCommitted
	changeSet.Status = models.ChangeStatusApplied
	changeSet.AppliedAt = &now
	changeSet.UpdatedAt = now
	if err := s.stores.ChangeSets.Save(ctx, &changeSet); err != nil {
		failSpan(span, err, "save_failed")
		return models.ChangeSet{}, fmt.Errorf("commit change set: %w", err)
	}

	s.broadcast(ctx, realtime.EventChangeCommitted, changeSet.TenantID, changeSet)
	return changeSet, nil
}

func (s *changeService) ApproveChange(ctx context.Context, req dto.ApproveChangeRequest) (models.ChangeSet, error) {
	ctx, span, done := s.begin(ctx, "change.approve",
		attribute.String("change.id", req.ChangeSetID),
		attribute.Bool("change.apply_immediately", req.ApplyImmediately))
	defer done()

	if err := s.validator.Struct(req); err != nil {
		failSpan(span, err, "validation_failed")
		return models.ChangeSet{}, err
	}
	changeSet, err := s.loadChangeSet(ctx, req.TenantID, req.ChangeSetID)
	if err != nil {
		failSpan(span, err, "change_set_lookup_failed")
		return models.ChangeSet{}, err
	}
	if changeSet.Status != models.ChangeStatusPending {
		err := invalidState("change set %s is %s, only PENDING can be approved", changeSet.ID, changeSet.Status)
		failSpan(span, err, "invalid_state")
		return models.ChangeSet{}, err
	}

	now := s.now().UTC()
	approver := req.ApprovedBy
	changeSet.Status = models.ChangeStatusApproved
	changeSet.ApprovedBy = &approver
	changeSet.ApprovedAt = &now
	changeSet.UpdatedAt = now
	if err := s.stores.ChangeSets.Save(ctx, &changeSet); err != nil {
		failSpan(span, err, "save_failed")
		return models.ChangeSet{}, fmt.Errorf("approve change set: %w", err)
	}

	s.audit.CreateAuditLog(ctx, dto.AuditLogRequest{
		Action:     auditActionApproved,
		EntityType: changeSet.EntityType,
		EntityID:   changeSet.EntityID,
		UserID:     approver,
		TenantID:   changeSet.TenantID,
		Context:    map[string]interface{}{"change_set_id": changeSet.ID},
	})
	s.broadcast(ctx, realtime.EventChangeApproved, changeSet.TenantID, changeSet)

	if !req.ApplyImmediately {
		return changeSet, nil
	}
	if _, err := s.process(ctx, dto.ProcessChangeRequest{
		ChangeSetID: changeSet.ID,
		EntityType:  changeSet.EntityType,
		EntityID:    changeSet.EntityID,
		Changes:     changeSet.Changes,
		UserID:      changeSet.UserID,
		TenantID:    changeSet.TenantID,
	}, processOptions{}); err != nil {
		failSpan(span, err, "apply_failed")
		return models.ChangeSet{}, err
	}
	return s.CommitChange(ctx, changeSet.TenantID, changeSet.ID)
}

func (s *changeService) RejectChange(ctx context.Context, req dto.RejectChangeRequest) (models.ChangeSet, error) {
	ctx, span, done := s.begin(ctx, "change.reject", attribute.String("change.id", req.ChangeSetID))
	defer done()

	if err := s.validator.Struct(req); err != nil {
		failSpan(span, err, "validation_failed")
		return models.ChangeSet{}, err
	}
	changeSet, err := s.loadChangeSet(ctx, req.TenantID, req.ChangeSetID)
	if err != nil {
		failSpan(span, err, "change_set_lookup_failed")
		return models.ChangeSet{}, err
	}
	rejected, err := s.reject(ctx, changeSet, req.RejectedBy, req.Reason)
	if err != nil {
		failSpan(span, err, "reject_failed")
		return models.ChangeSet{}, err
	}
	return rejected, nil
}

func (s *changeService) reject(ctx context.Context, changeSet models.ChangeSet, rejectedBy, reason string) (models.ChangeSet, error) {
	switch changeSet.Status {
	case models.ChangeStatusPending, models.ChangeStatusApproved, models.ChangeStatusConflicted:
	default:
		return models.ChangeSet{}, invalidState("change set %s is %s and cannot be rejected", changeSet.ID, changeSet.Status)
	}

	cleaned := ""
	if reason = strings.TrimSpace(reason); reason != "" {
		cleaned = strings.TrimSpace(s.sanitizer.Sanitize(reason))
	}

	now := s.now().UTC()
	changeSet.Status = models.ChangeStatusRejected
	changeSet.RejectedBy = &rejectedBy
	changeSet.RejectedAt = &now
	changeSet.RejectionReason = cleaned
	changeSet.UpdatedAt = now
	if err := s.stores.ChangeSets.Save(ctx, &changeSet); err != nil {
		return models.ChangeSet{}, fmt.Errorf("reject change set: %w", err)
	}

	s.audit.CreateAuditLog(ctx, dto.AuditLogRequest{
		Action:     auditActionRejected,
		EntityType: changeSet.EntityType,
		EntityID:   changeSet.EntityID,
		UserID:     rejectedBy,
		TenantID:   changeSet.TenantID,
		Context:    map[string]interface{}{"change_set_id": changeSet.ID, "reason": cleaned},
	})
	s.broadcast(ctx, realtime.EventChangeRejected, changeSet.TenantID, changeSet)
	return changeSet, nil
}

func (s *changeService) RollbackChange(ctx context.Context, req dto.RollbackChangeRequest) (models.ChangeSet, error) {
	ctx, span, done := s.begin(ctx, "change.rollback", attribute.String("change.id", req.ChangeSetID))
	defer done()

	if err := s.validator.Struct(req); err != nil {
		failSpan(span, err, "validation_failed")
		return models.ChangeSet{}, err
	}
	target, err := s.loadChangeSet(ctx, req.TenantID, req.ChangeSetID)
	if err != nil {
		failSpan(span, err, "change_set_lookup_failed")
		return models.ChangeSet{}, err
	}
	if target.Status != models.ChangeStatusApplied {
		err := invalidState("change set %s is %s, only APPLIED changes can be rolled back", target.ID, target.Status)
		failSpan(span, err, "invalid_state")
		return models.ChangeSet{}, err
	}
	t, err := s.registry.Lookup(target.EntityType)
	if err != nil {
		failSpan(span, err, "unknown_entity_type")
		return models.ChangeSet{}, err
	}
	restore := t.Mutable(target.OldValues)
	if len(restore) == 0 {
		err := invalidState("change set %s has no previous values to restore", target.ID)
		failSpan(span, err, "missing_snapshot")
		return models.ChangeSet{}, err
	}

	rollback, err := s.CreateChangeSet(ctx, dto.CreateChangeSetRequest{
		EntityType: target.EntityType,
		EntityID:   target.EntityID,
		Changes:    restore,
		Level:      string(models.ChangeLevelOptimistic),
		UserID:     req.UserID,
		TenantID:   target.TenantID,
		Metadata: map[string]interface{}{
			"rollback_of":         target.ID,
			"original_change_set": snapshotOf(target),
		},
	})
	if err != nil {
		failSpan(span, err, "create_rollback_failed")
		return models.ChangeSet{}, err
	}

	if _, err := s.process(ctx, dto.ProcessChangeRequest{
		ChangeSetID: rollback.ID,
		EntityType:  rollback.EntityType,
		EntityID:    rollback.EntityID,
		Changes:     rollback.Changes,
		UserID:      req.UserID,
		TenantID:    rollback.TenantID,
	}, processOptions{auditContext: map[string]interface{}{"rollback_of": target.ID}}); err != nil {
		failSpan(span, err, "apply_rollback_failed")
		s.abandonRollback(ctx, rollback, req.UserID, err)
		return models.ChangeSet{}, err
	}
	committed, err := s.CommitChange(ctx, rollback.TenantID, rollback.ID)
	if err != nil {
		failSpan(span, err, "commit_rollback_failed")
		return models.ChangeSet{}, err
	}

	now := s.now().UTC()
	target.Status = models.ChangeStatusRolledBack
	target.UpdatedAt = now
	if target.Metadata == nil {
		target.Metadata = datatypes.JSONMap{}
	}
	target.Metadata["rolled_back_by"] = committed.ID
	target.Metadata["rolled_back_at"] = now.Format(time.RFC3339Nano)
	if err := s.stores.ChangeSets.Save(ctx, &target); err != nil {
		failSpan(span, err, "mark_rolled_back_failed")
		return models.ChangeSet{}, fmt.Errorf("mark change set rolled back: %w", err)
	}

	s.audit.CreateAuditLog(ctx, dto.AuditLogRequest{
		Action:     auditActionRolledBack,
		EntityType: target.EntityType,
		EntityID:   target.EntityID,
		UserID:     req.UserID,
		TenantID:   target.TenantID,
		OldValues:  target.NewValues,
		NewValues:  committed.NewValues,
		Context:    map[string]interface{}{"change_set_id": target.ID, "rollback_change_set_id": committed.ID},
	})
	s.broadcast(ctx, realtime.EventChangeRolledBack, target.TenantID, map[string]interface{}{
		"change_set_id":          target.ID,
		"rollback_change_set_id": committed.ID,
		"entity_type":            target.EntityType,
		"entity_id":              target.EntityID,
	})
	return committed, nil
}

// abandonRollback rejects a rollback change set whose apply failed so it
// does not linger as an open proposal.
func (s *changeService) abandonRollback(ctx context.Context, rollback models.ChangeSet, userID string, cause error) {
	current, err := s.loadChangeSet(ctx, rollback.TenantID, rollback.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("change_set_id", rollback.ID).Msg("failed to reload rollback change set")
		return
	}
	if _, err := s.reject(ctx, current, userID, "rollback failed: "+cause.Error()); err != nil {
		s.logger.Warn().Err(err).Str("change_set_id", rollback.ID).Msg("failed to reject abandoned rollback change set")
	}
}

func (s *changeService) ResolveConflict(ctx context.Context, req dto.ResolveConflictRequest) (dto.ResolveConflictResponse, error) {
	ctx, span, done := s.begin(ctx, "change.resolve_conflict",
		attribute.String("conflict.id", req.ConflictID),
		attribute.String("conflict.resolution", req.Resolution))
	defer done()

	if err := s.validator.Struct(req); err != nil {
		failSpan(span, err, "validation_failed")
		return dto.ResolveConflictResponse{}, err
	}
	resolution := models.ConflictResolution(req.Resolution)
	if resolution == models.ResolutionMerge && len(req.MergedChanges) == 0 {
		err := &ValidationError{Errors: fieldErrors("merged_changes", "required for MERGE")}
		failSpan(span, err, "validation_failed")
		return dto.ResolveConflictResponse{}, err
	}

	conflict, err := s.stores.Conflicts.FindByID(ctx, req.ConflictID)
	if err != nil {
		err = notFound(err, "conflict %s", req.ConflictID)
		failSpan(span, err, "conflict_lookup_failed")
		return dto.ResolveConflictResponse{}, err
	}
	if req.TenantID != "" && conflict.TenantID != req.TenantID {
		err := fmt.Errorf("%w: conflict %s", ErrNotFound, req.ConflictID)
		failSpan(span, err, "conflict_lookup_failed")
		return dto.ResolveConflictResponse{}, err
	}
	if conflict.IsResolved() {
		err := invalidState("conflict %s is already resolved", conflict.ID)
		failSpan(span, err, "already_resolved")
		return dto.ResolveConflictResponse{}, err
	}

	changeSet, err := s.loadChangeSet(ctx, conflict.TenantID, conflict.ChangeSetID)
	if err != nil {
		failSpan(span, err, "change_set_lookup_failed")
		return dto.ResolveConflictResponse{}, err
	}
	if changeSet.Status != models.ChangeStatusConflicted {
		err := invalidState("change set %s is %s, expected %s", changeSet.ID, changeSet.Status, models.ChangeStatusConflicted)
		failSpan(span, err, "invalid_state")
		return dto.ResolveConflictResponse{}, err
	}

	var outcome models.ChangeSet
	switch resolution {
	case models.ResolutionAcceptCurrent:
		outcome, err = s.reject(ctx, changeSet, req.ResolvedBy, "conflict resolved in favour of the current state")
	case models.ResolutionAcceptIncoming:
		outcome, err = s.applyResolved(ctx, changeSet, changeSet.Changes, changeSet.UserID, resolution)
	case models.ResolutionMerge:
		outcome, err = s.applyResolved(ctx, changeSet, req.MergedChanges, req.ResolvedBy, resolution)
		if err == nil {
			outcome.Metadata = datatypes.JSONMap(mergeValues(outcome.Metadata, map[string]interface{}{
				"merged_changes": req.MergedChanges,
				"merged_by":      req.ResolvedBy,
			}))
			if saveErr := s.stores.ChangeSets.Save(ctx, &outcome); saveErr != nil {
				err = fmt.Errorf("record merge metadata: %w", saveErr)
			}
		}
	}
	if err != nil {
		failSpan(span, err, "resolution_failed")
		return dto.ResolveConflictResponse{}, err
	}

	if _, err := s.stores.Conflicts.ResolveOpen(ctx, changeSet.ID, resolution, req.ResolvedBy, s.now().UTC()); err != nil {
		failSpan(span, err, "mark_resolved_failed")
		return dto.ResolveConflictResponse{}, fmt.Errorf("mark conflicts resolved: %w", err)
	}
	resolved, err := s.stores.Conflicts.FindByID(ctx, conflict.ID)
	if err != nil {
		failSpan(span, err, "conflict_reload_failed")
		return dto.ResolveConflictResponse{}, fmt.Errorf("reload conflict: %w", err)
	}

	s.audit.CreateAuditLog(ctx, dto.AuditLogRequest{
		Action:     auditActionResolved,
		EntityType: changeSet.EntityType,
		EntityID:   changeSet.EntityID,
		UserID:     req.ResolvedBy,
		TenantID:   changeSet.TenantID,
		Context: map[string]interface{}{
			"change_set_id": changeSet.ID,
			"conflict_id":   conflict.ID,
			"resolution":    string(resolution),
		},
	})
	s.broadcast(ctx, realtime.EventConflictResolved, changeSet.TenantID, map[string]interface{}{
		"conflict":   resolved,
		"change_set": outcome,
	})
	return dto.ResolveConflictResponse{Conflict: resolved, ChangeSet: outcome}, nil
}

func (s *changeService) applyResolved(ctx context.Context, changeSet models.ChangeSet, changes map[string]interface{}, userID string, resolution models.ConflictResolution) (models.ChangeSet, error) {
	_, err := s.process(ctx, dto.ProcessChangeRequest{
		ChangeSetID: changeSet.ID,
		EntityType:  changeSet.EntityType,
		EntityID:    changeSet.EntityID,
		Changes:     changes,
		UserID:      userID,
		TenantID:    changeSet.TenantID,
	}, processOptions{
		skipConflicts: true,
		auditContext:  map[string]interface{}{"resolution": string(resolution)},
	})
	if err != nil {
		return models.ChangeSet{}, err
	}
	return s.CommitChange(ctx, changeSet.TenantID, changeSet.ID)
}

func (s *changeService) GetChangeHistory(ctx context.Context, req dto.ChangeHistoryRequest) (dto.Page[dto.ChangeHistoryEntry], error) {
	ctx, span, done := s.begin(ctx, "change.history",
		attribute.String("change.entity_type", req.EntityType),
		attribute.String("change.entity_id", req.EntityID))
	defer done()

	t, err := s.registry.Lookup(req.EntityType)
	if err != nil {
		failSpan(span, err, "unknown_entity_type")
		return dto.Page[dto.ChangeHistoryEntry]{}, err
	}
	limit, offset := normalizePage(req.Limit, req.Offset)
	statuses := []models.ChangeStatus{models.ChangeStatusApplied}
	if req.IncludeRollbacks {
		statuses = append(statuses, models.ChangeStatusRolledBack)
	}

	changeSets, total, err := s.stores.ChangeSets.ListHistory(ctx, repository.ChangeHistoryFilter{
		TenantID:   req.TenantID,
		EntityType: t.Name,
		EntityID:   req.EntityID,
		Statuses:   statuses,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		failSpan(span, err, "list_history_failed")
		return dto.Page[dto.ChangeHistoryEntry]{}, fmt.Errorf("list change history: %w", err)
	}

	ids := make([]string, 0, len(changeSets))
	for _, changeSet := range changeSets {
		ids = append(ids, changeSet.ID)
	}
	versions, err := s.stores.Versions.ListByChangeSetIDs(ctx, ids)
	if err != nil {
		failSpan(span, err, "list_versions_failed")
		return dto.Page[dto.ChangeHistoryEntry]{}, fmt.Errorf("list versions: %w", err)
	}
	byChangeSet := make(map[string]models.VersionHistory, len(versions))
	for _, version := range versions {
		byChangeSet[version.ChangeSetID] = version
	}

	entries := make([]dto.ChangeHistoryEntry, 0, len(changeSets))
	for i, changeSet := range changeSets {
		entry := dto.ChangeHistoryEntry{ChangeSet: changeSet}
		if i+1 < len(changeSets) && changeSets[i+1].NewValues != nil && changeSet.NewValues != nil {
			entry.Diff = diffValues(changeSets[i+1].NewValues, changeSet.NewValues)
		} else {
			entry.Diff = diffFromChanges(changeSet)
		}
		if version, ok := byChangeSet[changeSet.ID]; ok {
			v := version
			entry.Version = &v
		}
		entries = append(entries, entry)
	}

	return dto.Page[dto.ChangeHistoryEntry]{Items: entries, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *changeService) GetChangeSet(ctx context.Context, tenantID, changeSetID string) (models.ChangeSet, error) {
	return s.loadChangeSet(ctx, tenantID, changeSetID)
}

func (s *changeService) ListConflicts(ctx context.Context, tenantID, changeSetID string) ([]models.ChangeConflict, error) {
	if _, err := s.loadChangeSet(ctx, tenantID, changeSetID); err != nil {
		return nil, err
	}
	conflicts, err := s.stores.Conflicts.ListByChangeSet(ctx, changeSetID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	if conflicts == nil {
		conflicts = []models.ChangeConflict{}
	}
	return conflicts, nil
}

// GetEntity reads through the entity cache.
func (s *changeService) GetEntity(ctx context.Context, tenantID, entityType, entityID string) (map[string]interface{}, error) {
	t, err := s.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}

	key := entityCacheKey(t.Name, entityID)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			var cached map[string]interface{}
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil && cached["tenant_id"] == tenantID {
				return cached, nil
			}
		case !errors.Is(err, cache.ErrMiss):
			s.cacheFailure("entity_get", key, err)
		}
	}

	values, err := s.stores.Entities.Get(ctx, t, tenantID, entityID)
	if err != nil {
		return nil, notFound(err, "entity %s/%s", t.Name, entityID)
	}

	if s.cache != nil {
		if payload, err := json.Marshal(values); err == nil {
			if err := s.cache.Set(ctx, key, payload, s.entityTTL); err != nil {
				s.cacheFailure("entity_set", key, err)
			}
		}
	}
	return values, nil
}

func (s *changeService) ListVersions(ctx context.Context, req dto.VersionListRequest) (dto.Page[models.VersionHistory], error) {
	t, err := s.registry.Lookup(req.EntityType)
	if err != nil {
		return dto.Page[models.VersionHistory]{}, err
	}
	limit, offset := normalizePage(req.Limit, req.Offset)
	items, total, err := s.stores.Versions.ListByEntity(ctx, req.TenantID, t.Name, req.EntityID, limit, offset)
	if err != nil {
		return dto.Page[models.VersionHistory]{}, fmt.Errorf("list versions: %w", err)
	}
	if items == nil {
		items = []models.VersionHistory{}
	}
	return dto.Page[models.VersionHistory]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *changeService) recordConflicts(ctx context.Context, changeSet *models.ChangeSet, conflicts []models.ChangeConflict) error {
	now := s.now().UTC()
	for i := range conflicts {
		conflicts[i].ChangeSetID = changeSet.ID
		conflicts[i].TenantID = changeSet.TenantID
		conflicts[i].CreatedAt = now
	}

	err := s.tx.RunInTransaction(ctx, func(ctx context.Context, stores repository.Stores) error {
		if err := stores.Conflicts.CreateBatch(ctx, conflicts); err != nil {
			return fmt.Errorf("create conflicts: %w", err)
		}
		for _, conflict := range conflicts {
			changeSet.ConflictIDs = append(changeSet.ConflictIDs, conflict.ID)
		}
		changeSet.Status = models.ChangeStatusConflicted
		changeSet.UpdatedAt = now
		return stores.ChangeSets.Save(ctx, changeSet)
	})
	if err != nil {
		return err
	}

	s.broadcast(ctx, realtime.EventChangeConflicted, changeSet.TenantID, map[string]interface{}{
		"change_set": changeSet,
		"conflicts":  conflicts,
	})
	return nil
}

func (s *changeService) restoreStatus(ctx context.Context, changeSetID string, status models.ChangeStatus, level models.ChangeLevel) {
	changeSet, err := s.stores.ChangeSets.FindByID(ctx, changeSetID)
	if err != nil {
		s.logger.Error().Err(err).Str("change_set_id", changeSetID).Msg("failed to reload change set for restore")
		return
	}
	changeSet.Status = status
	changeSet.Level = level
	changeSet.UpdatedAt = s.now().UTC()
	if err := s.stores.ChangeSets.Save(ctx, &changeSet); err != nil {
		s.logger.Error().Err(err).Str("change_set_id", changeSetID).Msg("failed to restore change set status")
	}
}

func (s *changeService) loadChangeSet(ctx context.Context, tenantID, changeSetID string) (models.ChangeSet, error) {
	changeSet, err := s.stores.ChangeSets.FindByID(ctx, changeSetID)
	if err != nil {
		return models.ChangeSet{}, notFound(err, "change set %s", changeSetID)
	}
	if tenantID != "" && changeSet.TenantID != tenantID {
		return models.ChangeSet{}, fmt.Errorf("%w: change set %s", ErrNotFound, changeSetID)
	}
	return changeSet, nil
}

func (s *changeService) invalidateEntity(ctx context.Context, entityType, tenantID, entityID string) {
	if s.cache == nil {
		return
	}
	keys := []string{entityCacheKey(entityType, entityID)}
	patterns := []string{
		fmt.Sprintf("tenant:%s:%s:list*", tenantID, entityType),
		entityType + ":list*",
	}
	for _, pattern := range patterns {
		found, err := s.cache.Keys(ctx, pattern)
		if err != nil {
			s.cacheFailure("invalidate_scan", pattern, err)
			continue
		}
		keys = append(keys, found...)
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.cacheFailure("invalidate", entityCacheKey(entityType, entityID), err)
	}
}

func (s *changeService) cacheFailure(operation, key string, err error) {
	observability.CacheFailures().WithLabelValues(operation).Inc()
	s.logger.Warn().Err(err).Str("key", key).Str("operation", operation).Msg("cache operation failed")
}

func (s *changeService) broadcast(ctx context.Context, eventType realtime.EventType, tenantID string, data interface{}) {
	s.sink.Broadcast(ctx, realtime.Event{
		Type:     eventType,
		TenantID: tenantID,
		Data:     data,
		SentAt:   s.now().UTC(),
	})
}

func (s *changeService) countOutcome(entityType, outcome string) {
	observability.ChangesProcessed().WithLabelValues(entityType, outcome).Inc()
}

func (s *changeService) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func()) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span, func() {
		observability.ChangeLatency().WithLabelValues(name).Observe(time.Since(start).Seconds())
		span.End()
	}
}

func failSpan(span trace.Span, err error, status string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
}

func processable(status models.ChangeStatus) bool {
	switch status {
	case models.ChangeStatusPending, models.ChangeStatusApproved, models.ChangeStatusConflicted:
		return true
	default:
		return false
	}
}

func outcomeFor(err error) string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return "invalid"
	}
	return "error"
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}

func entityCacheKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

func snapshotOf(changeSet models.ChangeSet) map[string]interface{} {
	return map[string]interface{}{
		"id":         changeSet.ID,
		"user_id":    changeSet.UserID,
		"changes":    map[string]interface{}(changeSet.Changes),
		"old_values": map[string]interface{}(changeSet.OldValues),
		"new_values": map[string]interface{}(changeSet.NewValues),
		"applied_at": changeSet.AppliedAt,
		"created_at": changeSet.CreatedAt,
	}
}
