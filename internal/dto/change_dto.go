package dto

import (
	"github.com/noah-isme/changeset-api/internal/models"
)

// Page wraps a limit/offset paginated result.
type Page[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// CreateChangeSetRequest proposes a change without applying it.
type CreateChangeSetRequest struct {
	EntityType string                 `json:"entity_type" validate:"required,max=64"`
	EntityID   string                 `json:"entity_id" validate:"required,max=64"`
	Changes    map[string]interface{} `json:"changes" validate:"required,min=1"`
	Level      string                 `json:"level" validate:"omitempty,oneof=OPTIMISTIC PROCESSING COMMITTED"`
	Metadata   map[string]interface{} `json:"metadata"`
	UserID     string                 `json:"-" validate:"required"`
	TenantID   string                 `json:"-" validate:"required"`
}

// ProcessChangeRequest applies changes to an entity, optionally tied to a change set.
type ProcessChangeRequest struct {
	ChangeSetID string                 `json:"change_set_id"`
	EntityType  string                 `json:"entity_type" validate:"required,max=64"`
	EntityID    string                 `json:"entity_id" validate:"required,max=64"`
	Changes     map[string]interface{} `json:"changes" validate:"required,min=1"`
	UserID      string                 `json:"-" validate:"required"`
	TenantID    string                 `json:"-" validate:"required"`
}

// ProcessChangeResponse carries the entity state after a successful apply.
type ProcessChangeResponse struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
}

// ApproveChangeRequest approves a pending change set.
type ApproveChangeRequest struct {
	ChangeSetID      string `json:"-" validate:"required"`
	ApprovedBy       string `json:"-" validate:"required"`
	TenantID         string `json:"-" validate:"required"`
	ApplyImmediately bool   `json:"apply_immediately"`
}

// RejectChangeRequest rejects a change set with an optional reason.
type RejectChangeRequest struct {
	ChangeSetID string `json:"-" validate:"required"`
	RejectedBy  string `json:"-" validate:"required"`
	TenantID    string `json:"-" validate:"required"`
	Reason      string `json:"reason" validate:"omitempty,max=2000"`
}

// RollbackChangeRequest reverts an applied change set.
type RollbackChangeRequest struct {
	ChangeSetID string `json:"-" validate:"required"`
	UserID      string `json:"-" validate:"required"`
	TenantID    string `json:"-" validate:"required"`
}

// ResolveConflictRequest settles a recorded conflict.
type ResolveConflictRequest struct {
	ConflictID    string                 `json:"-" validate:"required"`
	ResolvedBy    string                 `json:"-" validate:"required"`
	TenantID      string                 `json:"-" validate:"required"`
	Resolution    string                 `json:"resolution" validate:"required,oneof=ACCEPT_CURRENT ACCEPT_INCOMING MERGE"`
	MergedChanges map[string]interface{} `json:"merged_changes" validate:"required_if=Resolution MERGE"`
}

// ResolveConflictResponse returns the resolved conflict and its change set.
type ResolveConflictResponse struct {
	Conflict  models.ChangeConflict `json:"conflict"`
	ChangeSet models.ChangeSet      `json:"change_set"`
}

// ChangeHistoryRequest filters the change history of one entity.
type ChangeHistoryRequest struct {
	TenantID         string
	EntityType       string
	EntityID         string
	Limit            int
	Offset           int
	IncludeRollbacks bool
}

// FieldDiff describes a single field transition.
type FieldDiff struct {
	From interface{} `json:"from"`
	To   interface{} `json:"to"`
}

// ChangeHistoryEntry is an applied change set with its diff and version.
type ChangeHistoryEntry struct {
	ChangeSet models.ChangeSet       `json:"change_set"`
	Diff      map[string]FieldDiff   `json:"diff"`
	Version   *models.VersionHistory `json:"version,omitempty"`
}

// VersionListRequest filters the version snapshots of one entity.
type VersionListRequest struct {
	TenantID   string
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}
