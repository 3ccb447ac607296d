package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChangeLevel marks how far a change has progressed towards being final.
type ChangeLevel string

const (
	ChangeLevelOptimistic ChangeLevel = "OPTIMISTIC"
	ChangeLevelProcessing ChangeLevel = "PROCESSING"
	ChangeLevelCommitted  ChangeLevel = "COMMITTED"
)

// ChangeStatus captures the workflow state of a change set.
type ChangeStatus string

const (
	ChangeStatusPending    ChangeStatus = "PENDING"
	ChangeStatusProcessing ChangeStatus = "PROCESSING"
	ChangeStatusApproved   ChangeStatus = "APPROVED"
	ChangeStatusApplied    ChangeStatus = "APPLIED"
	ChangeStatusRejected   ChangeStatus = "REJECTED"
	ChangeStatusConflicted ChangeStatus = "CONFLICTED"
	ChangeStatusRolledBack ChangeStatus = "ROLLED_BACK"
)

// IsTerminal reports whether no further apply may happen for the status.
func (s ChangeStatus) IsTerminal() bool {
	switch s {
	case ChangeStatusApplied, ChangeStatusRejected, ChangeStatusRolledBack:
		return true
	default:
		return false
	}
}

// ChangeSet records a proposed or applied mutation of a tenant-scoped entity.
type ChangeSet struct {
	ID              string                      `gorm:"primaryKey;size:36" json:"id"`
	TenantID        string                      `gorm:"size:64;not null;index:idx_change_sets_entity,priority:1" json:"tenant_id"`
	EntityType      string                      `gorm:"size:64;not null;index:idx_change_sets_entity,priority:2" json:"entity_type"`
	EntityID        string                      `gorm:"size:64;not null;index:idx_change_sets_entity,priority:3" json:"entity_id"`
	Changes         datatypes.JSONMap           `gorm:"type:json" json:"changes"`
	OldValues       datatypes.JSONMap           `gorm:"type:json" json:"old_values,omitempty"`
	NewValues       datatypes.JSONMap           `gorm:"type:json" json:"new_values,omitempty"`
	Level           ChangeLevel                 `gorm:"size:16;not null" json:"level"`
	Status          ChangeStatus                `gorm:"size:16;not null;index" json:"status"`
	UserID          string                      `gorm:"size:64;not null;index" json:"user_id"`
	ApprovedBy      *string                     `gorm:"size:64" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time                  `json:"approved_at,omitempty"`
	RejectedBy      *string                     `gorm:"size:64" json:"rejected_by,omitempty"`
	RejectedAt      *time.Time                  `json:"rejected_at,omitempty"`
	RejectionReason string                      `gorm:"type:text" json:"rejection_reason,omitempty"`
	AppliedAt       *time.Time                  `json:"applied_at,omitempty"`
	ConflictIDs     datatypes.JSONSlice[string] `gorm:"type:json" json:"conflict_ids"`
	Metadata        datatypes.JSONMap           `gorm:"type:json" json:"metadata"`
	CreatedAt       time.Time                   `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

// BeforeCreate assigns an identifier when the caller did not supply one.
func (c *ChangeSet) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
