package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConflictType distinguishes the heuristics that can flag a change.
type ConflictType string

const (
	ConflictTypeConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictTypeStaleData      ConflictType = "STALE_DATA"
)

// ConflictResolution is the decision taken when a conflict is resolved.
type ConflictResolution string

const (
	ResolutionAcceptCurrent  ConflictResolution = "ACCEPT_CURRENT"
	ResolutionAcceptIncoming ConflictResolution = "ACCEPT_INCOMING"
	ResolutionMerge          ConflictResolution = "MERGE"
)

// Valid reports whether the resolution is one of the known values.
func (r ConflictResolution) Valid() bool {
	switch r {
	case ResolutionAcceptCurrent, ResolutionAcceptIncoming, ResolutionMerge:
		return true
	default:
		return false
	}
}

// ChangeConflict stores a detected conflict attached to a change set.
type ChangeConflict struct {
	ID           string              `gorm:"primaryKey;size:36" json:"id"`
	ChangeSetID  string              `gorm:"size:36;not null;index" json:"change_set_id"`
	TenantID     string              `gorm:"size:64;not null;index" json:"tenant_id"`
	ConflictType ConflictType        `gorm:"size:32;not null" json:"conflict_type"`
	ConflictData datatypes.JSONMap   `gorm:"type:json" json:"conflict_data"`
	Resolution   *ConflictResolution `gorm:"size:32" json:"resolution,omitempty"`
	ResolvedBy   *string             `gorm:"size:64" json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// IsResolved reports whether a resolution has been recorded.
func (c ChangeConflict) IsResolved() bool {
	return c.Resolution != nil
}

// BeforeCreate assigns an identifier when the caller did not supply one.
func (c *ChangeConflict) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
