package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VersionHistory is an append-only snapshot of an entity after an applied change.
type VersionHistory struct {
	ID            string            `gorm:"primaryKey;size:36" json:"id"`
	TenantID      string            `gorm:"size:64;not null;uniqueIndex:idx_version_entity_number,priority:1" json:"tenant_id"`
	EntityType    string            `gorm:"size:64;not null;uniqueIndex:idx_version_entity_number,priority:2" json:"entity_type"`
	EntityID      string            `gorm:"size:64;not null;uniqueIndex:idx_version_entity_number,priority:3" json:"entity_id"`
	VersionNumber int               `gorm:"not null;uniqueIndex:idx_version_entity_number,priority:4" json:"version_number"`
	Data          datatypes.JSONMap `gorm:"type:json" json:"data"`
	ChangeSetID   string            `gorm:"size:36;not null;index" json:"change_set_id"`
	CreatedBy     string            `gorm:"size:64;not null" json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TableName keeps the table name singular-history style.
func (VersionHistory) TableName() string {
	return "version_history"
}

// BeforeCreate assigns an identifier when the caller did not supply one.
func (v *VersionHistory) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}
