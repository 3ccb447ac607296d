package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog captures a coarse-grained, append-only record of an entity mutation.
type AuditLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	TenantID   string            `gorm:"size:64;not null;index:idx_audit_logs_entity,priority:1" json:"tenant_id"`
	EntityType string            `gorm:"size:64;not null;index:idx_audit_logs_entity,priority:2" json:"entity_type"`
	EntityID   string            `gorm:"size:64;not null;index:idx_audit_logs_entity,priority:3" json:"entity_id"`
	Action     string            `gorm:"size:64;not null;index" json:"action"`
	UserID     string            `gorm:"size:64;not null;index" json:"user_id"`
	Changes    datatypes.JSONMap `gorm:"type:json" json:"changes"`
	Context    datatypes.JSONMap `gorm:"type:json" json:"context"`
	Timestamp  time.Time         `gorm:"not null;index" json:"timestamp"`
}

// UserActivityLog captures a request-level action performed by a user.
type UserActivityLog struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	TenantID  string            `gorm:"size:64;not null;index" json:"tenant_id"`
	UserID    string            `gorm:"size:64;not null;index" json:"user_id"`
	Action    string            `gorm:"size:128;not null;index" json:"action"`
	Metadata  datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	Method    string            `gorm:"size:16" json:"method,omitempty"`
	Path      string            `gorm:"size:512" json:"path,omitempty"`
	Params    datatypes.JSONMap `gorm:"type:json" json:"params,omitempty"`
	SessionID string            `gorm:"size:128" json:"session_id,omitempty"`
	IPAddress string            `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent string            `gorm:"size:512" json:"user_agent,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}
