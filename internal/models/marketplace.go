package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Product statuses.
const (
	ProductStatusDraft     = "draft"
	ProductStatusPublished = "published"
	ProductStatusArchived  = "archived"
)

// Product is a sellable marketplace listing owned by a tenant.
type Product struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID    string    `gorm:"size:64;not null;index" json:"tenant_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Price       float64   `gorm:"not null;default:0" json:"price"`
	Currency    string    `gorm:"size:3;not null;default:'USD'" json:"currency"`
	Stock       int       `gorm:"not null;default:0" json:"stock"`
	Status      string    `gorm:"size:16;not null;default:'draft'" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate assigns an identifier when the caller did not supply one.
func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Talent profile statuses.
const (
	TalentStatusAvailable   = "available"
	TalentStatusBooked      = "booked"
	TalentStatusUnavailable = "unavailable"
)

// TalentProfile describes a bookable model or performer listed by an agency tenant.
type TalentProfile struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID    string    `gorm:"size:64;not null;index" json:"tenant_id"`
	DisplayName string    `gorm:"size:255;not null" json:"display_name"`
	Bio         string    `gorm:"type:text" json:"bio"`
	City        string    `gorm:"size:128" json:"city"`
	HeightCM    int       `gorm:"column:height_cm" json:"height_cm"`
	HourlyRate  float64   `gorm:"not null;default:0" json:"hourly_rate"`
	Status      string    `gorm:"size:16;not null;default:'available'" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate assigns an identifier when the caller did not supply one.
func (p *TalentProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// All returns every persisted model for auto-migration.
func All() []interface{} {
	return []interface{}{
		&ChangeSet{},
		&ChangeConflict{},
		&VersionHistory{},
		&AuditLog{},
		&UserActivityLog{},
		&Product{},
		&TalentProfile{},
	}
}
