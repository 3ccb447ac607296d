package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/models"
)

// VersionRepository persists append-only entity snapshots.
type VersionRepository interface {
	Count(ctx context.Context, tenantID, entityType, entityID string) (int64, error)
	Create(ctx context.Context, version *models.VersionHistory) error
	ListByEntity(ctx context.Context, tenantID, entityType, entityID string, limit, offset int) ([]models.VersionHistory, int64, error)
	ListByChangeSetIDs(ctx context.Context, ids []string) ([]models.VersionHistory, error)
}

type versionRepository struct {
	db *gorm.DB
}

// NewVersionRepository constructs the version history repository.
func NewVersionRepository(db *gorm.DB) VersionRepository {
	return &versionRepository{db: db}
}

func (r *versionRepository) scope(tenantID, entityType, entityID string) *gorm.DB {
	return r.db.Model(&models.VersionHistory{}).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", tenantID, entityType, entityID)
}

func (r *versionRepository) Count(ctx context.Context, tenantID, entityType, entityID string) (int64, error) {
	var total int64
	err := r.scope(tenantID, entityType, entityID).WithContext(ctx).Count(&total).Error
	return total, err
}

func (r *versionRepository) Create(ctx context.Context, version *models.VersionHistory) error {
	return r.db.WithContext(ctx).Create(version).Error
}

func (r *versionRepository) ListByEntity(ctx context.Context, tenantID, entityType, entityID string, limit, offset int) ([]models.VersionHistory, int64, error) {
	query := r.scope(tenantID, entityType, entityID).WithContext(ctx)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var versions []models.VersionHistory
	if err := query.Order("version_number DESC").Find(&versions).Error; err != nil {
		return nil, 0, err
	}
	return versions, total, nil
}

func (r *versionRepository) ListByChangeSetIDs(ctx context.Context, ids []string) ([]models.VersionHistory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var versions []models.VersionHistory
	err := r.db.WithContext(ctx).Where("change_set_id IN ?", ids).Find(&versions).Error
	return versions, err
}
