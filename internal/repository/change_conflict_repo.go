package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/models"
)

// ChangeConflictRepository persists conflicts detected for change sets.
type ChangeConflictRepository interface {
	CreateBatch(ctx context.Context, conflicts []models.ChangeConflict) error
	FindByID(ctx context.Context, id string) (models.ChangeConflict, error)
	ListByChangeSet(ctx context.Context, changeSetID string) ([]models.ChangeConflict, error)
	Save(ctx context.Context, conflict *models.ChangeConflict) error
	ResolveOpen(ctx context.Context, changeSetID string, resolution models.ConflictResolution, resolvedBy string, at time.Time) (int64, error)
}

type changeConflictRepository struct {
	db *gorm.DB
}

// NewChangeConflictRepository constructs the conflict repository.
func NewChangeConflictRepository(db *gorm.DB) ChangeConflictRepository {
	return &changeConflictRepository{db: db}
}

func (r *changeConflictRepository) CreateBatch(ctx context.Context, conflicts []models.ChangeConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&conflicts).Error
}

func (r *changeConflictRepository) FindByID(ctx context.Context, id string) (models.ChangeConflict, error) {
	var conflict models.ChangeConflict
	if err := r.db.WithContext(ctx).First(&conflict, "id = ?", id).Error; err != nil {
		return models.ChangeConflict{}, err
	}
	return conflict, nil
}

func (r *changeConflictRepository) ListByChangeSet(ctx context.Context, changeSetID string) ([]models.ChangeConflict, error) {
	var conflicts []models.ChangeConflict
	err := r.db.WithContext(ctx).
		Where("change_set_id = ?", changeSetID).
		Order("created_at ASC").
		Find(&conflicts).Error
	return conflicts, err
}

func (r *changeConflictRepository) Save(ctx context.Context, conflict *models.ChangeConflict) error {
	return r.db.WithContext(ctx).Save(conflict).Error
}

// ResolveOpen closes every still-unresolved conflict of a change set.
func (r *changeConflictRepository) ResolveOpen(ctx context.Context, changeSetID string, resolution models.ConflictResolution, resolvedBy string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ChangeConflict{}).
		Where("change_set_id = ? AND resolution IS NULL", changeSetID).
		Updates(map[string]interface{}{
			"resolution":  resolution,
			"resolved_by": resolvedBy,
			"resolved_at": at,
		})
	return result.RowsAffected, result.Error
}
