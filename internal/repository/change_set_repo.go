package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/models"
)

// InFlightQuery selects change sets being processed concurrently on the same entity.
type InFlightQuery struct {
	TenantID      string
	EntityType    string
	EntityID      string
	ExcludeID     string
	ExcludeUserID string
	Since         time.Time
}

// ChangeHistoryFilter narrows change set history queries.
type ChangeHistoryFilter struct {
	TenantID   string
	EntityType string
	EntityID   string
	Statuses   []models.ChangeStatus
	Limit      int
	Offset     int
}

// ChangeSetRepository persists change sets.
type ChangeSetRepository interface {
	Create(ctx context.Context, changeSet *models.ChangeSet) error
	FindByID(ctx context.Context, id string) (models.ChangeSet, error)
	Save(ctx context.Context, changeSet *models.ChangeSet) error
	ListInFlight(ctx context.Context, query InFlightQuery) ([]models.ChangeSet, error)
	ListHistory(ctx context.Context, filter ChangeHistoryFilter) ([]models.ChangeSet, int64, error)
}

type changeSetRepository struct {
	db *gorm.DB
}

// NewChangeSetRepository constructs the change set repository.
func NewChangeSetRepository(db *gorm.DB) ChangeSetRepository {
	return &changeSetRepository{db: db}
}

func (r *changeSetRepository) Create(ctx context.Context, changeSet *models.ChangeSet) error {
	return r.db.WithContext(ctx).Create(changeSet).Error
}

func (r *changeSetRepository) FindByID(ctx context.Context, id string) (models.ChangeSet, error) {
	var changeSet models.ChangeSet
	if err := r.db.WithContext(ctx).First(&changeSet, "id = ?", id).Error; err != nil {
		return models.ChangeSet{}, err
	}
	return changeSet, nil
}

func (r *changeSetRepository) Save(ctx context.Context, changeSet *models.ChangeSet) error {
	return r.db.WithContext(ctx).Save(changeSet).Error
}

func (r *changeSetRepository) ListInFlight(ctx context.Context, query InFlightQuery) ([]models.ChangeSet, error) {
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND entity_id = ?", query.TenantID, query.EntityType, query.EntityID).
		Where("status = ?", models.ChangeStatusProcessing).
		Where("created_at >= ?", query.Since)

	if query.ExcludeID != "" {
		q = q.Where("id <> ?", query.ExcludeID)
	}
	if query.ExcludeUserID != "" {
		q = q.Where("user_id <> ?", query.ExcludeUserID)
	}

	var changeSets []models.ChangeSet
	if err := q.Order("created_at DESC").Find(&changeSets).Error; err != nil {
		return nil, err
	}
	return changeSets, nil
}

func (r *changeSetRepository) ListHistory(ctx context.Context, filter ChangeHistoryFilter) ([]models.ChangeSet, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ChangeSet{}).
		Where("entity_type = ? AND entity_id = ?", filter.EntityType, filter.EntityID)

	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var changeSets []models.ChangeSet
	if err := query.Order("created_at DESC").Order("id DESC").Find(&changeSets).Error; err != nil {
		return nil, 0, err
	}

	return changeSets, total, nil
}
