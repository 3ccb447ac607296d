package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/entity"
)

// EntityRepository reads and updates registered entities as column maps.
type EntityRepository interface {
	Get(ctx context.Context, t *entity.Type, tenantID, id string) (map[string]interface{}, error)
	Update(ctx context.Context, t *entity.Type, tenantID, id string, values map[string]interface{}) error
}

type entityRepository struct {
	db *gorm.DB
}

// NewEntityRepository constructs the generic entity repository.
func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}

func (r *entityRepository) Get(ctx context.Context, t *entity.Type, tenantID, id string) (map[string]interface{}, error) {
	row := map[string]interface{}{}
	err := r.db.WithContext(ctx).
		Table(t.Table).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *entityRepository) Update(ctx context.Context, t *entity.Type, tenantID, id string, values map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Table(t.Table).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
