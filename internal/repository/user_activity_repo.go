package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/models"
)

// UserActivityFilter narrows user activity queries.
type UserActivityFilter struct {
	TenantID string
	UserID   string
	Action   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// DailyCount is the number of activities recorded on a day (YYYY-MM-DD).
type DailyCount struct {
	Day   string `json:"day"`
	Total int64  `json:"total"`
}

// UserCount is the number of activities recorded for a user.
type UserCount struct {
	UserID string `json:"user_id"`
	Total  int64  `json:"total"`
}

// ActionCount is the number of times an action was recorded.
type ActionCount struct {
	Action string `json:"action"`
	Total  int64  `json:"total"`
}

// UserActivityRepository persists request-level user activity.
type UserActivityRepository interface {
	Create(ctx context.Context, entry *models.UserActivityLog) error
	List(ctx context.Context, filter UserActivityFilter) ([]models.UserActivityLog, int64, error)
	CountByDay(ctx context.Context, tenantID string, since time.Time) ([]DailyCount, error)
	TopUsers(ctx context.Context, tenantID string, since time.Time, limit int) ([]UserCount, error)
	TopActions(ctx context.Context, tenantID string, since time.Time, limit int) ([]ActionCount, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type userActivityRepository struct {
	db *gorm.DB
}

// NewUserActivityRepository constructs the user activity repository.
func NewUserActivityRepository(db *gorm.DB) UserActivityRepository {
	return &userActivityRepository{db: db}
}

func (r *userActivityRepository) Create(ctx context.Context, entry *models.UserActivityLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *userActivityRepository) List(ctx context.Context, filter UserActivityFilter) ([]models.UserActivityLog, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.UserActivityLog{})

	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
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

	var entries []models.UserActivityLog
	if err := query.Order("created_at DESC").Order("id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (r *userActivityRepository) CountByDay(ctx context.Context, tenantID string, since time.Time) ([]DailyCount, error) {
	var rows []DailyCount
	err := r.db.WithContext(ctx).Raw(
		`SELECT CAST(DATE(created_at) AS TEXT) AS day, COUNT(*) AS total
		FROM user_activity_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY CAST(DATE(created_at) AS TEXT)
		ORDER BY day ASC`,
		tenantID, since,
	).Scan(&rows).Error
	return rows, err
}

func (r *userActivityRepository) TopUsers(ctx context.Context, tenantID string, since time.Time, limit int) ([]UserCount, error) {
	var rows []UserCount
	err := r.db.WithContext(ctx).Raw(
		`SELECT user_id, COUNT(*) AS total
		FROM user_activity_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY user_id
		ORDER BY total DESC, user_id ASC
		LIMIT ?`,
		tenantID, since, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *userActivityRepository) TopActions(ctx context.Context, tenantID string, since time.Time, limit int) ([]ActionCount, error) {
	var rows []ActionCount
	err := r.db.WithContext(ctx).Raw(
		`SELECT action, COUNT(*) AS total
		FROM user_activity_logs
		WHERE tenant_id = ? AND created_at >= ?
		GROUP BY action
		ORDER BY total DESC, action ASC
		LIMIT ?`,
		tenantID, since, limit,
	).Scan(&rows).Error
	return rows, err
}

func (r *userActivityRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.UserActivityLog{})
	return result.RowsAffected, result.Error
}
