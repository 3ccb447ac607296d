package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/changeset-api/internal/cache"
	"github.com/noah-isme/changeset-api/internal/dto"
	"github.com/noah-isme/changeset-api/internal/models"
	"github.com/noah-isme/changeset-api/internal/observability"
	"github.com/noah-isme/changeset-api/internal/repository"
)

// AuditOptions configures cache mirrors and counters.
type AuditOptions struct {
	RecentTTL   time.Duration
	RecentLimit int
	CounterTTL  time.Duration
}

// AuditService records and queries the audit trail. Writes never fail the caller.
type AuditService interface {
	CreateAuditLog(ctx context.Context, req dto.AuditLogRequest) *models.AuditLog
	CreateAuditLogWithin(ctx context.Context, repo repository.AuditLogRepository, req dto.AuditLogRequest) *models.AuditLog
	MirrorAuditLog(ctx context.Context, entry *models.AuditLog)
	CreateUserActivity(ctx context.Context, req dto.UserActivityRequest) *models.UserActivityLog
	GetAuditLogs(ctx context.Context, req dto.AuditLogListRequest) (dto.Page[models.AuditLog], error)
	GetRecentAuditLogs(ctx context.Context, tenantID, entityType, entityID string) ([]models.AuditLog, error)
	GetUserActivity(ctx context.Context, req dto.UserActivityListRequest) (dto.Page[models.UserActivityLog], error)
	GetDailyActivityCount(ctx context.Context, tenantID, userID string, day time.Time) (int64, error)
	GetActivityStats(ctx context.Context, tenantID string, days int) (dto.ActivityStatsResponse, error)
	CleanupOldLogs(ctx context.Context, retentionDays int) (dto.CleanupResult, error)
}

type auditService struct {
	audits   repository.AuditLogRepository
	activity repository.UserActivityRepository
	cache    cache.Store
	opts     AuditOptions
	logger   zerolog.Logger
	now      func() time.Time
}

// NewAuditService constructs the audit service. A nil cache disables mirrors and counters.
func NewAuditService(audits repository.AuditLogRepository, activity repository.UserActivityRepository, store cache.Store, opts AuditOptions, logger zerolog.Logger) AuditService {
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = time.Hour
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	if opts.CounterTTL <= 0 {
		opts.CounterTTL = 7 * 24 * time.Hour
	}
	return &auditService{
		audits:   audits,
		activity: activity,
		cache:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "audit_service").Logger(),
		now:      time.Now,
	}
}

func (s *auditService) CreateAuditLog(ctx context.Context, req dto.AuditLogRequest) *models.AuditLog {
	entry := s.CreateAuditLogWithin(ctx, s.audits, req)
	if entry != nil {
		s.MirrorAuditLog(ctx, entry)
	}
	return entry
}

func (s *auditService) CreateAuditLogWithin(ctx context.Context, repo repository.AuditLogRepository, req dto.AuditLogRequest) *models.AuditLog {
	entry := &models.AuditLog{
		TenantID:   strings.TrimSpace(req.TenantID),
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
		EntityID:   strings.TrimSpace(req.EntityID),
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		UserID:     strings.TrimSpace(req.UserID),
		Changes: datatypes.JSONMap{
			"old": emptyIfNil(req.OldValues),
			"new": emptyIfNil(req.NewValues),
		},
		Context:   sanitizeMetadata(req.Context),
		Timestamp: s.now().UTC(),
	}

	if err := repo.Create(ctx, entry); err != nil {
		observability.AuditWriteFailures().WithLabelValues("audit_log").Inc()
		s.logger.Error().Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Str("action", entry.Action).
			Msg("failed to persist audit log")
		return nil
	}
	return entry
}

func (s *auditService) MirrorAuditLog(ctx context.Context, entry *models.AuditLog) {
	if s.cache == nil || entry == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode audit mirror entry")
		return
	}
	key := recentAuditKey(entry.TenantID, entry.EntityType, entry.EntityID)
	if err := s.cache.PushCapped(ctx, key, payload, s.opts.RecentLimit, s.opts.RecentTTL); err != nil {
		observability.CacheFailures().WithLabelValues("audit_mirror").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to mirror audit log")
	}
}

func (s *auditService) CreateUserActivity(ctx context.Context, req dto.UserActivityRequest) *models.UserActivityLog {
	now := s.now().UTC()
	entry := &models.UserActivityLog{
		TenantID:  strings.TrimSpace(req.TenantID),
		UserID:    strings.TrimSpace(req.UserID),
		Action:    strings.TrimSpace(req.Action),
		Metadata:  sanitizeMetadata(req.Metadata),
		Method:    strings.ToUpper(strings.TrimSpace(req.Method)),
		Path:      req.Path,
		Params:    sanitizeMetadata(req.Params),
		SessionID: req.SessionID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: now,
	}

	if err := s.activity.Create(ctx, entry); err != nil {
		observability.AuditWriteFailures().WithLabelValues("user_activity").Inc()
		s.logger.Error().Err(err).Str("user_id", entry.UserID).Str("action", entry.Action).Msg("failed to persist user activity")
		return nil
	}

	if s.cache != nil {
		key := dailyActivityKey(entry.TenantID, entry.UserID, now)
		if _, err := s.cache.IncrWithExpiry(ctx, key, s.opts.CounterTTL); err != nil {
			observability.CacheFailures().WithLabelValues("activity_counter").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to bump activity counter")
		}
	}

	return entry
}

func (s *auditService) GetAuditLogs(ctx context.Context, req dto.AuditLogListRequest) (dto.Page[models.AuditLog], error) {
	limit, offset := normalizePage(req.Limit, req.Offset)
	items, total, err := s.audits.List(ctx, repository.AuditLogFilter{
		TenantID:   req.TenantID,
		EntityType: strings.ToLower(strings.TrimSpace(req.EntityType)),
		EntityID:   strings.TrimSpace(req.EntityID),
		UserID:     strings.TrimSpace(req.UserID),
		Action:     strings.ToLower(strings.TrimSpace(req.Action)),
		From:       req.From,
		To:         req.To,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return dto.Page[models.AuditLog]{}, fmt.Errorf("list audit logs: %w", err)
	}
	if items == nil {
		items = []models.AuditLog{}
	}
	return dto.Page[models.AuditLog]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// GetRecentAuditLogs serves the newest entries from the cache mirror, falling back to the database.
func (s *auditService) GetRecentAuditLogs(ctx context.Context, tenantID, entityType, entityID string) ([]models.AuditLog, error) {
	entityType = strings.ToLower(strings.TrimSpace(entityType))
	if s.cache != nil {
		key := recentAuditKey(tenantID, entityType, entityID)
		raw, err := s.cache.Range(ctx, key, 0, int64(s.opts.RecentLimit-1))
		switch {
		case err == nil && len(raw) > 0:
			entries := make([]models.AuditLog, 0, len(raw))
			for _, item := range raw {
				var entry models.AuditLog
				if err := json.Unmarshal([]byte(item), &entry); err != nil {
					s.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable audit mirror entry")
					continue
				}
				entries = append(entries, entry)
			}
			if len(entries) > 0 {
				return entries, nil
			}
		case err != nil && !errors.Is(err, cache.ErrMiss):
			observability.CacheFailures().WithLabelValues("audit_recent").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to read audit mirror")
		}
	}

	items, _, err := s.audits.List(ctx, repository.AuditLogFilter{
		TenantID:   tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      s.opts.RecentLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list recent audit logs: %w", err)
	}
	if items == nil {
		items = []models.AuditLog{}
	}
	return items, nil
}

func (s *auditService) GetUserActivity(ctx context.Context, req dto.UserActivityListRequest) (dto.Page[models.UserActivityLog], error) {
	limit, offset := normalizePage(req.Limit, req.Offset)
	items, total, err := s.activity.List(ctx, repository.UserActivityFilter{
		TenantID: req.TenantID,
		UserID:   strings.TrimSpace(req.UserID),
		Action:   strings.TrimSpace(req.Action),
		From:     req.From,
		To:       req.To,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return dto.Page[models.UserActivityLog]{}, fmt.Errorf("list user activity: %w", err)
	}
	if items == nil {
		items = []models.UserActivityLog{}
	}
	return dto.Page[models.UserActivityLog]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *auditService) GetDailyActivityCount(ctx context.Context, tenantID, userID string, day time.Time) (int64, error) {
	if s.cache != nil {
		key := dailyActivityKey(tenantID, userID, day)
		value, err := s.cache.Get(ctx, key)
		if err == nil {
			var count int64
			if _, scanErr := fmt.Sscan(value, &count); scanErr == nil {
				return count, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			observability.CacheFailures().WithLabelValues("activity_counter").Inc()
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to read activity counter")
		}
	}

	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Nanosecond)
	_, total, err := s.activity.List(ctx, repository.UserActivityFilter{
		TenantID: tenantID,
		UserID:   userID,
		From:     &start,
		To:       &end,
		Limit:    1,
	})
	if err != nil {
		return 0, fmt.Errorf("count user activity: %w", err)
	}
	return total, nil
}

func (s *auditService) GetActivityStats(ctx context.Context, tenantID string, days int) (dto.ActivityStatsResponse, error) {
	if days <= 0 {
		days = 7
	}
	if days > 365 {
		days = 365
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	byDay, err := s.activity.CountByDay(ctx, tenantID, since)
	if err != nil {
		return dto.ActivityStatsResponse{}, fmt.Errorf("count activity by day: %w", err)
	}
	users, err := s.activity.TopUsers(ctx, tenantID, since, 10)
	if err != nil {
		return dto.ActivityStatsResponse{}, fmt.Errorf("top users: %w", err)
	}
	actions, err := s.activity.TopActions(ctx, tenantID, since, 10)
	if err != nil {
		return dto.ActivityStatsResponse{}, fmt.Errorf("top actions: %w", err)
	}

	response := dto.ActivityStatsResponse{
		Days:       days,
		Since:      since,
		ByDay:      make([]dto.DailyActivity, 0, len(byDay)),
		TopUsers:   make([]dto.UserActivityTotal, 0, len(users)),
		TopActions: make([]dto.ActionTotal, 0, len(actions)),
	}
	for _, row := range byDay {
		response.ByDay = append(response.ByDay, dto.DailyActivity{Day: row.Day, Total: row.Total})
	}
	for _, row := range users {
		response.TopUsers = append(response.TopUsers, dto.UserActivityTotal{UserID: row.UserID, Total: row.Total})
	}
	for _, row := range actions {
		response.TopActions = append(response.TopActions, dto.ActionTotal{Action: row.Action, Total: row.Total})
	}
	return response, nil
}

func (s *auditService) CleanupOldLogs(ctx context.Context, retentionDays int) (dto.CleanupResult, error) {
	if retentionDays <= 0 {
		return dto.CleanupResult{}, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	result := dto.CleanupResult{Cutoff: cutoff}

	deleted, err := s.audits.DeleteBefore(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("delete audit logs: %w", err)
	}
	result.AuditLogsDeleted = deleted
	observability.RetentionDeleted().WithLabelValues("audit_log").Add(float64(deleted))

	deleted, err = s.activity.DeleteBefore(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("delete user activity: %w", err)
	}
	result.UserActivitiesDeleted = deleted
	observability.RetentionDeleted().WithLabelValues("user_activity").Add(float64(deleted))

	s.logger.Info().
		Time("cutoff", cutoff).
		Int64("audit_logs", result.AuditLogsDeleted).
		Int64("user_activities", result.UserActivitiesDeleted).
		Msg("retention cleanup finished")
	return result, nil
}

func recentAuditKey(tenantID, entityType, entityID string) string {
	return fmt.Sprintf("audit:recent:%s:%s:%s", tenantID, entityType, entityID)
}

func dailyActivityKey(tenantID, userID string, day time.Time) string {
	return fmt.Sprintf("activity:%s:%s:%s", tenantID, userID, day.UTC().Format("2006-01-02"))
}

func sanitizeMetadata(metadata map[string]interface{}) datatypes.JSONMap {
	if metadata == nil {
		return datatypes.JSONMap{}
	}

	sanitized := datatypes.JSONMap{}
	for key, value := range metadata {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
			strings.Contains(lower, "secret") || strings.Contains(lower, "authorization") {
			sanitized[key] = "***"
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

func emptyIfNil(values map[string]interface{}) map[string]interface{} {
	if values == nil {
		return map[string]interface{}{}
	}
	return values
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
