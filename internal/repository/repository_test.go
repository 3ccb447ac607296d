package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func TestChangeSetRepositoryListInFlight(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChangeSetRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	sets := []models.ChangeSet{
		{ID: "mine", TenantID: "t1", EntityType: "product", EntityID: "42", UserID: "alice", Status: models.ChangeStatusProcessing, Level: models.ChangeLevelProcessing, CreatedAt: now},
		{ID: "other", TenantID: "t1", EntityType: "product", EntityID: "42", UserID: "bob", Status: models.ChangeStatusProcessing, Level: models.ChangeLevelProcessing, CreatedAt: now.Add(-time.Minute)},
		{ID: "old", TenantID: "t1", EntityType: "product", EntityID: "42", UserID: "carol", Status: models.ChangeStatusProcessing, Level: models.ChangeLevelProcessing, CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "pending", TenantID: "t1", EntityType: "product", EntityID: "42", UserID: "dave", Status: models.ChangeStatusPending, Level: models.ChangeLevelOptimistic, CreatedAt: now},
		{ID: "tenant2", TenantID: "t2", EntityType: "product", EntityID: "42", UserID: "erin", Status: models.ChangeStatusProcessing, Level: models.ChangeLevelProcessing, CreatedAt: now},
	}
	for i := range sets {
		require.NoError(t, repo.Create(ctx, &sets[i]))
	}

	inFlight, err := repo.ListInFlight(ctx, InFlightQuery{
		TenantID:      "t1",
		EntityType:    "product",
		EntityID:      "42",
		ExcludeID:     "mine",
		ExcludeUserID: "alice",
		Since:         now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	require.Equal(t, "other", inFlight[0].ID)
}

func TestChangeSetRepositoryListHistoryFiltersStatuses(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChangeSetRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	statuses := []models.ChangeStatus{models.ChangeStatusApplied, models.ChangeStatusRolledBack, models.ChangeStatusRejected, models.ChangeStatusApplied}
	for i, status := range statuses {
		cs := models.ChangeSet{TenantID: "t1", EntityType: "product", EntityID: "42", UserID: "alice", Status: status, Level: models.ChangeLevelCommitted, CreatedAt: now.Add(time.Duration(i) * time.Second)}
		require.NoError(t, repo.Create(ctx, &cs))
	}

	applied, total, err := repo.ListHistory(ctx, ChangeHistoryFilter{TenantID: "t1", EntityType: "product", EntityID: "42", Statuses: []models.ChangeStatus{models.ChangeStatusApplied}})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.True(t, applied[0].CreatedAt.After(applied[1].CreatedAt))

	page, total, err := repo.ListHistory(ctx, ChangeHistoryFilter{TenantID: "t1", EntityType: "product", EntityID: "42", Statuses: []models.ChangeStatus{models.ChangeStatusApplied, models.ChangeStatusRolledBack}, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	require.Equal(t, models.ChangeStatusRolledBack, page[0].Status)
}

func TestChangeConflictRepositoryResolveOpen(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChangeConflictRepository(db)
	ctx := context.Background()

	resolved := models.ResolutionAcceptCurrent
	by := "reviewer"
	require.NoError(t, repo.CreateBatch(ctx, []models.ChangeConflict{
		{ChangeSetID: "cs-1", TenantID: "t1", ConflictType: models.ConflictTypeConcurrentEdit},
		{ChangeSetID: "cs-1", TenantID: "t1", ConflictType: models.ConflictTypeStaleData, Resolution: &resolved, ResolvedBy: &by},
		{ChangeSetID: "cs-2", TenantID: "t1", ConflictType: models.ConflictTypeStaleData},
	}))

	affected, err := repo.ResolveOpen(ctx, "cs-1", models.ResolutionMerge, "lead", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	conflicts, err := repo.ListByChangeSet(ctx, "cs-1")
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	for _, conflict := range conflicts {
		require.True(t, conflict.IsResolved())
	}

	other, err := repo.ListByChangeSet(ctx, "cs-2")
	require.NoError(t, err)
	require.False(t, other[0].IsResolved())
}

func TestVersionRepositoryUniqueNumbers(t *testing.T) {
	db := setupTestDB(t)
	repo := NewVersionRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.VersionHistory{TenantID: "t1", EntityType: "product", EntityID: "42", VersionNumber: 1, ChangeSetID: "cs-1", CreatedBy: "alice"}))
	require.NoError(t, repo.Create(ctx, &models.VersionHistory{TenantID: "t1", EntityType: "product", EntityID: "42", VersionNumber: 2, ChangeSetID: "cs-2", CreatedBy: "alice"}))
	require.Error(t, repo.Create(ctx, &models.VersionHistory{TenantID: "t1", EntityType: "product", EntityID: "42", VersionNumber: 2, ChangeSetID: "cs-3", CreatedBy: "bob"}))

	count, err := repo.Count(ctx, "t1", "product", "42")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	versions, total, err := repo.ListByEntity(ctx, "t1", "product", "42", 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Equal(t, 2, versions[0].VersionNumber)

	byChange, err := repo.ListByChangeSetIDs(ctx, []string{"cs-1"})
	require.NoError(t, err)
	require.Len(t, byChange, 1)
	require.Equal(t, 1, byChange[0].VersionNumber)
}

func TestEntityRepositoryGetAndUpdate(t *testing.T) {
	db := setupTestDB(t)
	registry, err := entity.NewRegistry(db, entity.Marketplace()...)
	require.NoError(t, err)
	productType, err := registry.Lookup(entity.TypeProduct)
	require.NoError(t, err)

	product := models.Product{ID: "42", TenantID: "t1", Name: "Portfolio shoot", Price: 10, Currency: "USD", Status: models.ProductStatusDraft}
	require.NoError(t, db.Create(&product).Error)

	repo := NewEntityRepository(db)
	ctx := context.Background()

	row, err := repo.Get(ctx, productType, "t1", "42")
	require.NoError(t, err)
	require.Equal(t, "Portfolio shoot", row["name"])
	require.EqualValues(t, 10, row["price"])

	_, err = repo.Get(ctx, productType, "t2", "42")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, repo.Update(ctx, productType, "t1", "42", map[string]interface{}{"price": 12.5, "updated_at": time.Now().UTC()}))
	var stored models.Product
	require.NoError(t, db.First(&stored, "id = ?", "42").Error)
	require.Equal(t, 12.5, stored.Price)

	err = repo.Update(ctx, productType, "t1", "missing", map[string]interface{}{"price": 1.0})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestAuditLogCreateFailureKeepsOuterTransactionUsable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := NewTransactor(db).RunInTransaction(ctx, func(ctx context.Context, stores Stores) error {
		duplicate := models.AuditLog{ID: 7, TenantID: "t1", EntityType: "product", EntityID: "42", Action: "change.applied", UserID: "alice", Timestamp: time.Now().UTC()}
		require.NoError(t, stores.AuditLogs.Create(ctx, &duplicate))

		again := duplicate
		require.Error(t, stores.AuditLogs.Create(ctx, &again))

		return stores.Versions.Create(ctx, &models.VersionHistory{TenantID: "t1", EntityType: "product", EntityID: "42", VersionNumber: 1, ChangeSetID: "cs-1", CreatedBy: "alice"})
	})
	require.NoError(t, err)

	var versions, audits int64
	require.NoError(t, db.Model(&models.VersionHistory{}).Count(&versions).Error)
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&audits).Error)
	require.Equal(t, int64(1), versions)
	require.Equal(t, int64(1), audits)
}

func TestTransactorRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := NewTransactor(db).RunInTransaction(ctx, func(ctx context.Context, stores Stores) error {
		require.NoError(t, stores.Versions.Create(ctx, &models.VersionHistory{TenantID: "t1", EntityType: "product", EntityID: "42", VersionNumber: 1, ChangeSetID: "cs-1", CreatedBy: "alice"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	var versions int64
	require.NoError(t, db.Model(&models.VersionHistory{}).Count(&versions).Error)
	require.Zero(t, versions)
}

func TestAuditAndActivityRetentionAndStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	audits := NewAuditLogRepository(db)
	activity := NewUserActivityRepository(db)
	now := time.Now().UTC()

	require.NoError(t, audits.Create(ctx, &models.AuditLog{TenantID: "t1", EntityType: "product", EntityID: "42", Action: "change.applied", UserID: "alice", Timestamp: now.Add(-100 * 24 * time.Hour)}))
	require.NoError(t, audits.Create(ctx, &models.AuditLog{TenantID: "t1", EntityType: "product", EntityID: "42", Action: "change.applied", UserID: "bob", Timestamp: now}))

	entries := []models.UserActivityLog{
		{TenantID: "t1", UserID: "alice", Action: "POST /changes", CreatedAt: now.Add(-time.Hour)},
		{TenantID: "t1", UserID: "alice", Action: "POST /changes", CreatedAt: now.Add(-2 * time.Hour)},
		{TenantID: "t1", UserID: "bob", Action: "GET /changes", CreatedAt: now.Add(-time.Hour)},
		{TenantID: "t2", UserID: "zed", Action: "GET /changes", CreatedAt: now},
		{TenantID: "t1", UserID: "old", Action: "GET /changes", CreatedAt: now.Add(-100 * 24 * time.Hour)},
	}
	for i := range entries {
		require.NoError(t, activity.Create(ctx, &entries[i]))
	}

	since := now.Add(-7 * 24 * time.Hour)
	users, err := activity.TopUsers(ctx, "t1", since, 10)
	require.NoError(t, err)
	require.Equal(t, []UserCount{{UserID: "alice", Total: 2}, {UserID: "bob", Total: 1}}, users)

	actions, err := activity.TopActions(ctx, "t1", since, 10)
	require.NoError(t, err)
	require.Equal(t, ActionCount{Action: "POST /changes", Total: 2}, actions[0])

	days, err := activity.CountByDay(ctx, "t1", since)
	require.NoError(t, err)
	var sum int64
	for _, day := range days {
		require.Len(t, day.Day, len("2006-01-02"))
		sum += day.Total
	}
	require.Equal(t, int64(3), sum)

	cutoff := now.Add(-90 * 24 * time.Hour)
	deleted, err := audits.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
	deleted, err = activity.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	remaining, total, err := audits.List(ctx, AuditLogFilter{TenantID: "t1", EntityType: "product", EntityID: "42"})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, "bob", remaining[0].UserID)
}
