package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/changeset-api/internal/cache"
	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/models"
	"github.com/noah-isme/changeset-api/internal/realtime"
	"github.com/noah-isme/changeset-api/internal/repository"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

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

func setupRedis(t *testing.T) (*miniredis.Miniredis, cache.Store) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, cache.NewRedisStore(client)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *eventRecorder) Broadcast(_ context.Context, event realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []realtime.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

// storesTransactor lets a test swap repositories handed to the transaction body.
type storesTransactor struct {
	inner repository.Transactor
	wrap  func(repository.Stores) repository.Stores
}

func (s storesTransactor) RunInTransaction(ctx context.Context, fn func(ctx context.Context, stores repository.Stores) error) error {
	return s.inner.RunInTransaction(ctx, func(ctx context.Context, stores repository.Stores) error {
		return fn(ctx, s.wrap(stores))
	})
}

type harness struct {
	db       *gorm.DB
	stores   repository.Stores
	registry *entity.Registry
	audit    AuditService
	changes  ChangeService
	cache    cache.Store
	redis    *miniredis.Miniredis
	events   *eventRecorder
}

type harnessOption func(*ChangeServiceDeps)

func withTransactorWrap(wrap func(repository.Stores) repository.Stores) harnessOption {
	return func(deps *ChangeServiceDeps) {
		deps.Transactor = storesTransactor{inner: deps.Transactor, wrap: wrap}
	}
}

func withPolicy(policy ConflictPolicy) harnessOption {
	return func(deps *ChangeServiceDeps) {
		deps.Detector = NewConflictDetector(deps.Stores.ChangeSets, policy)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db := setupTestDB(t)
	server, store := setupRedis(t)

	registry, err := entity.NewRegistry(db, entity.Marketplace()...)
	require.NoError(t, err)

	stores := repository.NewStores(db)
	audit := NewAuditService(stores.AuditLogs, repository.NewUserActivityRepository(db), store, AuditOptions{}, testLogger())
	events := &eventRecorder{}

	deps := ChangeServiceDeps{
		Registry:   registry,
		Stores:     stores,
		Transactor: repository.NewTransactor(db),
		Audit:      audit,
		Cache:      store,
		Sink:       events,
		Logger:     testLogger(),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &harness{
		db:       db,
		stores:   stores,
		registry: registry,
		audit:    audit,
		changes:  NewChangeService(deps),
		cache:    store,
		redis:    server,
		events:   events,
	}
}

func (h *harness) seedProduct(t *testing.T, id string, price float64, updatedAt time.Time) models.Product {
	t.Helper()
	product := models.Product{
		ID:        id,
		TenantID:  "t1",
		Name:      "Lamp",
		Price:     price,
		Currency:  "USD",
		Stock:     5,
		Status:    models.ProductStatusDraft,
		UpdatedAt: updatedAt.UTC(),
	}
	require.NoError(t, h.db.Create(&product).Error)
	return product
}

func (h *harness) product(t *testing.T, id string) models.Product {
	t.Helper()
	var product models.Product
	require.NoError(t, h.db.Where("id = ?", id).First(&product).Error)
	return product
}

func (h *harness) changeSet(t *testing.T, id string) models.ChangeSet {
	t.Helper()
	changeSet, err := h.stores.ChangeSets.FindByID(context.Background(), id)
	require.NoError(t, err)
	return changeSet
}

func (h *harness) countAudit(t *testing.T, action string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.db.Model(&models.AuditLog{}).Where("action = ?", action).Count(&count).Error)
	return count
}

func (h *harness) countVersions(t *testing.T, entityID string) int64 {
	t.Helper()
	count, err := h.stores.Versions.Count(context.Background(), "t1", entity.TypeProduct, entityID)
	require.NoError(t, err)
	return count
}
