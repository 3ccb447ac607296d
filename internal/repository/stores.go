package repository

import (
	"context"

	"gorm.io/gorm"
)

// Stores groups the repositories the change pipeline writes through.
type Stores struct {
	ChangeSets ChangeSetRepository
	Conflicts  ChangeConflictRepository
	Versions   VersionRepository
	AuditLogs  AuditLogRepository
	Entities   EntityRepository
}

// NewStores binds every repository to db.
func NewStores(db *gorm.DB) Stores {
	return Stores{
		ChangeSets: NewChangeSetRepository(db),
		Conflicts:  NewChangeConflictRepository(db),
		Versions:   NewVersionRepository(db),
		AuditLogs:  NewAuditLogRepository(db),
		Entities:   NewEntityRepository(db),
	}
}

// Transactor runs fn with repositories bound to a single database transaction.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

// NewTransactor constructs a gorm backed Transactor.
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

func (t *gormTransactor) RunInTransaction(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewStores(tx))
	})
}
