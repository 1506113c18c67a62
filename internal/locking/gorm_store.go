package locking

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessingLock is the row backing a database lock.
type ProcessingLock struct {
	LockID     string    `gorm:"column:lock_id;primaryKey;size:255;not null"`
	Owner      string    `gorm:"column:owner;size:64;not null"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessingLock) TableName() string {
	return "processing_locks"
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	StaleAfter time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// GormStore keeps locks as rows guarded by the primary key.
type GormStore struct {
	db         *gorm.DB
	idProvider ids.Provider
	staleAfter time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewGormStore constructs a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("locking: database handle is required")
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:         cfg.Database,
		idProvider: idProvider,
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Acquire inserts the lock row if absent, otherwise takes it over only when the
// existing row is older than the staleness threshold. Both steps are single
// statements arbitrated by the database.
func (s *GormStore) Acquire(ctx context.Context, lockID string) (Lease, bool, error) {
	if lockID == "" {
		return Lease{}, false, errMissingLockID
	}
	owner, err := s.idProvider.NewID()
	if err != nil {
		return Lease{}, false, err
	}
	now := s.clock().UTC()
	db := s.db.WithContext(ctx)

	row := ProcessingLock{LockID: lockID, Owner: owner, AcquiredAt: now}
	inserted := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lock_id"}},
		DoNothing: true,
	}).Create(&row)
	if inserted.Error != nil {
		return Lease{}, false, inserted.Error
	}
	if inserted.RowsAffected == 1 {
		return Lease{LockID: lockID, Owner: owner, AcquiredAt: now}, true, nil
	}

	reclaimed := db.Model(&ProcessingLock{}).
		Where("lock_id = ? AND acquired_at < ?", lockID, now.Add(-s.staleAfter)).
		Updates(map[string]any{"owner": owner, "acquired_at": now})
	if reclaimed.Error != nil {
		return Lease{}, false, reclaimed.Error
	}
	if reclaimed.RowsAffected == 1 {
		s.logger.Warn("stale processing lock reclaimed", zap.String("lock_id", lockID))
		return Lease{LockID: lockID, Owner: owner, AcquiredAt: now, Reclaimed: true}, true, nil
	}
	return Lease{}, false, nil
}

// Release deletes the lock row if the lease still owns it.
func (s *GormStore) Release(ctx context.Context, lease Lease) error {
	return s.db.WithContext(ctx).
		Where("lock_id = ? AND owner = ?", lease.LockID, lease.Owner).
		Delete(&ProcessingLock{}).Error
}
