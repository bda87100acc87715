package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Record is the relational row of one checkpoint. The table is created by the
// SQL migrations; AutoMigrate is only used by tests and embedded setups.
type Record struct {
	ID           uint      `gorm:"primaryKey"`
	ThreadID     string    `gorm:"size:128;not null;uniqueIndex:idx_checkpoints_thread_seq,priority:1"`
	CheckpointID int64     `gorm:"not null;uniqueIndex:idx_checkpoints_thread_seq,priority:2"`
	State        []byte    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

// TableName pins the table name used by the migrations.
func (Record) TableName() string { return "checkpoints" }

// GormStore is a relational checkpoint store. The (thread_id, checkpoint_id)
// unique index linearizes concurrent writers; a loser re-reads the max id and
// retries.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store on an open database.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("store", "gorm_checkpoint"))}
}

// AutoMigrate creates the checkpoints table.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Record{})
}

// Save appends a checkpoint inside a transaction.
func (s *GormStore) Save(ctx context.Context, threadID string, state []byte) (int64, error) {
	if err := validateThread(threadID); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		var id int64
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int64
			if err := tx.Model(&Record{}).
				Where("thread_id = ?", threadID).
				Select("COALESCE(MAX(checkpoint_id), 0)").
				Scan(&last).Error; err != nil {
				return err
			}
			rec := Record{
				ThreadID:     threadID,
				CheckpointID: last + 1,
				State:        state,
				CreatedAt:    time.Now().UTC(),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			id = rec.CheckpointID
			return nil
		})
		if err == nil {
			return id, nil
		}
		if !database.IsUniqueViolation(err) {
			return 0, fmt.Errorf("save checkpoint: %w", err)
		}
		lastErr = err
		s.logger.Debug("checkpoint id conflict, retrying",
			zap.String("thread_id", threadID), zap.Int("attempt", attempt+1))
	}
	return 0, fmt.Errorf("save checkpoint after %d attempts: %w", maxSaveAttempts, lastErr)
}

// LoadLatest returns the newest checkpoint of a thread.
func (s *GormStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	var rec Record
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("checkpoint_id DESC").
		Take(&rec).Error
	return s.result(&rec, err)
}

// Load returns a checkpoint by id.
func (s *GormStore) Load(ctx context.Context, threadID string, id int64) (*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	var rec Record
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_id = ?", threadID, id).
		Take(&rec).Error
	return s.result(&rec, err)
}

func (s *GormStore) result(rec *Record, err error) (*Checkpoint, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return rec.toCheckpoint(), nil
}

// List returns all checkpoints of a thread in id order.
func (s *GormStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	if err := validateThread(threadID); err != nil {
		return nil, err
	}
	var recs []Record
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("checkpoint_id ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toCheckpoint())
	}
	return out, nil
}

// Ping checks the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormStore) Close() error { return nil }

func (r *Record) toCheckpoint() *Checkpoint {
	return &Checkpoint{
		ThreadID:  r.ThreadID,
		ID:        r.CheckpointID,
		State:     r.State,
		CreatedAt: r.CreatedAt,
	}
}

var _ Store = (*GormStore)(nil)
