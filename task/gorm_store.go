package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/internal/database"
)

// Record is the relational row of a task.
type Record struct {
	ID           string     `gorm:"primaryKey;size:64"`
	Status       string     `gorm:"size:32;not null;index:idx_tasks_status"`
	Phase        string     `gorm:"size:32;not null;default:''"`
	Topic        string     `gorm:"type:text;not null"`
	OwnerID      string     `gorm:"size:128;not null;index:idx_tasks_owner"`
	ThreadID     string     `gorm:"size:128;not null"`
	Mode         string     `gorm:"size:32;not null"`
	ReportConfig []byte     `gorm:"column:report_config"`
	ErrorType    string     `gorm:"size:64;not null;default:''"`
	ErrorMessage string     `gorm:"type:text"`
	Version      int64      `gorm:"not null;default:1"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_tasks_created"`
	UpdatedAt    time.Time  `gorm:"not null"`
	StartedAt    *time.Time `gorm:"column:started_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
}

// TableName pins the table name used by the migrations.
func (Record) TableName() string { return "tasks" }

// GormStore is a relational task store. Update is an optimistic
// compare-and-swap on the version column.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore creates a store on an open database.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("store", "gorm_task"))}
}

// AutoMigrate creates the tasks table.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Record{})
}

func (s *GormStore) Create(ctx context.Context, t *Task) error {
	rec := fromTask(t)
	rec.Version = 1
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	t.Version = 1
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Task, error) {
	var rec Record
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec.toTask(), nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Task, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.ID = id
		next.Version = cur.Version + 1

		rec := fromTask(next)
		res := s.db.WithContext(ctx).Model(&Record{}).
			Where("id = ? AND version = ?", id, cur.Version).
			Updates(map[string]any{
				"status":        rec.Status,
				"phase":         rec.Phase,
				"topic":         rec.Topic,
				"owner_id":      rec.OwnerID,
				"thread_id":     rec.ThreadID,
				"mode":          rec.Mode,
				"report_config": rec.ReportConfig,
				"error_type":    rec.ErrorType,
				"error_message": rec.ErrorMessage,
				"version":       rec.Version,
				"updated_at":    rec.UpdatedAt,
				"started_at":    rec.StartedAt,
				"completed_at":  rec.CompletedAt,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("update task: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return next, nil
		}
		s.logger.Debug("task version moved, retrying",
			zap.String("task_id", id), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("update task %s: version kept changing after %d attempts", id, maxUpdateAttempts)
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := s.db.WithContext(ctx).Model(&Record{})
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.ThreadID != "" {
		q = q.Where("thread_id = ?", filter.ThreadID)
	}
	if !filter.UpdatedSince.IsZero() {
		q = q.Where("updated_at >= ?", filter.UpdatedSince)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []Record
	if err := q.Order("created_at ASC").Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*Task, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toTask())
	}
	return out, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *GormStore) Close() error { return nil }

func fromTask(t *Task) *Record {
	return &Record{
		ID:           t.ID,
		Status:       string(t.Status),
		Phase:        string(t.Phase),
		Topic:        t.Topic,
		OwnerID:      t.OwnerID,
		ThreadID:     t.ThreadID,
		Mode:         string(t.Mode),
		ReportConfig: t.ReportConfig,
		ErrorType:    t.ErrorType,
		ErrorMessage: t.ErrorMessage,
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

func (r *Record) toTask() *Task {
	t := &Task{
		ID:           r.ID,
		Status:       Status(r.Status),
		Phase:        Phase(r.Phase),
		Topic:        r.Topic,
		OwnerID:      r.OwnerID,
		ThreadID:     r.ThreadID,
		Mode:         Mode(r.Mode),
		ErrorType:    r.ErrorType,
		ErrorMessage: r.ErrorMessage,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
	if len(r.ReportConfig) > 0 {
		t.ReportConfig = r.ReportConfig
	}
	return t
}

var _ Store = (*GormStore)(nil)
