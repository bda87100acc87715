package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/BaSui01/taskflow/internal/database"
)

// Record is the relational row of one event. Data holds the full JSON
// encoding; the other columns exist for indexing and ad-hoc queries.
type Record struct {
	ID        uint      `gorm:"primaryKey"`
	TaskID    string    `gorm:"size:64;not null;uniqueIndex:idx_events_task_seq,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_events_task_seq,priority:2"`
	Type      string    `gorm:"size:32;not null"`
	Node      string    `gorm:"size:128"`
	Timestamp time.Time `gorm:"not null"`
	Data      []byte    `gorm:"not null"`
}

// TableName pins the table name used by the migrations.
func (Record) TableName() string { return "task_events" }

// GormLog is a relational Log. The (task_id, seq) unique index rejects
// duplicate seqs; the max-seq check inside the transaction rejects gaps.
type GormLog struct {
	db *gorm.DB
}

// NewGormLog creates a log on an open database.
func NewGormLog(db *gorm.DB) *GormLog {
	return &GormLog{db: db}
}

// AutoMigrate creates the events table.
func (l *GormLog) AutoMigrate() error {
	return l.db.AutoMigrate(&Record{})
}

func (l *GormLog) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&Record{}).
			Where("task_id = ?", ev.TaskID).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&last).Error; err != nil {
			return err
		}
		if ev.Seq != last+1 {
			return ErrSequenceConflict
		}
		return tx.Create(&Record{
			TaskID:    ev.TaskID,
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			Node:      ev.Node,
			Timestamp: ev.Timestamp,
			Data:      data,
		}).Error
	})
	if database.IsUniqueViolation(err) {
		return ErrSequenceConflict
	}
	return err
}

func (l *GormLog) Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error) {
	q := l.db.WithContext(ctx).
		Where("task_id = ? AND seq >= ?", taskID, from).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(recs))
	for _, rec := range recs {
		var ev Event
		if err := json.Unmarshal(rec.Data, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %s/%d: %w", rec.TaskID, rec.Seq, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *GormLog) LastSeq(ctx context.Context, taskID string) (int64, error) {
	var last int64
	err := l.db.WithContext(ctx).Model(&Record{}).
		Where("task_id = ?", taskID).
		Select("COALESCE(MAX(seq), -1)").
		Scan(&last).Error
	return last, err
}

var _ Log = (*GormLog)(nil)
