package event

import (
	"context"
	"errors"
	"sync"
)

// Backend errors.
var (
	// ErrSequenceConflict means the caller-assigned seq is not the next free
	// seq of the task. The Bus retries it and never returns it to callers.
	ErrSequenceConflict = errors.New("event sequence conflict")
	ErrLogClosed        = errors.New("event log closed")
	// ErrTaskFinished means the task log already ends with a terminal event.
	ErrTaskFinished = errors.New("task event log is finished")
)

// Log is the durable backend behind the Bus.
//
// Append must accept ev only when ev.Seq == LastSeq+1 and return
// ErrSequenceConflict otherwise. Range returns up to limit events with
// seq >= from in ascending order. LastSeq returns -1 for a task without events.
type Log interface {
	Append(ctx context.Context, ev Event) error
	Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error)
	LastSeq(ctx context.Context, taskID string) (int64, error)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]Event
	closed bool
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event)}
}

func (l *MemoryLog) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	if ev.Seq != int64(len(l.events[ev.TaskID])) {
		return ErrSequenceConflict
	}
	l.events[ev.TaskID] = append(l.events[ev.TaskID], ev)
	return nil
}

func (l *MemoryLog) Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	evs := l.events[taskID]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(evs)) {
		return nil, nil
	}
	end := int64(len(evs))
	if limit > 0 && from+int64(limit) < end {
		end = from + int64(limit)
	}
	out := make([]Event, end-from)
	copy(out, evs[from:end])
	return out, nil
}

func (l *MemoryLog) LastSeq(ctx context.Context, taskID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	return int64(len(l.events[taskID])) - 1, nil
}

// Close releases the log.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

var _ Log = (*MemoryLog)(nil)
