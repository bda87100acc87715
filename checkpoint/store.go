package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrInvalidThread = errors.New("invalid thread id")
	ErrStoreClosed   = errors.New("checkpoint store closed")
)

// maxSaveAttempts bounds id-allocation retries in backends that detect races
// through a unique constraint.
const maxSaveAttempts = 5

// Checkpoint is an immutable snapshot of a thread's workflow state.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	ID        int64     `json:"id"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists checkpoints. Checkpoints are append-only: ids are strictly
// increasing per thread starting at 1 and a saved checkpoint is never
// rewritten. Save must not return before the write is durable in the backend.
type Store interface {
	// Save appends state as the next checkpoint of the thread and returns its id.
	Save(ctx context.Context, threadID string, state []byte) (int64, error)

	// LoadLatest returns the highest-id checkpoint of the thread.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Load returns one checkpoint by id.
	Load(ctx context.Context, threadID string, id int64) (*Checkpoint, error)

	// List returns every checkpoint of the thread in ascending id order.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	Ping(ctx context.Context) error
	Close() error
}

func validateThread(threadID string) error {
	if threadID == "" {
		return ErrInvalidThread
	}
	return nil
}
