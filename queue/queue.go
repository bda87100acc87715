package queue

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/taskflow/types"
)

// ErrClosed is returned by a closed queue.
var ErrClosed = errors.New("queue closed")

// Kind selects what a worker does with a job.
type Kind string

const (
	KindRun     Kind = "run"
	KindResume  Kind = "resume"
	KindRecover Kind = "recover"
)

// Job asks a worker to drive one task.
type Job struct {
	Kind        Kind              `json:"kind"`
	TaskID      string            `json:"task_id"`
	InterruptID string            `json:"interrupt_id,omitempty"`
	Resolution  *types.Resolution `json:"resolution,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
}

// Validate checks the job is actionable.
func (j Job) Validate() error {
	if j.TaskID == "" {
		return types.NewValidationError("job task_id is required")
	}
	switch j.Kind {
	case KindRun, KindRecover:
		return nil
	case KindResume:
		if j.InterruptID == "" || j.Resolution == nil {
			return types.NewValidationError("resume job needs interrupt_id and resolution")
		}
		return nil
	default:
		return types.Errorf(types.ErrValidation, "unknown job kind %q", j.Kind)
	}
}

// Queue hands jobs to workers in FIFO order. Delivery is at most once; jobs
// lost in a crash are rebuilt by startup recovery from task state.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	Len(ctx context.Context) (int64, error)
	Close() error
}
