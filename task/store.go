package task

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyExists is returned by Create for a duplicate id.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("task store is closed")
)

// maxUpdateAttempts bounds optimistic retries of Update.
const maxUpdateAttempts = 10

// UpdateFunc mutates a task in place. Returning an error aborts the update
// without writing and the error is handed back to the caller unchanged.
type UpdateFunc func(t *Task) error

// Store persists tasks. Update is atomic per task: fn always sees the latest
// stored version and its result is written only if nobody changed the task in
// between.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*Task, error)
	List(ctx context.Context, filter Filter) ([]*Task, error)
	Ping(ctx context.Context) error
	Close() error
}

func sortByCreated(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
