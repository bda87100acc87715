package task

import (
	"encoding/json"
	"time"
)

// Status is the externally visible lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// allowed lists the edges of the status DAG. Terminal states have none.
var allowed = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCanceled, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCanceled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether s absorbs every further transition.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// CanTransition reports whether s -> to is an edge of the status DAG.
func (s Status) CanTransition(to Status) bool {
	for _, next := range allowed[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Phase is the internal sub-state of an IN_PROGRESS task. It tells a canceller
// whether an executor currently owns the task.
type Phase string

const (
	PhaseNone              Phase = ""
	PhaseRunningStep       Phase = "RUNNING_STEP"
	PhaseAwaitingInterrupt Phase = "AWAITING_INTERRUPT"
)

// Mode selects how much human confirmation a workflow asks for.
type Mode string

const (
	// ModeInteractive pauses at every declared interrupt point.
	ModeInteractive Mode = "interactive"
	// ModeCopilot runs straight through without pausing.
	ModeCopilot Mode = "copilot"
	// ModeGuided pauses only at the interrupt points the workflow marks as
	// guided checkpoints.
	ModeGuided Mode = "guided"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeInteractive, ModeCopilot, ModeGuided:
		return true
	}
	return false
}

// InterruptsEnabled reports whether the mode ever pauses for a human.
func (m Mode) InterruptsEnabled() bool {
	return m == ModeInteractive || m == ModeGuided
}

// Task is one detached workflow run.
type Task struct {
	ID           string          `json:"id"`
	Status       Status          `json:"status"`
	Phase        Phase           `json:"phase,omitempty"`
	Topic        string          `json:"topic"`
	OwnerID      string          `json:"owner_id"`
	ThreadID     string          `json:"thread_id"`
	Mode         Mode            `json:"mode"`
	ReportConfig json.RawMessage `json:"report_config,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.ReportConfig != nil {
		c.ReportConfig = append(json.RawMessage(nil), t.ReportConfig...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// Filter selects tasks for List. Results are ordered by creation time.
type Filter struct {
	Status   []Status
	OwnerID  string
	ThreadID string
	// UpdatedSince keeps tasks updated at or after the instant.
	UpdatedSince time.Time
	Limit        int
	Offset       int
}

// Matches reports whether t passes the filter criteria.
func (f Filter) Matches(t *Task) bool {
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.ThreadID != "" && t.ThreadID != f.ThreadID {
		return false
	}
	if !f.UpdatedSince.IsZero() && t.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if t.Status == s {
			return true
		}
	}
	return false
}

func (f Filter) page(tasks []*Task) []*Task {
	if f.Offset > 0 {
		if f.Offset >= len(tasks) {
			return []*Task{}
		}
		tasks = tasks[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(tasks) {
		tasks = tasks[:f.Limit]
	}
	return tasks
}

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	Topic        string          `json:"topic"`
	OwnerID      string          `json:"owner_id"`
	Mode         Mode            `json:"mode"`
	ReportConfig json.RawMessage `json:"report_config,omitempty"`
	// ThreadID defaults to the task id. A thread has one live task at a time.
	ThreadID string `json:"thread_id,omitempty"`
}
