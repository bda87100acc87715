package task

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/types"
)

// Registry owns task records and the status DAG. All writes go through the
// store's atomic Update so concurrent cancel, acquire and finish decisions are
// linearized per task.
type Registry struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.Mutex
	leases map[string]*Lease

	// threadMu 串行化显式 thread_id 的占用检查与写入
	threadMu sync.Mutex
}

// NewRegistry creates a registry over a store.
func NewRegistry(store Store, logger *zap.Logger, collector *metrics.Collector) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:   store,
		logger:  logger.With(zap.String("component", "task_registry")),
		metrics: collector,
		now:     func() time.Time { return time.Now().UTC() },
		leases:  make(map[string]*Lease),
	}
}

// Store returns the underlying store.
func (r *Registry) Store() Store { return r.store }

// Create validates req and stores a PENDING task.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, types.NewValidationError("topic is required")
	}
	if req.OwnerID == "" {
		return nil, types.NewValidationError("owner_id is required")
	}
	if req.Mode == "" {
		req.Mode = ModeInteractive
	}
	if !req.Mode.Valid() {
		return nil, types.Errorf(types.ErrValidation, "unknown mode %q", req.Mode)
	}
	if len(req.ReportConfig) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.ReportConfig, &obj); err != nil {
			return nil, types.NewValidationError("report_config must be a JSON object").WithCause(err)
		}
	}

	now := r.now()
	t := &Task{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Topic:        req.Topic,
		OwnerID:      req.OwnerID,
		ThreadID:     req.ThreadID,
		Mode:         req.Mode,
		ReportConfig: req.ReportConfig,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.ThreadID == "" {
		t.ThreadID = t.ID
	} else {
		r.threadMu.Lock()
		defer r.threadMu.Unlock()
		if err := r.checkThreadFree(ctx, t.ThreadID); err != nil {
			return nil, err
		}
	}
	if err := r.store.Create(ctx, t); err != nil {
		return nil, storeError(t.ID, err)
	}

	r.metrics.RecordTaskCreated(string(t.Mode))
	r.logger.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("owner_id", t.OwnerID),
		zap.String("mode", string(t.Mode)),
	)
	return t, nil
}

// checkThreadFree rejects a thread that still belongs to a live task. Its
// checkpoints have a single writer.
func (r *Registry) checkThreadFree(ctx context.Context, threadID string) error {
	live, err := r.store.List(ctx, Filter{
		ThreadID: threadID,
		Status:   []Status{StatusPending, StatusInProgress},
		Limit:    1,
	})
	if err != nil {
		return storeError("", err)
	}
	if len(live) > 0 {
		return types.Errorf(types.ErrConflict, "thread %s is in use by task %s", threadID, live[0].ID)
	}
	return nil
}

// FailAwaiting fails a task parked at an interrupt, provided nothing touched
// it since version. A resume or a cancel bumps the version, so a stale
// interrupt timer cannot fail a task that moved on.
func (r *Registry) FailAwaiting(ctx context.Context, id string, version int64, errorType, message string) (*Task, error) {
	t, err := r.update(ctx, id, func(t *Task) error {
		if !t.Status.CanTransition(StatusFailed) {
			return invalidTransition(t, StatusFailed)
		}
		if t.Phase != PhaseAwaitingInterrupt || t.Version != version {
			return types.Errorf(types.ErrConflict, "task %s is no longer awaiting this interrupt", id)
		}
		r.apply(t, StatusFailed)
		t.ErrorType = errorType
		t.ErrorMessage = message
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.finished(t)
	r.logger.Warn("task failed",
		zap.String("task_id", id),
		zap.String("error_type", errorType),
		zap.String("message", message),
	)
	return t, nil
}

// Get returns a task or NotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(id, err)
	}
	return t, nil
}

// List returns tasks matching filter in creation order.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*Task, error) {
	tasks, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, storeError("", err)
	}
	return tasks, nil
}

// Transition moves a task along the status DAG.
func (r *Registry) Transition(ctx context.Context, id string, to Status) (*Task, error) {
	t, err := r.update(ctx, id, func(t *Task) error {
		if !t.Status.CanTransition(to) {
			return invalidTransition(t, to)
		}
		r.apply(t, to)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.finished(t)
	return t, nil
}

// SetPhase records the executor sub-state of an IN_PROGRESS task.
func (r *Registry) SetPhase(ctx context.Context, id string, phase Phase) (*Task, error) {
	return r.update(ctx, id, func(t *Task) error {
		if t.Status != StatusInProgress {
			return types.Errorf(types.ErrInvalidTransition, "task %s is %s, phase cannot change", id, t.Status)
		}
		t.Phase = phase
		t.UpdatedAt = r.now()
		return nil
	})
}

// Fail moves a task to FAILED and records the error classification.
func (r *Registry) Fail(ctx context.Context, id, errorType, message string) (*Task, error) {
	t, err := r.update(ctx, id, func(t *Task) error {
		if !t.Status.CanTransition(StatusFailed) {
			return invalidTransition(t, StatusFailed)
		}
		r.apply(t, StatusFailed)
		t.ErrorType = errorType
		t.ErrorMessage = message
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.finished(t)
	r.logger.Warn("task failed",
		zap.String("task_id", id),
		zap.String("error_type", errorType),
		zap.String("message", message),
	)
	return t, nil
}

// CancelOutcome reports the result of Cancel.
type CancelOutcome struct {
	Task *Task
	// Owned is true when an executor held the task at cancel time. That
	// executor emits the terminal event at its next boundary; otherwise the
	// caller must emit it.
	Owned bool
}

// Cancel moves a PENDING or IN_PROGRESS task to CANCELED and raises the
// cooperative flag of a local lease. Terminal tasks yield NotCancelable.
func (r *Registry) Cancel(ctx context.Context, id string) (CancelOutcome, error) {
	var owned bool
	t, err := r.update(ctx, id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return types.Errorf(types.ErrNotCancelable, "task %s is already %s", id, t.Status)
		}
		owned = t.Status == StatusInProgress && t.Phase == PhaseRunningStep
		r.apply(t, StatusCanceled)
		return nil
	})
	if err != nil {
		return CancelOutcome{}, err
	}

	r.mu.Lock()
	lease := r.leases[id]
	r.mu.Unlock()
	if lease != nil {
		lease.cancel()
	}

	r.finished(t)
	r.logger.Info("task canceled", zap.String("task_id", id), zap.Bool("owned", owned))
	return CancelOutcome{Task: t, Owned: owned}, nil
}

// AcquireOption tunes Acquire.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	recover bool
}

// WithRecover lets Acquire take over a task whose durable phase still says
// RUNNING_STEP because its previous owner died.
func WithRecover() AcquireOption {
	return func(o *acquireOptions) { o.recover = true }
}

// Acquire takes the single execution lease of a task. PENDING tasks move to
// IN_PROGRESS. Terminal tasks yield InvalidTransition and owned tasks yield
// a retryable Conflict.
func (r *Registry) Acquire(ctx context.Context, id string, opts ...AcquireOption) (*Lease, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	lease := &Lease{registry: r, taskID: id, canceled: make(chan struct{})}
	r.mu.Lock()
	if _, held := r.leases[id]; held {
		r.mu.Unlock()
		return nil, types.Errorf(types.ErrConflict, "task %s is already running here", id).WithRetryable(true)
	}
	r.leases[id] = lease
	r.mu.Unlock()

	t, err := r.update(ctx, id, func(t *Task) error {
		if t.Status.IsTerminal() {
			return invalidTransition(t, StatusInProgress)
		}
		if t.Phase == PhaseRunningStep && !o.recover {
			return types.Errorf(types.ErrConflict, "task %s is owned by another executor", id).WithRetryable(true)
		}
		if t.Status == StatusPending {
			r.apply(t, StatusInProgress)
		}
		t.Phase = PhaseRunningStep
		t.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		r.drop(lease)
		return nil, err
	}
	lease.task = t
	r.logger.Debug("lease acquired", zap.String("task_id", id))
	return lease, nil
}

func (r *Registry) drop(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases[l.taskID] == l {
		delete(r.leases, l.taskID)
	}
}

func (r *Registry) update(ctx context.Context, id string, fn UpdateFunc) (*Task, error) {
	t, err := r.store.Update(ctx, id, fn)
	if err != nil {
		return nil, storeError(id, err)
	}
	return t, nil
}

// apply sets status and the bookkeeping that goes with it.
func (r *Registry) apply(t *Task, to Status) {
	now := r.now()
	t.Status = to
	t.UpdatedAt = now
	if to == StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.Phase = PhaseNone
		t.CompletedAt = &now
	}
}

func (r *Registry) finished(t *Task) {
	if t.Status.IsTerminal() {
		r.metrics.RecordTaskFinished(string(t.Status))
	}
}

func invalidTransition(t *Task, to Status) error {
	return types.Errorf(types.ErrInvalidTransition, "task %s cannot move from %s to %s", t.ID, t.Status, to)
}

func storeError(id string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return types.NewNotFoundError("task", id)
	case errors.Is(err, ErrAlreadyExists):
		return types.Errorf(types.ErrConflict, "task %s already exists", id)
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewError(types.ErrInternalError, "task store failure").WithCause(err).WithRetryable(true)
}

// =============================================================================
// Lease
// =============================================================================

// errSkipUpdate aborts a store update without writing.
var errSkipUpdate = errors.New("task: update skipped")

// Lease is the single-owner execution right on a task. It carries the
// cooperative cancel flag raised by Cancel in the same process.
type Lease struct {
	registry *Registry
	taskID   string
	task     *Task

	cancelOnce sync.Once
	canceled   chan struct{}
	releaseMu  sync.Mutex
	released   bool
}

// TaskID returns the leased task id.
func (l *Lease) TaskID() string { return l.taskID }

// Task returns the task as of acquisition.
func (l *Lease) Task() *Task { return l.task }

// Done is closed when the task is canceled or found finished elsewhere.
func (l *Lease) Done() <-chan struct{} { return l.canceled }

// Canceled reports whether the local cancel flag is raised.
func (l *Lease) Canceled() bool {
	select {
	case <-l.canceled:
		return true
	default:
		return false
	}
}

// CheckFinished consults the local flag and then the durable status, so a
// cancel or failure recorded by another process is observed too. It returns
// the terminal status, or "" while the task is still live. Any terminal
// status raises the local flag.
func (l *Lease) CheckFinished(ctx context.Context) (Status, error) {
	if l.Canceled() {
		return StatusCanceled, nil
	}
	t, err := l.registry.Get(ctx, l.taskID)
	if err != nil {
		return "", err
	}
	if !t.Status.IsTerminal() {
		return "", nil
	}
	l.cancel()
	return t.Status, nil
}

func (l *Lease) cancel() {
	l.cancelOnce.Do(func() { close(l.canceled) })
}

// Abandon drops the lease locally without touching the store. The durable
// phase stays RUNNING_STEP so recovery can take the task over.
func (l *Lease) Abandon() {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	l.released = true
	l.registry.drop(l)
}

// Release gives up the lease and records phase if the task is still
// IN_PROGRESS. For a terminal task nothing is written; the returned task
// shows what happened (CANCELED means a cancel won the race while the lease
// was held, and the holder owns the terminal event).
func (l *Lease) Release(ctx context.Context, phase Phase) (*Task, error) {
	l.releaseMu.Lock()
	defer l.releaseMu.Unlock()
	if l.released {
		return l.registry.Get(ctx, l.taskID)
	}
	l.released = true
	defer l.registry.drop(l)

	var terminal *Task
	t, err := l.registry.store.Update(ctx, l.taskID, func(t *Task) error {
		if t.Status.IsTerminal() {
			terminal = t.Clone()
			return errSkipUpdate
		}
		t.Phase = phase
		t.UpdatedAt = l.registry.now()
		return nil
	})
	if errors.Is(err, errSkipUpdate) {
		return terminal, nil
	}
	if err != nil {
		return nil, storeError(l.taskID, err)
	}
	return t, nil
}
