package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/types"
)

// BusConfig tunes the Bus.
type BusConfig struct {
	// MaxAppendRetries bounds SequenceConflict retries before Append fails.
	MaxAppendRetries int `yaml:"max_append_retries" env:"MAX_APPEND_RETRIES"`
	// PollInterval is the fallback wake-up for readers when another process
	// appends to the same backend.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// PageSize is the batch size used by readers.
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`
}

// DefaultBusConfig returns the default Bus settings.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxAppendRetries: 5,
		PollInterval:     time.Second,
		PageSize:         256,
	}
}

// Bus is the per-task ordered event log. Appends for one task are serialized
// by a per-task lock; different tasks never share a lock.
type Bus struct {
	log     Log
	config  BusConfig
	logger  *zap.Logger
	metrics *metrics.Collector

	mu    sync.Mutex
	tasks map[string]*taskLog
}

type taskLog struct {
	mu     sync.Mutex // serializes appends
	next   int64
	loaded bool
	// finished 为真时日志末尾已是终止事件，之后的追加一律拒绝
	finished bool

	notifyMu sync.Mutex
	notify   chan struct{}
}

// NewBus creates a Bus over a backend.
func NewBus(log Log, config BusConfig, logger *zap.Logger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultBusConfig()
	if config.MaxAppendRetries <= 0 {
		config.MaxAppendRetries = def.MaxAppendRetries
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	return &Bus{
		log:     log,
		config:  config,
		logger:  logger.With(zap.String("component", "event_bus")),
		metrics: collector,
		tasks:   make(map[string]*taskLog),
	}
}

func (b *Bus) task(taskID string) *taskLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	tl, ok := b.tasks[taskID]
	if !ok {
		tl = &taskLog{notify: make(chan struct{})}
		b.tasks[taskID] = tl
	}
	return tl
}

// Append assigns the next sequence number of the task to ev and stores it.
// Sequence conflicts are retried with the seq reloaded from the backend; after
// MaxAppendRetries the error is escalated as a step execution error. Once the
// log holds a final_result or error event, Append fails with ErrTaskFinished.
func (b *Bus) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	tl := b.task(ev.TaskID)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for attempt := 1; attempt <= b.config.MaxAppendRetries; attempt++ {
		if !tl.loaded {
			if err := b.load(ctx, ev.TaskID, tl); err != nil {
				return 0, err
			}
		}
		if tl.finished {
			return 0, types.Errorf(types.ErrInvalidTransition, "task %s already has a terminal event, %s refused",
				ev.TaskID, ev.Type).WithCause(ErrTaskFinished)
		}

		ev.Seq = tl.next
		err := b.log.Append(ctx, ev)
		if err == nil {
			tl.next++
			tl.finished = ev.Type.Terminal()
			b.metrics.RecordEventAppended(string(ev.Type))
			tl.signal()
			return ev.Seq, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return 0, fmt.Errorf("append %s event: %w", ev.Type, err)
		}

		b.metrics.RecordSequenceConflict()
		b.logger.Debug("sequence conflict, reloading",
			zap.String("task_id", ev.TaskID),
			zap.Int64("seq", ev.Seq),
			zap.Int("attempt", attempt),
		)
		tl.loaded = false
	}

	return 0, types.NewStepExecutionError("sequence_conflict",
		fmt.Sprintf("event append for task %s kept conflicting after %d attempts", ev.TaskID, b.config.MaxAppendRetries),
		ErrSequenceConflict)
}

// load reads the tail of the backend: the next seq and whether the newest
// event already ended the task.
func (b *Bus) load(ctx context.Context, taskID string, tl *taskLog) error {
	last, err := b.log.LastSeq(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load last seq: %w", err)
	}
	tl.finished = false
	if last >= 0 {
		tail, err := b.log.Range(ctx, taskID, last, 1)
		if err != nil {
			return fmt.Errorf("load last event: %w", err)
		}
		tl.finished = len(tail) == 1 && tail[0].Type.Terminal()
	}
	tl.next = last + 1
	tl.loaded = true
	return nil
}

func (tl *taskLog) signal() {
	tl.notifyMu.Lock()
	close(tl.notify)
	tl.notify = make(chan struct{})
	tl.notifyMu.Unlock()
}

// Changed returns a channel closed by the next successful append to the task.
// Obtain it before reading so an append between read and wait is not missed.
func (b *Bus) Changed(taskID string) <-chan struct{} {
	tl := b.task(taskID)
	tl.notifyMu.Lock()
	defer tl.notifyMu.Unlock()
	return tl.notify
}

// Forget drops the in-memory bookkeeping of a finished task. The durable log
// is untouched; a later Append reloads the next seq from the backend.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, taskID)
}

// Range reads one page of events starting at from.
func (b *Bus) Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = b.config.PageSize
	}
	return b.log.Range(ctx, taskID, from, limit)
}

// Snapshot returns every stored event of the task from from onward.
func (b *Bus) Snapshot(ctx context.Context, taskID string, from int64) ([]Event, error) {
	var out []Event
	for {
		page, err := b.log.Range(ctx, taskID, from, b.config.PageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < b.config.PageSize {
			return out, nil
		}
		from = page[len(page)-1].Seq + 1
	}
}

// LastSeq returns the seq of the newest stored event, or -1.
func (b *Bus) LastSeq(ctx context.Context, taskID string) (int64, error) {
	return b.log.LastSeq(ctx, taskID)
}

// Read opens a restartable cursor at from.
func (b *Bus) Read(taskID string, from int64) *Cursor {
	if from < 0 {
		from = 0
	}
	return &Cursor{bus: b, taskID: taskID, next: from}
}

// =============================================================================
// Cursor
// =============================================================================

// ErrGap is returned when a backend hands out non-contiguous events.
var ErrGap = errors.New("event log gap")

// Cursor reads a task's events in order and tails for new ones until a
// terminal event has been returned.
type Cursor struct {
	bus    *Bus
	taskID string
	next   int64
	buf    []Event
	done   bool
}

// Seq is the seq of the next event the cursor will return.
func (c *Cursor) Seq() int64 { return c.next }

// Done reports whether the terminal event has been returned.
func (c *Cursor) Done() bool { return c.done && len(c.buf) == 0 }

// Next returns the next event, blocking until one is appended. It returns
// io.EOF after the terminal event.
func (c *Cursor) Next(ctx context.Context) (Event, error) {
	for {
		evs, err := c.Poll(ctx, 1, c.bus.config.PollInterval)
		if err != nil {
			return Event{}, err
		}
		if len(evs) == 1 {
			return evs[0], nil
		}
	}
}

// Poll returns up to max buffered or newly stored events. When none are
// available it waits at most wait for an append and returns an empty slice
// on expiry. It returns io.EOF once the terminal event has been consumed.
func (c *Cursor) Poll(ctx context.Context, max int, wait time.Duration) ([]Event, error) {
	if max <= 0 {
		max = c.bus.config.PageSize
	}
	if len(c.buf) == 0 {
		if c.done {
			return nil, io.EOF
		}
		changed := c.bus.Changed(c.taskID)
		if err := c.fill(ctx); err != nil {
			return nil, err
		}
		if len(c.buf) == 0 {
			if err := waitFor(ctx, changed, wait); err != nil {
				return nil, err
			}
			if err := c.fill(ctx); err != nil {
				return nil, err
			}
		}
	}

	n := len(c.buf)
	if n > max {
		n = max
	}
	out := make([]Event, n)
	copy(out, c.buf[:n])
	c.buf = c.buf[n:]
	return out, nil
}

func (c *Cursor) fill(ctx context.Context) error {
	if c.done {
		return nil
	}
	page, err := c.bus.log.Range(ctx, c.taskID, c.next, c.bus.config.PageSize)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, ev := range page {
		if ev.Seq != c.next {
			return fmt.Errorf("%w: task %s expected seq %d, got %d", ErrGap, c.taskID, c.next, ev.Seq)
		}
		c.buf = append(c.buf, ev)
		c.next++
		if ev.Type.Terminal() {
			c.done = true
			break
		}
	}
	return nil
}

func waitFor(ctx context.Context, changed <-chan struct{}, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timer.C:
	}
	return nil
}
