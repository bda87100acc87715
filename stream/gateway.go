package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/types"
)

var (
	// ErrSlowConsumer ends a subscription whose buffer overflowed while
	// following live events.
	ErrSlowConsumer = errors.New("stream: slow consumer")
	// ErrGatewayClosed ends subscriptions when the gateway shuts down.
	ErrGatewayClosed = errors.New("stream: gateway closed")

	errUnsubscribed = errors.New("stream: unsubscribed")
)

// spaceRecheck is how often a paused replay looks for free buffer space.
const spaceRecheck = 5 * time.Millisecond

// Config tunes subscriber buffers and keep-alives.
type Config struct {
	BufferSize        int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// PollInterval bounds one wait for new events; it also sets the
	// heartbeat granularity.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		BufferSize:        256,
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      time.Second,
	}
}

// Message is one item delivered to a subscriber: an event or a heartbeat.
type Message struct {
	Event     *event.Event
	Heartbeat bool
	Time      time.Time
}

// Seq returns the event seq, or -1 for a heartbeat.
func (m Message) Seq() int64 {
	if m.Event == nil {
		return -1
	}
	return m.Event.Seq
}

// MarshalJSON writes the event wire form, or {"type":"heartbeat"}.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Heartbeat || m.Event == nil {
		return json.Marshal(struct {
			Type      string    `json:"type"`
			Timestamp time.Time `json:"timestamp"`
		}{"heartbeat", m.Time})
	}
	return m.Event.MarshalJSON()
}

// Gateway fans task event logs out to stream subscribers. Each subscriber
// gets its own cursor and bounded channel; the event producer never waits on
// a subscriber.
type Gateway struct {
	bus     *event.Bus
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewGateway creates a gateway reading from bus.
func NewGateway(bus *event.Bus, config Config, logger *zap.Logger, collector *metrics.Collector) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	return &Gateway{
		bus:     bus,
		config:  config,
		logger:  logger.With(zap.String("component", "stream_gateway")),
		metrics: collector,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscribe streams the task's events starting at from. Reconnecting with
// the last received seq + 1 continues without gaps or duplicates. The
// subscription ends after the terminal event, when ctx is done, or on Close.
func (g *Gateway) Subscribe(ctx context.Context, taskID string, from int64) (*Subscription, error) {
	if taskID == "" {
		return nil, types.NewValidationError("task id is required")
	}
	if from < 0 {
		return nil, types.NewValidationError("from_seq must not be negative")
	}
	// backlog 截止到订阅时已存储的最后一条
	backlog, err := g.bus.LastSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayClosed
	}

	pctx, cancel := context.WithCancelCause(ctx)
	s := &Subscription{
		TaskID: taskID,
		ch:     make(chan Message, g.config.BufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	g.subs[s] = struct{}{}
	g.wg.Add(1)
	g.metrics.RecordSubscriberOpened()

	go g.pump(pctx, s, g.bus.Read(taskID, from), backlog)
	return s, nil
}

func (g *Gateway) pump(ctx context.Context, s *Subscription, cur *event.Cursor, backlog int64) {
	defer g.wg.Done()

	err := g.tail(ctx, s, cur, backlog)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, errUnsubscribed):
		err = nil
	case ctx.Err() != nil:
		if cause := context.Cause(ctx); errors.Is(cause, errUnsubscribed) {
			err = nil
		} else {
			err = cause
		}
	}

	g.mu.Lock()
	delete(g.subs, s)
	g.mu.Unlock()
	s.finish(err)
	g.metrics.RecordSubscriberClosed(errors.Is(err, ErrSlowConsumer))

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrGatewayClosed) {
		g.logger.Warn("subscription ended",
			zap.String("task_id", s.TaskID),
			zap.Int64("next_seq", cur.Seq()),
			zap.Error(err),
		)
	}
}

// tail replays events up to backlog at the subscriber's pace and then follows
// new appends. Only the live part can overflow the buffer.
func (g *Gateway) tail(ctx context.Context, s *Subscription, cur *event.Cursor, backlog int64) error {
	heartbeat := time.NewTicker(g.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		max := g.config.BufferSize
		if cur.Seq() <= backlog {
			var err error
			if max, err = s.space(ctx); err != nil {
				return err
			}
		}
		evs, err := cur.Poll(ctx, max, g.config.PollInterval)
		if err != nil {
			return err
		}
		for i := range evs {
			ev := evs[i]
			if !s.offer(Message{Event: &ev, Time: ev.Timestamp}) {
				return ErrSlowConsumer
			}
		}
		select {
		case t := <-heartbeat.C:
			// a full buffer means the client has data pending; skip the beat
			s.offer(Message{Heartbeat: true, Time: t.UTC()})
		default:
		}
	}
}

// Active returns the number of open subscriptions.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close ends every subscription and waits for their pumps to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for s := range g.subs {
		s.cancel(ErrGatewayClosed)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// =============================================================================
// Subscription
// =============================================================================

// Subscription is one subscriber's ordered view of a task's events.
type Subscription struct {
	TaskID string

	ch     chan Message
	done   chan struct{}
	cancel context.CancelCauseFunc

	mu  sync.Mutex
	err error
}

// C delivers messages in seq order. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err explains why the subscription ended: nil after the terminal event or
// Close, ErrSlowConsumer after an overflow, otherwise the context or read
// error. Only meaningful after C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.cancel(errUnsubscribed)
}

// space waits until the buffer has room and returns the free slots. Only the
// pump sends, so the room cannot shrink before it is used.
func (s *Subscription) space(ctx context.Context) (int, error) {
	for {
		if free := cap(s.ch) - len(s.ch); free > 0 {
			return free, nil
		}
		t := time.NewTimer(spaceRecheck)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Subscription) offer(m Message) bool {
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cancel(errUnsubscribed)
	close(s.ch)
	close(s.done)
}
