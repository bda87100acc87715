package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/task"
)

// Emitter lets a step publish intermediate events. Events emitted after the
// task was canceled or after the step returned are dropped.
type Emitter interface {
	// Progress reports completion in percent. Values are clamped to [0,100]
	// and never go backwards within a step.
	Progress(percent float64, message string) error
	// ToolCall announces a tool invocation and returns its call id.
	ToolCall(tool string, arguments json.RawMessage) (string, error)
	ToolResult(callID, tool string, result json.RawMessage, isError bool) error
	ContentChunk(section, delta string) error
	ContentComplete(section, content string, tokens int) error
}

type stepEmitter struct {
	ctx    context.Context
	exec   *Executor
	lease  *task.Lease
	taskID string
	node   string

	mu      sync.Mutex
	percent float64
	sealed  bool
}

// newStepEmitter starts the progress floor at floor, which is non-zero when a
// suspended step is re-invoked.
func newStepEmitter(ctx context.Context, exec *Executor, lease *task.Lease, taskID, node string, floor float64) *stepEmitter {
	return &stepEmitter{ctx: ctx, exec: exec, lease: lease, taskID: taskID, node: node, percent: clampProgress(floor, 0)}
}

func (e *stepEmitter) floor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.percent
}

// seal drops every later emit.
func (e *stepEmitter) seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
}

func (e *stepEmitter) emit(p event.Payload) error {
	if e.sealed || e.lease.Canceled() {
		return nil
	}
	_, err := e.exec.bus.Append(e.ctx, event.New(e.taskID, e.node, p))
	if errors.Is(err, event.ErrTaskFinished) {
		return nil
	}
	return err
}

func (e *stepEmitter) Progress(percent float64, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	percent = clampProgress(percent, e.percent)
	e.percent = percent
	return e.emit(event.StepProgress{Percent: percent, Message: message})
}

func (e *stepEmitter) ToolCall(tool string, arguments json.RawMessage) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	callID := uuid.New().String()
	return callID, e.emit(event.ToolCall{CallID: callID, Tool: tool, Arguments: arguments})
}

func (e *stepEmitter) ToolResult(callID, tool string, result json.RawMessage, isError bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emit(event.ToolResult{CallID: callID, Tool: tool, Result: result, IsError: isError})
}

func (e *stepEmitter) ContentChunk(section, delta string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emit(event.ContentChunk{Section: section, Delta: delta})
}

func (e *stepEmitter) ContentComplete(section, content string, tokens int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emit(event.ContentComplete{Section: section, Content: content, Tokens: tokens})
}

// clampProgress keeps p within [floor,100] and floor within [0,100].
func clampProgress(p, floor float64) float64 {
	if math.IsNaN(p) {
		p = floor
	}
	if p > 100 {
		p = 100
	}
	if p < floor {
		p = floor
	}
	if p < 0 {
		p = 0
	}
	return p
}
