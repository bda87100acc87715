package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/types"
)

// Type is the closed set of event types.
type Type string

const (
	TypeStepStart         Type = "step_start"
	TypeStepProgress      Type = "step_progress"
	TypeStepComplete      Type = "step_complete"
	TypeToolCall          Type = "tool_call"
	TypeToolResult        Type = "tool_result"
	TypeContentChunk      Type = "content_chunk"
	TypeContentComplete   Type = "content_complete"
	TypeInterruptRequest  Type = "interrupt_request"
	TypeInterruptResolved Type = "interrupt_resolved"
	TypeFinalResult       Type = "final_result"
	TypeError             Type = "error"
)

// Terminal reports whether no event may follow this one.
func (t Type) Terminal() bool {
	return t == TypeFinalResult || t == TypeError
}

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Event is an immutable record of task progress: a fixed header, exactly one
// payload variant matching Type, and Ext for forward-compatible additions.
type Event struct {
	TaskID    string
	Seq       int64
	Type      Type
	Node      string
	Timestamp time.Time
	Payload   Payload
	Ext       map[string]any
}

// Payload is implemented only by the payload variants in this package.
type Payload interface {
	EventType() Type
}

// New builds an unsequenced event whose Type follows the payload.
func New(taskID, node string, p Payload) Event {
	return Event{TaskID: taskID, Type: p.EventType(), Node: node, Payload: p}
}

// Validate checks header and payload consistency.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return types.NewValidationError("event task_id is required")
	}
	if !e.Type.Valid() {
		return types.NewValidationError(fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Payload == nil {
		return types.NewValidationError(fmt.Sprintf("event %s has no payload", e.Type))
	}
	if e.Payload.EventType() != e.Type {
		return types.NewValidationError(fmt.Sprintf("payload %s does not match event type %s", e.Payload.EventType(), e.Type))
	}
	if p, ok := e.Payload.(StepProgress); ok && (p.Percent < 0 || p.Percent > 100) {
		return types.NewValidationError(fmt.Sprintf("progress %v outside [0,100]", p.Percent))
	}
	return nil
}

// =============================================================================
// Payload variants
// =============================================================================

// StepStart is emitted before a step's logic runs.
type StepStart struct {
	Step  string `json:"step"`
	Index int    `json:"index"`
}

// StepProgress reports a non-decreasing completion percentage within a step.
type StepProgress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// StepComplete is emitted after a step's output is checkpointed.
type StepComplete struct {
	Step      string `json:"step"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type ToolCall struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type ToolResult struct {
	CallID  string          `json:"call_id"`
	Tool    string          `json:"tool"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type ContentChunk struct {
	Section string `json:"section"`
	Delta   string `json:"delta"`
}

type ContentComplete struct {
	Section string `json:"section"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}

// InterruptRequest announces a pause awaiting a human resolution. It is only
// emitted after the checkpoint holding the paused state is durable.
type InterruptRequest struct {
	InterruptID string                 `json:"interrupt_id"`
	Step        string                 `json:"step"`
	Config      types.ResolutionConfig `json:"config"`
	Proposal    json.RawMessage        `json:"proposal,omitempty"`
	Message     string                 `json:"message,omitempty"`
	TimeoutMS   int64                  `json:"timeout_ms,omitempty"`
}

type InterruptResolved struct {
	InterruptID string           `json:"interrupt_id"`
	Resolution  types.Resolution `json:"resolution"`
}

// FinalResult ends a task that completed or was canceled.
type FinalResult struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// Error ends a failed task.
type Error struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (StepStart) EventType() Type         { return TypeStepStart }
func (StepProgress) EventType() Type      { return TypeStepProgress }
func (StepComplete) EventType() Type      { return TypeStepComplete }
func (ToolCall) EventType() Type          { return TypeToolCall }
func (ToolResult) EventType() Type        { return TypeToolResult }
func (ContentChunk) EventType() Type      { return TypeContentChunk }
func (ContentComplete) EventType() Type   { return TypeContentComplete }
func (InterruptRequest) EventType() Type  { return TypeInterruptRequest }
func (InterruptResolved) EventType() Type { return TypeInterruptResolved }
func (FinalResult) EventType() Type       { return TypeFinalResult }
func (Error) EventType() Type             { return TypeError }

var payloadFactories = map[Type]func() Payload{
	TypeStepStart:         func() Payload { return &StepStart{} },
	TypeStepProgress:      func() Payload { return &StepProgress{} },
	TypeStepComplete:      func() Payload { return &StepComplete{} },
	TypeToolCall:          func() Payload { return &ToolCall{} },
	TypeToolResult:        func() Payload { return &ToolResult{} },
	TypeContentChunk:      func() Payload { return &ContentChunk{} },
	TypeContentComplete:   func() Payload { return &ContentComplete{} },
	TypeInterruptRequest:  func() Payload { return &InterruptRequest{} },
	TypeInterruptResolved: func() Payload { return &InterruptResolved{} },
	TypeFinalResult:       func() Payload { return &FinalResult{} },
	TypeError:             func() Payload { return &Error{} },
}

// =============================================================================
// JSON
// =============================================================================

type wireEvent struct {
	TaskID    string          `json:"task_id"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Node      string          `json:"node,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Ext       map[string]any  `json:"ext,omitempty"`
}

// MarshalJSON encodes the header plus the payload variant.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{
		TaskID:    e.TaskID,
		Seq:       e.Seq,
		Type:      e.Type,
		Node:      e.Node,
		Timestamp: e.Timestamp,
		Payload:   payload,
		Ext:       e.Ext,
	})
}

// UnmarshalJSON decodes the payload into the variant selected by type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	factory, ok := payloadFactories[w.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	ptr := factory()
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, ptr); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", w.Type, err)
		}
	}

	*e = Event{
		TaskID:    w.TaskID,
		Seq:       w.Seq,
		Type:      w.Type,
		Node:      w.Node,
		Timestamp: w.Timestamp,
		Payload:   deref(ptr),
		Ext:       w.Ext,
	}
	return nil
}

// deref turns the pointer produced by a factory back into the value variant
// so that type switches on Payload see the same types New was given.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StepStart:
		return *v
	case *StepProgress:
		return *v
	case *StepComplete:
		return *v
	case *ToolCall:
		return *v
	case *ToolResult:
		return *v
	case *ContentChunk:
		return *v
	case *ContentComplete:
		return *v
	case *InterruptRequest:
		return *v
	case *InterruptResolved:
		return *v
	case *FinalResult:
		return *v
	case *Error:
		return *v
	}
	return p
}
