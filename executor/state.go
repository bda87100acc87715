package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/taskflow/types"
)

// State is the workflow-state blob stored in every checkpoint.
type State struct {
	// Cursor is the index of the next node to run.
	Cursor  int                        `json:"cursor"`
	Outputs map[string]json.RawMessage `json:"outputs"`
	// Awaiting is set while the node at Cursor is suspended.
	Awaiting *Awaiting `json:"awaiting,omitempty"`
	// Resume is set once the interrupt is resolved and the node at Cursor is
	// being re-invoked.
	Resume *ResumeState `json:"resume,omitempty"`
}

// Awaiting records a pending interrupt.
type Awaiting struct {
	Step        string                 `json:"step"`
	InterruptID string                 `json:"interrupt_id"`
	Config      types.ResolutionConfig `json:"config"`
	Proposal    json.RawMessage        `json:"proposal,omitempty"`
	Message     string                 `json:"message,omitempty"`
	TimeoutMS   int64                  `json:"timeout_ms,omitempty"`
	RequestedAt time.Time              `json:"requested_at"`
	// Progress is the step's last reported percent before it suspended.
	Progress float64 `json:"progress,omitempty"`
}

// ResumeState records the decision that resumes the node at Cursor.
type ResumeState struct {
	Step        string           `json:"step"`
	InterruptID string           `json:"interrupt_id"`
	Resolution  types.Resolution `json:"resolution"`
	Proposal    json.RawMessage  `json:"proposal,omitempty"`
	// Auto marks an interrupt the mode skipped.
	Auto bool `json:"auto,omitempty"`
	// Progress seeds the re-invoked step's progress floor.
	Progress float64 `json:"progress,omitempty"`
}

// progressFloor returns the percent the re-invoked step must not go below.
func (s *State) progressFloor(step string) float64 {
	if s.Resume != nil && s.Resume.Step == step {
		return s.Resume.Progress
	}
	return 0
}

func newState() *State {
	return &State{Outputs: make(map[string]json.RawMessage)}
}

func (s *State) encode() ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (*State, error) {
	s := newState()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("decode workflow state: %w", err)
	}
	if s.Outputs == nil {
		s.Outputs = make(map[string]json.RawMessage)
	}
	return s, nil
}

func (s *State) input(base Input, step string) Input {
	in := base
	in.Outputs = make(map[string]json.RawMessage, len(s.Outputs))
	for k, v := range s.Outputs {
		in.Outputs[k] = v
	}
	if s.Resume != nil && s.Resume.Step == step {
		in.Resume = &ResumeInput{
			InterruptID: s.Resume.InterruptID,
			Resolution:  s.Resume.Resolution,
			Proposal:    s.Resume.Proposal,
		}
	}
	return in
}
