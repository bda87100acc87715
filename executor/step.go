package executor

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

// Input is what a step sees.
type Input struct {
	TaskID       string
	Topic        string
	Mode         task.Mode
	ReportConfig json.RawMessage
	// Outputs holds the results of every completed earlier node.
	Outputs map[string]json.RawMessage
	// Resume is set when the step is re-invoked after its interrupt was
	// resolved.
	Resume *ResumeInput
}

// Output returns the output of an earlier node, or nil.
func (in Input) Output(node string) json.RawMessage {
	return in.Outputs[node]
}

// ResumeInput carries the human decision back into a suspended step.
type ResumeInput struct {
	InterruptID string
	Resolution  types.Resolution
	// Proposal is what the human reviewed.
	Proposal json.RawMessage
}

// InterruptSpec describes a pause requested by a step.
type InterruptSpec struct {
	Config   types.ResolutionConfig
	Proposal json.RawMessage
	Message  string
	// Timeout fails the task if nobody resolves in time. Zero uses the
	// executor default; negative disables it.
	Timeout time.Duration
	// Guided marks a pause that guided mode keeps. Interactive mode keeps
	// every pause and copilot mode none.
	Guided bool
}

type resultKind int

const (
	resultNone resultKind = iota
	resultContinue
	resultSuspend
)

// Result is the tagged outcome of a step. Build it with Continue or Suspend.
type Result struct {
	kind      resultKind
	output    json.RawMessage
	interrupt InterruptSpec
	// progress 是挂起时该步骤已上报的进度，恢复后作为下限
	progress float64
}

// Continue completes the step with output.
func Continue(output json.RawMessage) Result {
	return Result{kind: resultContinue, output: output}
}

// ContinueWith marshals v as the step output.
func ContinueWith(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Continue(data), nil
}

// Suspend pauses the step until a human resolves the interrupt.
func Suspend(spec InterruptSpec) Result {
	return Result{kind: resultSuspend, interrupt: spec}
}

// Suspended reports whether the step asked to pause.
func (r Result) Suspended() bool { return r.kind == resultSuspend }

// Output returns the output of a Continue result.
func (r Result) Output() json.RawMessage { return r.output }

// Interrupt returns the InterruptSpec of a Suspend result.
func (r Result) Interrupt() InterruptSpec { return r.interrupt }

func (r Result) valid() bool { return r.kind != resultNone }

// pauses reports whether mode keeps the requested interrupt.
func pauses(mode task.Mode, spec InterruptSpec) bool {
	switch mode {
	case task.ModeInteractive:
		return true
	case task.ModeGuided:
		return spec.Guided
	default:
		return false
	}
}
