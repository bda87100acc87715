package research

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/executor"
	"github.com/BaSui01/taskflow/internal/tokencount"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

// Node names.
const (
	StepPlan     = "plan"
	StepGather   = "gather"
	StepOutline  = "outline"
	StepWrite    = "write"
	StepReview   = "review"
	StepFinalize = "finalize"
)

// Plan is the output of the plan step.
type Plan struct {
	Topic    string   `json:"topic"`
	Sections []string `json:"sections"`
	Depth    int      `json:"depth"`
	Audience string   `json:"audience"`
}

// Outline is the proposal a human reviews before writing starts.
type Outline struct {
	Title    string           `json:"title"`
	Sections []OutlineSection `json:"sections"`
}

type OutlineSection struct {
	Heading string   `json:"heading"`
	Points  []string `json:"points"`
}

// Draft is the output of the write step.
type Draft struct {
	Title    string         `json:"title"`
	Sections []SectionDraft `json:"sections"`
	Tokens   int            `json:"tokens"`
}

type SectionDraft struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// Report is the final output of a research task.
type Report struct {
	Topic    string         `json:"topic"`
	Title    string         `json:"title"`
	Sections []SectionDraft `json:"sections"`
	Tokens   int            `json:"tokens"`
	Sources  []string       `json:"sources"`
	Feedback string         `json:"feedback,omitempty"`
}

// Workflow builds the research step graph.
//
// plan -> gather(sources in parallel) -> outline* -> write -> review* -> finalize
//
// outline pauses in interactive and guided mode, review only in interactive
// mode, copilot runs straight through.
type Workflow struct {
	config  Config
	sources []Source
	counter tokencount.Counter
	logger  *zap.Logger
	graph   *executor.Graph
}

// New creates the workflow. Nil sources builds a SyntheticSource per
// config.Sources; a nil counter uses tiktoken for config.Model.
func New(config Config, sources []Source, counter tokencount.Counter, logger *zap.Logger) (*Workflow, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "research_workflow"))
	if config.ChunkWords <= 0 {
		config.ChunkWords = DefaultConfig().ChunkWords
	}
	if sources == nil {
		names := config.Sources
		if len(names) == 0 {
			names = DefaultConfig().Sources
		}
		for _, n := range names {
			sources = append(sources, NewSyntheticSource(n, config.StepDelay))
		}
	}
	if counter == nil {
		counter = tokencount.NewTiktoken(config.Model, logger)
	}

	w := &Workflow{config: config, sources: sources, counter: counter, logger: logger}
	graph, err := w.build()
	if err != nil {
		return nil, err
	}
	w.graph = graph
	return w, nil
}

// Graph returns the step graph.
func (w *Workflow) Graph() *executor.Graph { return w.graph }

// Graphs adapts the workflow to the executor's graph lookup. Every mode uses
// the same graph; the mode decides which interrupts pause.
func (w *Workflow) Graphs() executor.GraphFunc {
	return func(*task.Task) (*executor.Graph, error) {
		return w.graph, nil
	}
}

func (w *Workflow) build() (*executor.Graph, error) {
	gather := make([]executor.Step, 0, len(w.sources))
	for _, src := range w.sources {
		gather = append(gather, executor.Step{Name: src.Name(), Run: w.gatherFrom(src)})
	}
	return executor.NewGraphBuilder("research").
		Step(StepPlan, w.plan).
		Parallel(StepGather, nil, gather...).
		Step(StepOutline, w.outline).
		Step(StepWrite, w.write).
		Step(StepReview, w.review).
		Step(StepFinalize, w.finalize).
		Build()
}

func (w *Workflow) plan(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
	rc, err := ParseReportConfig(in.ReportConfig)
	if err != nil {
		return executor.Result{}, err
	}
	if err := em.Progress(50, "report config parsed"); err != nil {
		return executor.Result{}, err
	}
	if err := sleep(ctx, w.config.StepDelay); err != nil {
		return executor.Result{}, err
	}
	if err := em.Progress(100, fmt.Sprintf("%d sections planned", len(rc.Sections))); err != nil {
		return executor.Result{}, err
	}
	return executor.ContinueWith(Plan{Topic: in.Topic, Sections: rc.Sections, Depth: rc.Depth, Audience: rc.Audience})
}

func (w *Workflow) gatherFrom(src Source) executor.StepFunc {
	return func(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
		var p Plan
		if err := decode(in.Output(StepPlan), &p); err != nil {
			return executor.Result{}, err
		}
		tool := "search_" + src.Name()
		args, _ := json.Marshal(map[string]any{"query": p.Topic, "limit": p.Depth})
		callID, err := em.ToolCall(tool, args)
		if err != nil {
			return executor.Result{}, err
		}

		found, err := src.Search(ctx, p.Topic, p.Depth)
		if err != nil {
			msg, _ := json.Marshal(map[string]string{"error": err.Error()})
			_ = em.ToolResult(callID, tool, msg, true)
			return executor.Result{}, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		result, err := json.Marshal(found)
		if err != nil {
			return executor.Result{}, err
		}
		if err := em.ToolResult(callID, tool, result, false); err != nil {
			return executor.Result{}, err
		}
		return executor.Continue(result), nil
	}
}

func (w *Workflow) outline(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
	if in.Resume != nil {
		res := in.Resume.Resolution
		raw := in.Resume.Proposal
		if res.Kind == types.ResolutionEdit {
			raw = res.Payload
		}
		var o Outline
		if err := json.Unmarshal(raw, &o); err != nil {
			return executor.Result{}, fmt.Errorf("decode outline: %w", err)
		}
		if err := o.validate(); err != nil {
			return executor.Result{}, err
		}
		return executor.ContinueWith(o)
	}

	var p Plan
	if err := decode(in.Output(StepPlan), &p); err != nil {
		return executor.Result{}, err
	}
	findings, err := gathered(in.Output(StepGather))
	if err != nil {
		return executor.Result{}, err
	}
	proposal, err := json.Marshal(draftOutline(p, findings))
	if err != nil {
		return executor.Result{}, err
	}
	if err := em.Progress(100, "outline ready for review"); err != nil {
		return executor.Result{}, err
	}
	return executor.Suspend(executor.InterruptSpec{
		Config:   types.ResolutionAcceptOrEdit,
		Proposal: proposal,
		Message:  "Review the report outline. Accept it or send an edited outline.",
		Timeout:  w.config.ReviewTimeout,
		Guided:   true,
	}), nil
}

func (w *Workflow) write(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
	var o Outline
	if err := decode(in.Output(StepOutline), &o); err != nil {
		return executor.Result{}, err
	}
	var p Plan
	if err := decode(in.Output(StepPlan), &p); err != nil {
		return executor.Result{}, err
	}

	d := Draft{Title: o.Title}
	for i, sec := range o.Sections {
		content := compose(p, sec)
		for _, chunk := range chunks(content, w.config.ChunkWords) {
			if err := sleep(ctx, w.config.StepDelay); err != nil {
				return executor.Result{}, err
			}
			if err := em.ContentChunk(sec.Heading, chunk); err != nil {
				return executor.Result{}, err
			}
		}
		tokens := w.counter.Count(content)
		if err := em.ContentComplete(sec.Heading, content, tokens); err != nil {
			return executor.Result{}, err
		}
		d.Sections = append(d.Sections, SectionDraft{Heading: sec.Heading, Content: content, Tokens: tokens})
		d.Tokens += tokens
		percent := float64(i+1) * 100 / float64(len(o.Sections))
		if err := em.Progress(percent, "wrote "+sec.Heading); err != nil {
			return executor.Result{}, err
		}
	}
	return executor.ContinueWith(d)
}

func (w *Workflow) review(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
	if in.Resume != nil {
		feedback := ""
		if in.Resume.Resolution.Kind == types.ResolutionRespond {
			feedback = in.Resume.Resolution.Text
		}
		return executor.ContinueWith(map[string]string{"feedback": feedback})
	}

	var d Draft
	if err := decode(in.Output(StepWrite), &d); err != nil {
		return executor.Result{}, err
	}
	headings := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		headings[i] = s.Heading
	}
	proposal, err := json.Marshal(map[string]any{"title": d.Title, "sections": headings, "tokens": d.Tokens})
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Suspend(executor.InterruptSpec{
		Config:   types.ResolutionFreeTextRespond,
		Proposal: proposal,
		Message:  "The draft is complete. Accept it or leave a note for the final report.",
		Timeout:  w.config.ReviewTimeout,
	}), nil
}

func (w *Workflow) finalize(ctx context.Context, in executor.Input, em executor.Emitter) (executor.Result, error) {
	var p Plan
	if err := decode(in.Output(StepPlan), &p); err != nil {
		return executor.Result{}, err
	}
	var d Draft
	if err := decode(in.Output(StepWrite), &d); err != nil {
		return executor.Result{}, err
	}
	var rv struct {
		Feedback string `json:"feedback"`
	}
	if err := decode(in.Output(StepReview), &rv); err != nil {
		return executor.Result{}, err
	}

	sources := make([]string, 0, len(w.sources))
	for _, s := range w.sources {
		sources = append(sources, s.Name())
	}
	sort.Strings(sources)
	if err := em.Progress(100, "report assembled"); err != nil {
		return executor.Result{}, err
	}
	return executor.ContinueWith(Report{
		Topic:    p.Topic,
		Title:    d.Title,
		Sections: d.Sections,
		Tokens:   d.Tokens,
		Sources:  sources,
		Feedback: rv.Feedback,
	})
}

func (o Outline) validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return types.NewStepExecutionError(executor.ErrorTypeInvalidOutput, "edited outline has no title", nil)
	}
	if len(o.Sections) == 0 {
		return types.NewStepExecutionError(executor.ErrorTypeInvalidOutput, "edited outline has no sections", nil)
	}
	for _, s := range o.Sections {
		if strings.TrimSpace(s.Heading) == "" {
			return types.NewStepExecutionError(executor.ErrorTypeInvalidOutput, "edited outline has an empty heading", nil)
		}
	}
	return nil
}

// gathered flattens the combined gather output, ordered by source name.
func gathered(raw json.RawMessage) ([]Finding, error) {
	var bySource map[string][]Finding
	if err := decode(raw, &bySource); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(bySource))
	for n := range bySource {
		names = append(names, n)
	}
	sort.Strings(names)
	var out []Finding
	for _, n := range names {
		out = append(out, bySource[n]...)
	}
	return out, nil
}

// draftOutline deals findings round-robin into the planned sections.
func draftOutline(p Plan, findings []Finding) Outline {
	o := Outline{Title: fmt.Sprintf("Research report: %s", p.Topic)}
	o.Sections = make([]OutlineSection, len(p.Sections))
	for i, s := range p.Sections {
		o.Sections[i].Heading = s
	}
	for i, f := range findings {
		sec := &o.Sections[i%len(o.Sections)]
		sec.Points = append(sec.Points, f.Title)
	}
	return o
}

func compose(p Plan, sec OutlineSection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This section covers %s of %s for a %s audience.", sec.Heading, p.Topic, p.Audience)
	for _, pt := range sec.Points {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(pt, "."))
	}
	return b.String()
}

// chunks splits text into deltas of n words. Joining them restores text.
func chunks(text string, n int) []string {
	words := strings.SplitAfter(text, " ")
	var out []string
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[i:end], ""))
	}
	return out
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return types.NewStepExecutionError(executor.ErrorTypeInternal, "missing output of an earlier step", nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode step output: %w", err)
	}
	return nil
}
