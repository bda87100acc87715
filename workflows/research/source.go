package research

import (
	"context"
	"fmt"
	"time"
)

// Finding is one gathered fact.
type Finding struct {
	Source  string `json:"source"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Source answers search queries for one gather branch.
type Source interface {
	Name() string
	Search(ctx context.Context, topic string, limit int) ([]Finding, error)
}

// SyntheticSource fabricates deterministic findings. It stands in for a real
// search backend in the demo workflow.
type SyntheticSource struct {
	name  string
	delay time.Duration
}

// NewSyntheticSource creates a source that waits delay per finding.
func NewSyntheticSource(name string, delay time.Duration) *SyntheticSource {
	return &SyntheticSource{name: name, delay: delay}
}

func (s *SyntheticSource) Name() string { return s.name }

func (s *SyntheticSource) Search(ctx context.Context, topic string, limit int) ([]Finding, error) {
	out := make([]Finding, 0, limit)
	for i := 1; i <= limit; i++ {
		if err := sleep(ctx, s.delay); err != nil {
			return nil, err
		}
		out = append(out, Finding{
			Source:  s.name,
			Title:   fmt.Sprintf("%s result %d for %s", s.name, i, topic),
			Summary: fmt.Sprintf("Evidence %d from %s indicates that %s matters to practitioners.", i, s.name, topic),
		})
	}
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
