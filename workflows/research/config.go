package research

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/types"
)

// Config tunes the research workflow.
type Config struct {
	// Sources are the gather branches run in parallel.
	Sources []string `yaml:"sources" env:"SOURCES"`
	// StepDelay paces streamed output so subscribers see it arrive live.
	StepDelay time.Duration `yaml:"step_delay" env:"STEP_DELAY"`
	// ChunkWords is the number of words per content_chunk event.
	ChunkWords int `yaml:"chunk_words" env:"CHUNK_WORDS"`
	// Model selects the token encoding for content_complete totals.
	Model string `yaml:"model" env:"MODEL"`
	// ReviewTimeout bounds each human review. Zero uses the executor default.
	ReviewTimeout time.Duration `yaml:"review_timeout" env:"REVIEW_TIMEOUT"`
}

// DefaultConfig returns the demo settings.
func DefaultConfig() Config {
	return Config{
		Sources:    []string{"web", "papers"},
		StepDelay:  50 * time.Millisecond,
		ChunkWords: 8,
		Model:      "gpt-4o",
	}
}

const (
	maxSections  = 12
	maxDepth     = 10
	defaultDepth = 3
)

var defaultSections = []string{"introduction", "findings", "conclusion"}

// ReportConfig is the per-task report_config object.
type ReportConfig struct {
	Sections []string `json:"sections,omitempty"`
	// Depth is the number of findings requested from each source.
	Depth    int    `json:"depth,omitempty"`
	Audience string `json:"audience,omitempty"`
}

// ParseReportConfig decodes raw and fills defaults. An empty value is valid.
func ParseReportConfig(raw json.RawMessage) (ReportConfig, error) {
	var rc ReportConfig
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &rc); err != nil {
			return rc, types.NewValidationError(fmt.Sprintf("report_config: %v", err))
		}
	}
	if len(rc.Sections) == 0 {
		rc.Sections = append([]string(nil), defaultSections...)
	}
	if len(rc.Sections) > maxSections {
		return rc, types.NewValidationError(fmt.Sprintf("report_config: at most %d sections", maxSections))
	}
	seen := make(map[string]bool, len(rc.Sections))
	for i, s := range rc.Sections {
		s = strings.TrimSpace(s)
		if s == "" {
			return rc, types.NewValidationError("report_config: empty section name")
		}
		if seen[s] {
			return rc, types.NewValidationError(fmt.Sprintf("report_config: duplicate section %q", s))
		}
		seen[s] = true
		rc.Sections[i] = s
	}
	switch {
	case rc.Depth == 0:
		rc.Depth = defaultDepth
	case rc.Depth < 0 || rc.Depth > maxDepth:
		return rc, types.NewValidationError(fmt.Sprintf("report_config: depth must be within 1..%d", maxDepth))
	}
	if rc.Audience == "" {
		rc.Audience = "general"
	}
	return rc, nil
}
