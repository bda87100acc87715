package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEncodingFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini-2024-07-18", "o200k_base"},
		{"gpt-4-0613", "cl100k_base"},
		{"claude-3", "cl100k_base"},
		{"", "cl100k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodingFor(tt.model))
		})
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Estimate(""))
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 2, Estimate("abcdefgh"))
	assert.Equal(t, 2, Estimate("你好世"))
	assert.Equal(t, 25, Estimate(strings.Repeat("word", 25)))
	assert.Equal(t, Estimate("abc"), Estimator{}.Count("abc"))
}

func TestTiktoken_FallsBackWhenEncodingMissing(t *testing.T) {
	t.Parallel()

	c := newTiktoken("no_such_encoding", zap.NewNop())
	assert.False(t, c.Ready())
	assert.Equal(t, "estimate", c.Name())
	assert.Equal(t, Estimate("hello tokens"), c.Count("hello tokens"))
	assert.Equal(t, 0, c.Count(""))
}

func TestTiktoken_CountsWithEncoding(t *testing.T) {
	t.Parallel()

	c := NewTiktoken("gpt-4", nil)
	if !c.Ready() {
		t.Skip("cl100k_base not available offline")
	}
	assert.Equal(t, "tiktoken/cl100k_base", c.Name())
	assert.Equal(t, 2, c.Count("hello world"))
}
