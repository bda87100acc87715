// Package tokencount 统计内容 token 数，用于 content_complete 事件。
package tokencount

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Counter counts tokens in generated text.
type Counter interface {
	Count(text string) int
	Name() string
}

// modelEncodings 将模型名称映射到 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"o1":                     "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// EncodingFor returns the tiktoken encoding for a model. Unknown models fall
// back to the longest matching prefix, then cl100k_base.
func EncodingFor(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	best, enc := 0, defaultEncoding
	for prefix, e := range modelEncodings {
		if len(prefix) > best && strings.HasPrefix(model, prefix) {
			best, enc = len(prefix), e
		}
	}
	return enc
}

// Tiktoken counts with a BPE encoding. The encoding is loaded on first use
// (tiktoken-go may download it); if loading fails every count falls back to
// Estimate.
type Tiktoken struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTiktoken creates a counter for model.
func NewTiktoken(model string, logger *zap.Logger) *Tiktoken {
	return newTiktoken(EncodingFor(model), logger)
}

func newTiktoken(encoding string, logger *zap.Logger) *Tiktoken {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiktoken{
		encoding: encoding,
		logger:   logger.With(zap.String("component", "tokencount"), zap.String("encoding", encoding)),
	}
}

// init lazily 初始化编码
func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, using estimate", zap.Error(t.initErr))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Ready reports whether the BPE encoding loaded.
func (t *Tiktoken) Ready() bool {
	return t.init() == nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string {
	if t.init() != nil {
		return "estimate"
	}
	return "tiktoken/" + t.encoding
}

// Estimator counts by character class only.
type Estimator struct{}

func (Estimator) Count(text string) int { return Estimate(text) }

func (Estimator) Name() string { return "estimate" }

// Estimate approximates the token count of text: CJK runs about 1.5 runes
// per token, everything else about 4. Non-empty text is at least 1 token.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified Ideographs
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x20000 && r <= 0x2A6DF) || // CJK Extension B
		(r >= 0xF900 && r <= 0xFAFF) || // CJK Compatibility Ideographs
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols and Punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // Halfwidth and Fullwidth Forms
}
