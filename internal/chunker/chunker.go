// Package chunker 把文档文本切分为带重叠的定长窗口。
//
// 长度以字符（rune）计。相邻两块共享 overlap 个字符：第 i 块从第 i-1 块结束位置前
// overlap 个字符处开始，因此去掉每块开头的重叠部分后按顺序拼接即可还原原文。
package chunker

import (
	"strings"
	"unicode"

	"docuvector-go/pkg/errs"
)

const (
	// DefaultChunkSize 每块的最大字符数。
	DefaultChunkSize = 1000
	// DefaultChunkOverlap 相邻块之间重叠的字符数。
	DefaultChunkOverlap = 200
)

// Chunk 是文档文本中的一个窗口。
type Chunk struct {
	Position int    // 从 0 开始的序号
	Offset   int    // 在原文中的起始字符偏移
	Text     string // 未做任何裁剪的原文片段
}

// Chunker 按段落、句子、单词的优先级寻找切分点，找不到时在最大长度处硬切。
type Chunker struct {
	size    int
	overlap int
}

// Option 配置 Chunker。
type Option func(*Chunker)

// WithChunkSize 设置每块的最大字符数。
func WithChunkSize(size int) Option {
	return func(c *Chunker) { c.size = size }
}

// WithOverlap 设置相邻块的重叠字符数。
func WithOverlap(overlap int) Option {
	return func(c *Chunker) { c.overlap = overlap }
}

// New 创建一个 Chunker，要求 0 <= overlap < size。
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{size: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(c)
	}
	if c.size <= 0 {
		return nil, errs.Errorf(errs.Configuration, "chunker.new", "chunk size must be positive, got %d", c.size)
	}
	if c.overlap < 0 || c.overlap >= c.size {
		return nil, errs.Errorf(errs.Configuration, "chunker.new", "overlap must satisfy 0 <= overlap < size, got overlap=%d size=%d", c.overlap, c.size)
	}
	return c, nil
}

// Size 返回最大块长度。
func (c *Chunker) Size() int { return c.size }

// Overlap 返回重叠长度。
func (c *Chunker) Overlap() int { return c.overlap }

// Split 切分文本。空文本或只含空白的文本返回 InvalidInput 错误。
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Errorf(errs.InvalidInput, "chunker.split", "document text is empty")
	}

	runes := []rune(text)
	n := len(runes)
	var chunks []Chunk
	start := 0
	for {
		if n-start <= c.size {
			chunks = append(chunks, Chunk{Position: len(chunks), Offset: start, Text: string(runes[start:])})
			return chunks, nil
		}
		end := c.boundary(runes, start)
		chunks = append(chunks, Chunk{Position: len(chunks), Offset: start, Text: string(runes[start:end])})
		start = end - c.overlap
	}
}

// boundary 返回 [start, end) 的结束位置。候选范围是 (start+overlap, start+size]，
// 且不早于半个窗口，保证每一轮至少前进一个字符。
func (c *Chunker) boundary(runes []rune, start int) int {
	limit := start + c.size
	floor := start + c.overlap + 1
	if half := start + c.size/2; half > floor {
		floor = half
	}

	for _, match := range []func([]rune, int) bool{isParagraphEnd, isLineEnd, isSentenceEnd, isWordEnd} {
		for end := limit; end >= floor; end-- {
			if match(runes, end) {
				return end
			}
		}
	}
	return limit
}

func isParagraphEnd(r []rune, end int) bool {
	return end >= 2 && r[end-1] == '\n' && r[end-2] == '\n'
}

func isLineEnd(r []rune, end int) bool {
	return r[end-1] == '\n'
}

func isSentenceEnd(r []rune, end int) bool {
	switch r[end-1] {
	case '。', '！', '？':
		return true
	}
	if end < 2 || !unicode.IsSpace(r[end-1]) {
		return false
	}
	switch r[end-2] {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isWordEnd(r []rune, end int) bool {
	return unicode.IsSpace(r[end-1])
}

// Join 是 Split 的逆操作：去掉每块开头的重叠部分后拼接。
func Join(chunks []Chunk, overlap int) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i == 0 {
			b.WriteString(ch.Text)
			continue
		}
		runes := []rune(ch.Text)
		if overlap < len(runes) {
			b.WriteString(string(runes[overlap:]))
		}
	}
	return b.String()
}
