package resourceguard

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	return strings.Join(lines, "\n")
}

func TestCompress_ShortTextUnchanged(t *testing.T) {
	g := New(DefaultConfig(), nil)

	text := "already   short\n\n\n\ntext"
	assert.Equal(t, text, g.Compress(text, 100))
	assert.Equal(t, text, g.Compress(g.Compress(text, 100), 100))
	assert.Equal(t, 0, g.Report().Compressions)
}

func TestCompress_Empty(t *testing.T) {
	g := New(DefaultConfig(), nil)
	assert.Equal(t, "", g.Compress("", 10))
	assert.Equal(t, "", g.Compress("", 0))
}

func TestCompress_KeepsHeadAndTail(t *testing.T) {
	g := New(DefaultConfig(), nil)

	out := g.Compress(numberedLines(200), 300)

	assert.Contains(t, out, "line 0\n")
	assert.Contains(t, out, "line 24\n")
	assert.Contains(t, out, "[... 150 lines omitted ...]")
	assert.Contains(t, out, "line 175")
	assert.Contains(t, out, "line 199")
	assert.NotContains(t, out, "line 100")
	assert.Equal(t, 1, g.Report().Compressions)
}

func TestCompress_TruncatesToTarget(t *testing.T) {
	g := New(DefaultConfig(), nil)

	out := g.Compress(strings.Repeat("word ", 2000), 50)

	assert.LessOrEqual(t, utf8.RuneCountInString(out), 200)
	assert.True(t, strings.HasSuffix(out, "[truncated]"))
}

func TestCompress_CollapsesWhitespace(t *testing.T) {
	g := New(DefaultConfig(), nil)

	text := "a\n\n\n\n\nb" + strings.Repeat(" ", 50) + "c"
	out := g.Compress(text, 2)

	assert.NotContains(t, out, "\n\n\n")
	assert.NotContains(t, out, "  ")
}

func TestShouldCompress(t *testing.T) {
	g := New(Config{CompressThreshold: 10}, nil)

	assert.False(t, g.ShouldCompress(strings.Repeat("a", 40)))
	assert.True(t, g.ShouldCompress(strings.Repeat("a", 41)))
}

func TestElideCodeBlocks(t *testing.T) {
	long := "```go\n" + numberedLines(30) + "\n```"
	short := "```\nfmt.Println(1)\n```"

	out := elideCodeBlocks("before\n"+long+"\nmiddle\n"+short+"\nafter", 20)

	assert.Contains(t, out, "[code block elided: 30 lines]")
	assert.Contains(t, out, short)
	assert.Contains(t, out, "before")
	assert.Contains(t, out, "after")
	assert.NotContains(t, out, "line 15")
}

func TestKeepHeadTail(t *testing.T) {
	assert.Equal(t, numberedLines(50), keepHeadTail(numberedLines(50), 25))

	out := keepHeadTail(numberedLines(51), 25)
	assert.Contains(t, out, "[... 1 lines omitted ...]")
	assert.Len(t, strings.Split(out, "\n"), 51)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 3))

	out := truncateRunes(strings.Repeat("ü", 100), 20)
	assert.Equal(t, 20, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, truncationMarker))

	// Too small for the marker: the budget wins.
	out = truncateRunes(strings.Repeat("x", 100), 5)
	assert.Equal(t, "xxxxx", out)
}

func TestCompress_TinyTarget(t *testing.T) {
	g := New(DefaultConfig(), nil)

	out := g.Compress(strings.Repeat("a", 450), 2)
	assert.LessOrEqual(t, EstimateTokens(out), 2)
	assert.NotEmpty(t, out)
}
