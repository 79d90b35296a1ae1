package resourceguard

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fatihaltiok/timus/internal/observability"
	"github.com/rs/zerolog/log"
)

// headTailLines is how many lines Compress keeps from each end of long text.
const headTailLines = 25

const truncationMarker = "\n[truncated]"

var (
	blankLineRun = regexp.MustCompile(`\n{3,}`)
	spaceRun     = regexp.MustCompile(`[ \t]{2,}`)
	codeBlock    = regexp.MustCompile("(?s)```[^\n]*\n(.*?)```")
)

// ShouldCompress reports whether text exceeds the compression threshold.
func (g *Guard) ShouldCompress(text string) bool {
	return g.EstimateTokens(text) > g.cfg.CompressThreshold
}

// Compress shrinks text toward targetTokens. Text already within the target is returned
// unchanged; targetTokens <= 0 uses the compression threshold.
func (g *Guard) Compress(text string, targetTokens int) string {
	if text == "" {
		return ""
	}
	if targetTokens <= 0 {
		targetTokens = g.cfg.CompressThreshold
	}

	before := g.EstimateTokens(text)
	if before <= targetTokens {
		return text
	}

	out := blankLineRun.ReplaceAllString(text, "\n\n")
	out = spaceRun.ReplaceAllString(out, " ")
	out = elideCodeBlocks(out, g.cfg.CodeBlockMaxLines)
	out = keepHeadTail(out, headTailLines)
	out = truncateRunes(out, targetTokens*4)

	g.mu.Lock()
	g.compressions++
	g.tokensSeen += before
	g.mu.Unlock()
	observability.RecordGuardCompression()

	log.Debug().
		Int("before", before).
		Int("after", g.EstimateTokens(out)).
		Int("target", targetTokens).
		Msg("Text compressed")

	return out
}

func elideCodeBlocks(text string, maxLines int) string {
	return codeBlock.ReplaceAllStringFunc(text, func(block string) string {
		m := codeBlock.FindStringSubmatch(block)
		if len(m) < 2 {
			return block
		}
		lines := strings.Count(strings.TrimSuffix(m[1], "\n"), "\n") + 1
		if lines <= maxLines {
			return block
		}
		return fmt.Sprintf("[code block elided: %d lines]", lines)
	})
}

func keepHeadTail(text string, keep int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= keep*2 {
		return text
	}

	omitted := len(lines) - keep*2
	out := make([]string, 0, keep*2+1)
	out = append(out, lines[:keep]...)
	out = append(out, fmt.Sprintf("[... %d lines omitted ...]", omitted))
	out = append(out, lines[len(lines)-keep:]...)
	return strings.Join(out, "\n")
}

func truncateRunes(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}

	limit := maxRunes - utf8.RuneCountInString(truncationMarker)
	if limit <= 0 {
		// No room for the marker.
		return string(runes[:maxRunes])
	}
	return string(runes[:limit]) + truncationMarker
}
