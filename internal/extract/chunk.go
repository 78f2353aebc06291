package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/sitemill/sitemill/internal/domain"
	"github.com/sitemill/sitemill/internal/provider"
)

// Chunks splits a document's text into ordered chunks that each fit the
// per-request token budget. Splitting prefers paragraph boundaries, then
// lines, then hard cuts for a single oversized block. Chunk IDs number the
// pieces in document order so re-runs produce stable names.
func Chunks(document, text string, maxTokens int) []domain.Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	maxChars := maxTokens * 4
	if maxChars <= 0 {
		maxChars = len(text)
	}

	var pieces []string
	for _, block := range splitBlocks(text) {
		if len(block) <= maxChars {
			pieces = appendPacked(pieces, block, maxChars)
			continue
		}
		pieces = append(pieces, hardCut(block, maxChars)...)
	}

	chunks := make([]domain.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, domain.Chunk{
			Document: document,
			ID:       i,
			Text:     piece,
		})
	}
	return chunks
}

// splitBlocks breaks text on blank lines, falling back to single lines.
func splitBlocks(text string) []string {
	var blocks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			blocks = append(blocks, para)
		}
	}
	return blocks
}

// appendPacked merges block into the last piece when both fit the budget,
// keeping chunks close to full.
func appendPacked(pieces []string, block string, maxChars int) []string {
	if n := len(pieces); n > 0 && len(pieces[n-1])+len(block)+2 <= maxChars {
		pieces[n-1] = pieces[n-1] + "\n\n" + block
		return pieces
	}
	return append(pieces, block)
}

// hardCut slices an oversized block at line boundaries where possible and at
// raw offsets otherwise.
func hardCut(block string, maxChars int) []string {
	var cuts []string
	current := ""

	flush := func() {
		if current != "" {
			cuts = append(cuts, current)
			current = ""
		}
	}

	for _, line := range strings.Split(block, "\n") {
		for len(line) > maxChars {
			flush()
			cut := cutPoint(line, maxChars)
			cuts = append(cuts, line[:cut])
			line = line[cut:]
		}
		if current == "" {
			current = line
		} else if len(current)+len(line)+1 <= maxChars {
			current += "\n" + line
		} else {
			flush()
			current = line
		}
	}
	flush()

	return cuts
}

// cutPoint backs a byte offset off to the nearest rune boundary at or below
// max, so a raw cut never splits a multi-byte rune.
func cutPoint(s string, max int) int {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}

// WithinBudget reports whether a chunk fits the token budget.
func WithinBudget(chunk domain.Chunk, maxTokens int) bool {
	return provider.EstimateTokens(chunk.Text) <= maxTokens
}
