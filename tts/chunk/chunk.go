// Package chunk splits source text into word-bounded, sentence-aligned
// chunks. A chunk is the unit of synthesis and playback: small enough to
// synthesize quickly, large enough to sound natural.
package chunk

import (
	"strings"
	"unicode"
)

// DefaultMaxWords is the chunk size used when no explicit limit is given.
const DefaultMaxWords = 48

// Split divides text into ordered chunks of at most maxWords words each.
// Sentences are the atomic unit: whole sentences are accumulated greedily
// into a chunk until the next sentence would push it past the limit. A
// single sentence longer than maxWords still becomes its own oversized
// chunk rather than being cut mid-sentence. Empty input yields no chunks.
func Split(text string, maxWords int) []string {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}

	units := sentences(text)
	if len(units) == 0 {
		return nil
	}

	var (
		chunks []string
		b      strings.Builder
		words  int
	)
	for _, unit := range units {
		n := len(strings.Fields(unit))
		if words > 0 && words+n > maxWords {
			chunks = append(chunks, b.String())
			b.Reset()
			words = 0
		}
		if words > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(unit)
		words += n
	}
	if words > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// sentences segments text into sentence-like units on terminal punctuation,
// retaining the punctuation with its sentence. Runs of terminal punctuation
// ("?!", "...") stay attached to the unit they end. Text without any
// terminal punctuation is returned as a single unit. Whitespace-only units
// are discarded.
func sentences(text string) []string {
	var units []string

	runes := []rune(text)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && isTerminal(runes[end]) {
			end++
		}
		if unit := strings.TrimSpace(string(runes[start:end])); unit != "" {
			units = append(units, unit)
		}
		start = end
		i = end - 1
	}
	if start < len(runes) {
		if unit := strings.TrimSpace(string(runes[start:])); unit != "" {
			units = append(units, unit)
		}
	}
	return units
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// WordCount reports the number of whitespace-separated words in text.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Preview returns a short prefix of a chunk suitable for log lines and
// status messages, cut at a word boundary.
func Preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !unicode.IsSpace(rune(text[cut])) {
		cut--
	}
	if cut == 0 {
		cut = max
	}
	return strings.TrimSpace(text[:cut]) + "…"
}
