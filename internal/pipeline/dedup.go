package pipeline

import (
	"strings"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"
)

// containmentRatio is the minimum length ratio for strict containment to
// count as a duplicate.
const containmentRatio = 0.7

// levenshteinSimilarity is the minimum normalized edit similarity for two
// normalized finals to count as duplicates.
const levenshteinSimilarity = 0.9

// dedupState suppresses near-duplicate finals emitted in quick succession,
// which happens when a force-split segment and its trailing-silence remainder
// decode to overlapping text.
type dedupState struct {
	lastText string // normalized
	lastAt   time.Time
}

func (d *dedupState) record(text string, at time.Time) {
	d.lastText = normalizeForDedup(text)
	d.lastAt = at
}

// isDuplicate reports whether text is a near-duplicate of the previous final
// within the window. Near-duplicate means: identical after punctuation and
// whitespace stripping, strict containment with a length ratio of at least
// 0.7, or a normalized edit similarity of at least 0.9.
func (d *dedupState) isDuplicate(text string, at time.Time, window time.Duration) bool {
	if d.lastText == "" || at.Sub(d.lastAt) > window {
		return false
	}
	norm := normalizeForDedup(text)
	if norm == "" {
		return false
	}
	if norm == d.lastText {
		return true
	}

	shorter, longer := norm, d.lastText
	if len([]rune(shorter)) > len([]rune(longer)) {
		shorter, longer = longer, shorter
	}
	if strings.Contains(longer, shorter) {
		ratio := float64(len([]rune(shorter))) / float64(len([]rune(longer)))
		if ratio >= containmentRatio {
			return true
		}
	}

	dist := matchr.Levenshtein(norm, d.lastText)
	maxLen := len([]rune(norm))
	if l := len([]rune(d.lastText)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return false
	}
	sim := 1 - float64(dist)/float64(maxLen)
	return sim >= levenshteinSimilarity
}

// normalizeForDedup strips punctuation, symbols and whitespace so comparison
// sees only the spoken content.
func normalizeForDedup(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, text)
}
