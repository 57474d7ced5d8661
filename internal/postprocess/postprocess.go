// Package postprocess cleans raw recognizer output before it is shown to the
// user or appended to the dialogue history: repeat collapsing, filler
// stripping, numeral normalization, end-of-utterance punctuation fix-up, and
// a pre/post minimum-length filter that drops fragments too short to carry
// meaning.
package postprocess

import (
	"regexp"
	"strings"
	"unicode"
)

const defaultMinSentenceLen = 6

// fillers are spoken-language padding words stripped when they stand alone
// between punctuation or whitespace boundaries.
var fillers = []string{"那个", "这个", "就是", "然后", "嗯", "啊"}

// shortAcknowledgements is the closed set of short replies that pass the
// minimum-length filter despite their length.
var shortAcknowledgements = map[string]struct{}{
	"好":   {},
	"好的":  {},
	"对":   {},
	"是":   {},
	"是的":  {},
	"行":   {},
	"可以":  {},
	"没问题": {},
}

var chineseDigits = strings.NewReplacer(
	"零", "0", "一", "1", "二", "2", "三", "3", "四", "4",
	"五", "5", "六", "6", "七", "7", "八", "8", "九", "9",
)

var (
	trailingCommaRe  = regexp.MustCompile(`[，、,]\s*$`)
	terminalRunRe    = regexp.MustCompile(`[。！？]{2,}`)
	multiWhitespaceRe = regexp.MustCompile(`\s+`)
)

// Processor applies the configured cleanup stages. Safe for concurrent use.
type Processor struct {
	oralCleaning   bool
	numberNorm     bool
	repeatRemoval  bool
	punctuation    bool
	minSentenceLen int
}

// Option is a functional option for configuring a Processor.
type Option func(*Processor)

// WithOralCleaning toggles repeat collapsing and filler stripping.
func WithOralCleaning(on bool) Option {
	return func(p *Processor) { p.oralCleaning = on }
}

// WithNumberNormalization toggles Chinese-digit to Arabic-digit mapping.
func WithNumberNormalization(on bool) Option {
	return func(p *Processor) { p.numberNorm = on }
}

// WithRepeatRemoval toggles collapsing of stuttered word repeats.
func WithRepeatRemoval(on bool) Option {
	return func(p *Processor) { p.repeatRemoval = on }
}

// WithPunctuationCorrection toggles the end-of-utterance punctuation fix-up.
func WithPunctuationCorrection(on bool) Option {
	return func(p *Processor) { p.punctuation = on }
}

// WithMinSentenceLen sets the minimum rune count below which output is
// dropped (unless it is a known short acknowledgement). Defaults to 6.
func WithMinSentenceLen(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.minSentenceLen = n
		}
	}
}

// New returns a Processor with all stages enabled by default.
func New(opts ...Option) *Processor {
	p := &Processor{
		oralCleaning:   true,
		numberNorm:     true,
		repeatRemoval:  true,
		punctuation:    true,
		minSentenceLen: defaultMinSentenceLen,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process runs the full pipeline on a final recognition result.
// trailingSilence reports whether the segment ended on silence, which drives
// the terminal-punctuation fix-up. Returns "" when the text is filtered out.
func (p *Processor) Process(text string, trailingSilence bool) string {
	text = strings.TrimSpace(text)
	if !p.passesFilter(text) {
		return ""
	}

	if p.oralCleaning {
		text = p.cleanOral(text)
	}
	if p.punctuation {
		text = p.correctPunctuation(text, trailingSilence)
	}

	text = strings.TrimSpace(text)
	if !p.passesFilter(text) {
		return ""
	}
	return text
}

// CleanPartial applies only the light cleanup suitable for interim results:
// no punctuation fix-up and no length filtering, so partials update smoothly
// while the utterance is still open.
func (p *Processor) CleanPartial(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if p.oralCleaning {
		text = p.cleanOral(text)
	}
	return strings.TrimSpace(text)
}

// passesFilter reports whether text survives the minimum-length filter:
// non-empty, not punctuation-only, and either long enough or a known short
// acknowledgement.
func (p *Processor) passesFilter(text string) bool {
	if text == "" || punctuationOnly(text) {
		return false
	}
	stripped := stripPunctuation(text)
	if len([]rune(stripped)) >= p.minSentenceLen {
		return true
	}
	_, ok := shortAcknowledgements[stripped]
	return ok
}

func (p *Processor) cleanOral(text string) string {
	if p.repeatRemoval {
		text = collapseRepeats(text)
	}
	if p.numberNorm {
		text = chineseDigits.Replace(text)
	}
	text = stripFillers(text)
	return multiWhitespaceRe.ReplaceAllString(text, " ")
}

// correctPunctuation finishes an utterance that ended on silence with a
// terminal mark, stripping any dangling comma first, and collapses runs of
// terminal marks left by the recognizer.
func (p *Processor) correctPunctuation(text string, trailingSilence bool) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}

	if trailingSilence && !hasTerminalPunct(text) {
		if len([]rune(stripPunctuation(text))) >= p.minSentenceLen {
			text = trailingCommaRe.ReplaceAllString(text, "")
			if !strings.HasSuffix(text, "。") {
				text += "。"
			}
		}
	}

	return terminalRunRe.ReplaceAllString(text, "。")
}

// collapseRepeats collapses stuttered repeats: any 1–4 rune unit repeated
// three or more times becomes a single unit, and known filler words collapse
// already at two repeats ("这个这个" → "这个").
func collapseRepeats(text string) string {
	runes := []rune(text)
	var out []rune

	for i := 0; i < len(runes); {
		collapsed := false
		// Longest unit first so "这个这个" collapses as one word, not by rune.
		for w := 4; w >= 1 && !collapsed; w-- {
			if i+2*w > len(runes) {
				continue
			}
			unit := string(runes[i : i+w])
			if strings.ContainsFunc(unit, unicode.IsSpace) {
				continue
			}
			reps := 1
			for i+(reps+1)*w <= len(runes) && string(runes[i+reps*w:i+(reps+1)*w]) == unit {
				reps++
			}
			need := 3
			if isFiller(unit) {
				need = 2
			}
			if reps >= need {
				out = append(out, runes[i:i+w]...)
				i += reps * w
				collapsed = true
			}
		}
		if !collapsed {
			out = append(out, runes[i])
			i++
		}
	}
	return string(out)
}

// stripFillers removes filler words that stand alone: preceded and followed
// by start/end of text, whitespace, or punctuation.
func stripFillers(text string) string {
	runes := []rune(text)
	var out []rune

	for i := 0; i < len(runes); {
		matched := false
		for _, f := range fillers {
			fr := []rune(f)
			if i+len(fr) > len(runes) || string(runes[i:i+len(fr)]) != f {
				continue
			}
			beforeOK := i == 0 || isBoundary(runes[i-1])
			afterIdx := i + len(fr)
			afterOK := afterIdx == len(runes) || isBoundary(runes[afterIdx])
			if beforeOK && afterOK {
				i = afterIdx
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, runes[i])
			i++
		}
	}
	return string(out)
}

func isFiller(s string) bool {
	for _, f := range fillers {
		if s == f {
			return true
		}
	}
	return false
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

func hasTerminalPunct(text string) bool {
	for _, p := range []string{"。", "！", "？", ".", "!", "?"} {
		if strings.HasSuffix(text, p) {
			return true
		}
	}
	return false
}

func punctuationOnly(text string) bool {
	for _, r := range text {
		if !unicode.IsPunct(r) && !unicode.IsSpace(r) && !unicode.IsSymbol(r) {
			return false
		}
	}
	return true
}

func stripPunctuation(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, text)
}
