// Package phonetic matches misheard words against a small vocabulary of
// known terms (customer names, product names, jargon) using Double Metaphone
// codes combined with Jaro-Winkler similarity.
//
// Matching has two stages:
//
//  1. Phonetic filtering: Double Metaphone codes of the spoken phrase are
//     compared with the codes of every term. Terms that share a code are
//     candidates and are accepted above the phonetic threshold.
//  2. Fuzzy fallback: when no term shares a code, pure Jaro-Winkler
//     similarity is tested against a stricter threshold.
//
// Multi-word terms ("Acme Cloud") are scored on the full strings and on the
// space-stripped strings, so "acme cloud" and "acmecloud" both match.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minLengthRatio is the smallest accepted ratio between the shorter and
	// the longer space-stripped length of phrase and term.
	minLengthRatio = 0.8
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// shares a phonetic code with the input. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score used when no term
// shares a phonetic code with the input. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher scores phrases against a [Vocabulary]. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// term is one precomputed vocabulary entry.
type term struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// Vocabulary is a precomputed set of terms. Build it once per session with
// [Prepare]; it is immutable afterwards.
type Vocabulary struct {
	terms    []term
	maxWords int
}

// Prepare computes phonetic codes for every non-empty term. Duplicate terms
// (case-insensitive) keep their first spelling.
func Prepare(terms []string) *Vocabulary {
	v := &Vocabulary{}
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		canonical := strings.TrimSpace(t)
		lower := strings.ToLower(canonical)
		if lower == "" {
			continue
		}
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, term{
			canonical: canonical,
			lower:     lower,
			tokens:    tokens,
			codes:     codesForTokens(tokens),
		})
		v.maxWords = max(v.maxWords, len(tokens))
	}
	return v
}

// Len returns the number of distinct terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// MaxWords returns the word count of the longest term, or 0 when empty.
func (v *Vocabulary) MaxWords() int {
	if v == nil {
		return 0
	}
	return v.maxWords
}

// Terms returns the canonical spellings in insertion order.
func (v *Vocabulary) Terms() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.canonical
	}
	return out
}

// Match finds the vocabulary term most similar to phrase. When matched is
// false, corrected equals phrase unchanged and confidence is 0.
func (m *Matcher) Match(phrase string, v *Vocabulary) (corrected string, confidence float64, matched bool) {
	if v.Len() == 0 || strings.TrimSpace(phrase) == "" {
		return phrase, 0, false
	}

	lower := strings.ToLower(strings.TrimSpace(phrase))
	tokens := strings.Fields(lower)
	inputCodes := codesForTokens(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		if t.lower == lower {
			return t.canonical, 1, true
		}
		if !comparableLength(tokens, t.tokens) {
			continue
		}
		score := bestJWScore(tokens, t.tokens, lower, t.lower)
		if codesOverlap(inputCodes, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}

	if best != "" {
		return best, bestScore, true
	}
	return phrase, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens, excluding empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// comparableLength rejects pairs whose letters differ too much in count, so
// "the grafana" is not folded onto "Grafana".
func comparableLength(a, b []string) bool {
	la, lb := 0, 0
	for _, t := range a {
		la += utf8.RuneCountInString(t)
	}
	for _, t := range b {
		lb += utf8.RuneCountInString(t)
	}
	if la == 0 || lb == 0 {
		return false
	}
	return float64(min(la, lb))/float64(max(la, lb)) >= minLengthRatio
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore returns the higher of the full-string and the space-stripped
// Jaro-Winkler similarity. Single tokens are never scored against one word of
// a longer term, so a shared word cannot pull a phrase onto that term.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputTokens, ""), strings.Join(termTokens, ""), false); s > score {
			score = s
		}
	}
	return score
}
