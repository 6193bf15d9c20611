package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/callscribe/internal/transcript/phonetic"
)

// minCorrectableRunes is the shortest single word the corrector will try to
// rewrite. Short function words ("to", "an") are never vocabulary terms.
const minCorrectableRunes = 4

// Correction captures a single substitution made by a [VocabularyCorrector].
type Correction struct {
	// Original is the phrase as produced by the speech-to-text backend.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the match score in [0, 1].
	Confidence float64
}

// VocabularyCorrector rewrites misheard words and phrases to configured
// vocabulary terms. It is immutable after construction and safe for
// concurrent use.
type VocabularyCorrector struct {
	matcher *phonetic.Matcher
	vocab   *phonetic.Vocabulary
}

// NewVocabularyCorrector prepares terms for matching. It returns nil when
// terms contains no usable entries, which disables correction.
func NewVocabularyCorrector(terms []string, opts ...phonetic.Option) *VocabularyCorrector {
	vocab := phonetic.Prepare(terms)
	if vocab.Len() == 0 {
		return nil
	}
	return &VocabularyCorrector{matcher: phonetic.New(opts...), vocab: vocab}
}

// Terms returns the configured vocabulary terms.
func (c *VocabularyCorrector) Terms() []string {
	if c == nil {
		return nil
	}
	return c.vocab.Terms()
}

// Correct replaces phrases in text that match a vocabulary term.
//
// At each token position, windows from the longest term's word count down to
// one word are tried and the longest matching window wins, so multi-word
// terms take precedence over single-word partial matches. Punctuation around
// a window is kept. A nil corrector returns text unchanged.
func (c *VocabularyCorrector) Correct(text string) (string, []Correction) {
	if c == nil {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	maxWords := c.vocab.MaxWords()
	output := make([]string, 0, len(tokens))
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		n := min(maxWords, len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			lead, words, trail := splitWindow(tokens[i : i+n])
			if n == 1 && len([]rune(words)) < minCorrectableRunes {
				continue
			}
			term, conf, ok := c.matcher.Match(words, c.vocab)
			if !ok {
				continue
			}
			if term != words {
				corrections = append(corrections, Correction{Original: words, Corrected: term, Confidence: conf})
			}
			output = append(output, lead+term+trail)
			i += n
			matched = true
			break
		}
		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(output, " "), corrections
}

// splitWindow joins a token window and separates the punctuation leading the
// first token and trailing the last one.
func splitWindow(window []string) (lead, words, trail string) {
	joined := strings.Join(window, " ")
	start := strings.IndexFunc(joined, func(r rune) bool { return !unicode.IsPunct(r) })
	if start < 0 {
		return "", joined, ""
	}
	end := strings.LastIndexFunc(joined, func(r rune) bool { return !unicode.IsPunct(r) })
	_, size := utf8.DecodeRuneInString(joined[end:])
	end += size
	return joined[:start], joined[start:end], joined[end:]
}
