package transcript

import (
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// maxCleanPasses bounds how often the cleaning steps are re-applied while
// looking for a fixed point.
const maxCleanPasses = 4

// phraseLengths are the phrase sizes, in words, collapsed by dedupPhrases,
// longest first.
var phraseLengths = []int{5, 4, 3, 2}

// abbreviations never end a sentence when followed by a period.
var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "dr": {}, "ms": {}, "prof": {}, "sr": {}, "jr": {},
}

// compoundSuffixes are the endings for which "walk walked" counts as a
// stutter. Any other prefix pair ("Mac MacBook") is a legitimate compound.
var compoundSuffixes = map[string]struct{}{
	"ed": {}, "ing": {}, "er": {}, "est": {}, "ly": {}, "ness": {}, "ment": {},
	"ful": {}, "less": {}, "ish": {}, "ous": {}, "ive": {}, "able": {}, "ible": {},
}

var (
	repeatedPunct = []*regexp.Regexp{
		regexp.MustCompile(`\.{2,}`),
		regexp.MustCompile(`!{2,}`),
		regexp.MustCompile(`\?{2,}`),
		regexp.MustCompile(`,{2,}`),
	}
	spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:])`)
	// Clause punctuation glued to a following letter gets a space.
	clauseNoSpace = regexp.MustCompile(`([,;:])(\pL)`)
	// Terminal punctuation between a lower-case word and a capital letter
	// gets a space. Decimals ("3.5") and initialisms ("U.S.A") are left alone.
	terminalNoSpace = regexp.MustCompile(`(\p{Ll}\p{Ll}[.!?])(\p{Lu})`)
)

// CleanText applies the text cleaning steps to s until the output stops
// changing:
//
//  1. repeated sentences are dropped
//  2. adjacent repeated phrases of 5 down to 2 words are collapsed
//  3. stuttered words are dropped, keeping compound splits such as "Mac MacBook"
//  4. punctuation is repaired
//  5. whitespace is collapsed and trimmed
//
// CleanText is stateless and safe for concurrent use. CleanText(CleanText(s))
// equals CleanText(s).
func CleanText(s string) string {
	out := s
	for range maxCleanPasses {
		next := cleanPass(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func cleanPass(s string) string {
	s = dedupSentences(s)
	tokens := strings.Fields(s)
	tokens = dedupPhrases(tokens)
	tokens = dedupWords(tokens)
	s = repairPunctuation(strings.Join(tokens, " "))
	return strings.Join(strings.Fields(s), " ")
}

// dedupSentences drops every sentence that repeats an earlier sentence of the
// same input, compared case-insensitively and ignoring the terminator.
func dedupSentences(s string) string {
	sentences := splitSentences(s)
	if len(sentences) < 2 {
		return s
	}
	seen := make(map[string]struct{}, len(sentences))
	kept := sentences[:0]
	for _, sent := range sentences {
		key := strings.Join(strings.Fields(strings.ToLower(strings.TrimRight(sent, ".!?"))), " ")
		if _, dup := seen[key]; dup && key != "" {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, sent)
	}
	return strings.Join(kept, " ")
}

// splitSentences splits s after each run of terminators that is followed by
// whitespace or the end of the input, or that sits between a lower-case word
// and a capital letter. A single period after a known abbreviation does not
// end a sentence.
func splitSentences(s string) []string {
	rs := []rune(s)
	var out []string
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminator(rs[i]) {
			continue
		}
		j := i
		for j+1 < len(rs) && isTerminator(rs[j+1]) {
			j++
		}
		boundary := j+1 == len(rs) || unicode.IsSpace(rs[j+1]) ||
			(unicode.IsUpper(rs[j+1]) && i >= 2 && unicode.IsLower(rs[i-1]) && unicode.IsLower(rs[i-2]))
		if boundary && i == j && rs[i] == '.' && endsWithAbbreviation(string(rs[start:i])) {
			boundary = false
		}
		if boundary {
			if sent := strings.TrimSpace(string(rs[start : j+1])); sent != "" {
				out = append(out, sent)
			}
			start = j + 1
		}
		i = j
	}
	if rest := strings.TrimSpace(string(rs[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}

func isTerminator(r rune) bool { return r == '.' || r == '!' || r == '?' }

func endsWithAbbreviation(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(strings.TrimLeftFunc(fields[len(fields)-1], unicode.IsPunct))
	_, ok := abbreviations[last]
	return ok
}

// dedupPhrases collapses immediately repeated phrases ("A B A B" becomes
// "A B"), longest phrases first, repeating each length until nothing changes.
// The first copy is kept; trailing punctuation of the dropped copy moves onto
// it when the first copy has none.
func dedupPhrases(tokens []string) []string {
	for _, n := range phraseLengths {
		for changed := true; changed; {
			changed = false
			for i := 0; i+2*n <= len(tokens); i++ {
				if !sameWords(tokens[i:i+n], tokens[i+n:i+2*n]) {
					continue
				}
				last := i + n - 1
				tokens[last] = carryPunct(tokens[last], tokens[i+2*n-1])
				tokens = slices.Delete(tokens, i+n, i+2*n)
				changed = true
			}
		}
	}
	return tokens
}

func sameWords(a, b []string) bool {
	for i := range a {
		if wordKey(a[i]) != wordKey(b[i]) || wordKey(a[i]) == "" {
			return false
		}
	}
	return true
}

// dedupWords drops a word that repeats one of the previous two kept words.
// A word that merely extends its predecessor collapses onto the longer form
// only when the extension is a known morphological suffix.
func dedupWords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		key := wordKey(tok)
		n := len(out)
		if key == "" || n == 0 {
			out = append(out, tok)
			continue
		}
		prev := wordKey(out[n-1])
		switch {
		case key == prev:
			out[n-1] = carryPunct(out[n-1], tok)
			continue
		case n >= 2 && key == wordKey(out[n-2]):
			continue
		case isSuffixed(prev, key):
			// "walk walked": keep the longer form.
			out[n-1] = tok
			continue
		case isSuffixed(key, prev):
			out[n-1] = carryPunct(out[n-1], tok)
			continue
		}
		out = append(out, tok)
	}
	return out
}

// isSuffixed reports whether long is short plus a known suffix.
func isSuffixed(short, long string) bool {
	if len(short) < 3 || len(long) <= len(short) || !strings.HasPrefix(long, short) {
		return false
	}
	_, ok := compoundSuffixes[long[len(short):]]
	return ok
}

// wordKey is the comparison form of a token: lower case, surrounding
// punctuation removed.
func wordKey(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, unicode.IsPunct))
}

// carryPunct appends the trailing punctuation of dropped to kept when kept
// has none.
func carryPunct(kept, dropped string) string {
	trail := dropped[len(strings.TrimRightFunc(dropped, unicode.IsPunct)):]
	if trail == "" || strings.TrimRightFunc(kept, unicode.IsPunct) != kept {
		return kept
	}
	return kept + trail
}

// repairPunctuation collapses repeated punctuation, removes whitespace before
// punctuation and ensures a space after it.
func repairPunctuation(s string) string {
	for _, re := range repeatedPunct {
		s = re.ReplaceAllStringFunc(s, func(m string) string { return m[:1] })
	}
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = clauseNoSpace.ReplaceAllString(s, "$1 $2")
	return terminalNoSpace.ReplaceAllString(s, "$1 $2")
}
