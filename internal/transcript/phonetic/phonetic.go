// Package phonetic removes a spoken wake word from the start of a final
// transcript ("Alexa, what did I eat today" becomes "what did I eat today").
//
// The wake word usually survives in the pre-roll that is sent to the
// transcription service, and the service spells it inconsistently
// ("Alexa", "Alexis", "Elexa"). Matching therefore works on sound rather
// than spelling:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for the leading
//     words of the transcript and for each keyword. Any shared code makes the
//     keyword a phonetic candidate.
//
//  2. Jaro-Winkler ranking: a phonetic candidate is accepted when its
//     similarity reaches the phonetic threshold (default 0.70). Without a
//     phonetic overlap the stricter fuzzy threshold applies (default 0.85).
//
// Multi-word keywords ("hey google") are compared against the same number of
// leading words.
//
// A sound-alike match alone is not enough to strip: names such as "Alex" or
// "Alexander" score close to "alexa". [Stripper.Strip] removes the leading
// words only when they spell the keyword exactly, when they are followed by a
// pause mark ("Alexis, add eggs"), or when they are the whole transcript.
package phonetic

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Stripper].
type Option func(*Stripper)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching keyword. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(s *Stripper) {
		s.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no phonetic
// code overlaps. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(s *Stripper) {
		s.fuzzyThreshold = threshold
	}
}

type keyword struct {
	text   string
	tokens []string
	codes  map[string]struct{}
}

// Stripper removes leading wake words. It is read-only after construction
// and safe for concurrent use.
type Stripper struct {
	keywords          []keyword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Stripper] for the given wake words. Blank keywords are
// ignored.
func New(keywords []string, opts ...Option) *Stripper {
	s := &Stripper{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	for _, k := range keywords {
		tokens := normalizeTokens(strings.Fields(k))
		if len(tokens) == 0 {
			continue
		}
		s.keywords = append(s.keywords, keyword{
			text:   k,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
	}
	return s
}

// Match reports which keyword the leading words of text sound like, with its
// Jaro-Winkler score, and how many words it spans. n is 0 when nothing
// matched.
func (s *Stripper) Match(text string) (kw string, score float64, n int) {
	k, score := s.match(strings.Fields(text))
	if k == nil {
		return "", 0, 0
	}
	return k.text, score, len(k.tokens)
}

func (s *Stripper) match(words []string) (best *keyword, score float64) {
	for i := range s.keywords {
		k := &s.keywords[i]
		if len(words) < len(k.tokens) {
			continue
		}
		lead := normalizeTokens(words[:len(k.tokens)])
		if len(lead) != len(k.tokens) {
			continue
		}
		jw := matchr.JaroWinkler(strings.Join(lead, ""), strings.Join(k.tokens, ""), false)
		threshold := s.fuzzyThreshold
		if codesOverlap(codesForTokens(lead), k.codes) {
			threshold = s.phoneticThreshold
		}
		if jw >= threshold && jw > score {
			best, score = k, jw
		}
	}
	return best, score
}

// Strip returns text without a leading wake word and the punctuation that
// follows it. Text that does not start with a wake word is returned
// unchanged, and so is text whose leading words only sound like the wake word
// without a pause after them. A transcript made only of the wake word strips
// to "".
func (s *Stripper) Strip(text string) string {
	words := strings.Fields(text)
	k, _ := s.match(words)
	if k == nil {
		return text
	}
	n := len(k.tokens)
	if n < len(words) && !slices.Equal(normalizeTokens(words[:n]), k.tokens) && !endsWithPause(words[n-1]) {
		return text
	}
	rest := strings.Join(words[n:], " ")
	return strings.TrimLeftFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
}

// endsWithPause reports whether word ends with a mark that separates a
// vocative from the rest of the sentence.
func endsWithPause(word string) bool {
	r, _ := utf8.DecodeLastRuneInString(word)
	return strings.ContainsRune(",.!?;:…", r)
}

// normalizeTokens lowercases tokens and trims surrounding punctuation,
// dropping tokens that become empty.
func normalizeTokens(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimFunc(strings.ToLower(w), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
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

// codesOverlap reports whether the two code sets share at least one code.
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
