// Package phonetic matches misheard Latin-script phrases against a fixed
// vocabulary using Double Metaphone codes and Jaro-Winkler similarity from
// github.com/antzucaro/matchr.
//
// A vocabulary term is a candidate when its phonetic codes overlap the
// input's and its Jaro-Winkler score reaches the phonetic threshold. Without
// any phonetic overlap a term can still win on spelling alone when its score
// reaches the stricter fuzzy threshold.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum score for a phonetically aligned
// term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum score for a term with no phonetic
// overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// term is a vocabulary entry with its codes computed once.
type term struct {
	display string
	lower   string
	tokens  []string
	codes   map[string]struct{}
}

// Matcher holds a prepared vocabulary. It is read-only after construction
// and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	terms             []term
	maxWords          int
}

// New prepares vocab for matching. Blank entries are skipped.
func New(vocab []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, v := range vocab {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		m.terms = append(m.terms, term{
			display: strings.TrimSpace(v),
			lower:   lower,
			tokens:  tokens,
			codes:   codes(tokens),
		})
		m.maxWords = max(m.maxWords, len(tokens))
	}
	return m
}

// MaxWords returns the word count of the longest vocabulary term, or 0 for an
// empty vocabulary.
func (m *Matcher) MaxWords() int { return m.maxWords }

// Match returns the vocabulary term closest to phrase. When nothing reaches
// a threshold it returns phrase unchanged, 0 and false.
func (m *Matcher) Match(phrase string) (string, float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if lower == "" || len(m.terms) == 0 {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	in := codes(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range m.terms {
		score := similarity(tokens, t.tokens, lower, t.lower)
		if overlap(in, t.codes) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.display, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = t.display, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// codes returns the union of Double Metaphone codes of tokens.
func codes(tokens []string) map[string]struct{} {
	out := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			out[p] = struct{}{}
		}
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings with spaces removed and every token pair.
func similarity(in, term []string, inFull, termFull string) float64 {
	score := matchr.JaroWinkler(inFull, termFull, false)
	if len(in) > 1 || len(term) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(in, ""), strings.Join(term, ""), false))
	}
	for _, a := range in {
		for _, b := range term {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}
