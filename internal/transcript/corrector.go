// Package transcript post-processes speech-to-text output before it reaches
// the language model.
//
// Mandarin recognisers transcribe Chinese reliably but mangle embedded
// Latin-script names and terms. A [Corrector] finds each run of Latin words
// in a transcript and snaps phrases that sound like a configured vocabulary
// term to that term's canonical spelling. Chinese text is left untouched.
package transcript

import (
	"regexp"
	"strings"

	"github.com/ZJR-FZD/Libai-Chat/internal/transcript/phonetic"
)

// latinRun matches a run of Latin-script words separated by spaces.
var latinRun = regexp.MustCompile(`[A-Za-z][A-Za-z'\-]*(?:[ \t]+[A-Za-z][A-Za-z'\-]*)*`)

// Correction records one substitution.
type Correction struct {
	// Original is the phrase as transcribed.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the Jaro-Winkler score of the match.
	Confidence float64
}

// Corrector applies vocabulary correction to transcripts. It is safe for
// concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher
}

// NewCorrector returns a Corrector for vocab. With an empty vocabulary the
// Corrector returns every transcript unchanged.
func NewCorrector(vocab []string, opts ...phonetic.Option) *Corrector {
	return &Corrector{matcher: phonetic.New(vocab, opts...)}
}

// Correct returns text with vocabulary corrections applied.
func (c *Corrector) Correct(text string) string {
	out, _ := c.Apply(text)
	return out
}

// Apply returns the corrected text and every substitution made, in order.
func (c *Corrector) Apply(text string) (string, []Correction) {
	if c.matcher.MaxWords() == 0 {
		return text, nil
	}
	var all []Correction
	out := latinRun.ReplaceAllStringFunc(text, func(run string) string {
		fixed, corr := c.correctRun(run)
		all = append(all, corr...)
		return fixed
	})
	return out, all
}

// correctRun greedily replaces the longest matching n-gram at each token
// position. A run with no match keeps its original spacing.
func (c *Corrector) correctRun(run string) (string, []Correction) {
	tokens := strings.Fields(run)
	var (
		out  []string
		corr []Correction
	)
	for i := 0; i < len(tokens); {
		n := min(c.matcher.MaxWords(), len(tokens)-i)
		matched := false
		for ; n >= 1; n-- {
			phrase := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(phrase)
			if !ok {
				continue
			}
			out = append(out, term)
			if term != phrase {
				corr = append(corr, Correction{Original: phrase, Corrected: term, Confidence: conf})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	if len(corr) == 0 {
		return run, nil
	}
	return strings.Join(out, " "), corr
}
