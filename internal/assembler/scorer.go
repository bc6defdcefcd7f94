package assembler

import (
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/models"
)

// Scorer rates how relevant an entity is to the current message. Zero means
// unrelated; such entities never enter the excerpt.
type Scorer interface {
	Score(message string, e models.Entity) float64
}

// LexicalScorer counts message terms found in an entity. A term in the title
// counts twice as much as one in the body.
type LexicalScorer struct{}

// Score implements Scorer.
func (LexicalScorer) Score(message string, e models.Entity) float64 {
	query := terms(message)
	if len(query) == 0 {
		return 0
	}
	title := termSet(e.Title)
	body := termSet(e.Body)

	var score float64
	for _, t := range query {
		if _, ok := title[t]; ok {
			score += 2
		}
		if _, ok := body[t]; ok {
			score++
		}
	}
	return score
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "about": {}, "be": {}, "can": {}, "do": {},
	"does": {}, "for": {}, "how": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {},
	"of": {}, "on": {}, "or": {}, "please": {}, "the": {}, "this": {}, "that": {}, "to": {},
	"what": {}, "when": {}, "with": {}, "you": {},
}

// terms returns the distinct lowercase words of s, minus stopwords and
// single letters. Numbers are kept since "assignment 2" is a common query.
func terms(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words = lo.Filter(words, func(w string, _ int) bool {
		if _, stop := stopwords[w]; stop {
			return false
		}
		return len([]rune(w)) > 1 || unicode.IsDigit([]rune(w)[0])
	})
	return lo.Uniq(words)
}

func termSet(s string) map[string]struct{} {
	return lo.SliceToMap(terms(s), func(t string) (string, struct{}) {
		return t, struct{}{}
	})
}
