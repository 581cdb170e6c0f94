package resolve

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldText canonicalizes a mention for lookup: NFKC normalization collapses
// compatibility forms (full-width digits, non-breaking spaces), case folding
// handles scripts where lowercasing is not enough, and interior whitespace
// is collapsed to single spaces. A cases.Fold caser is stateful, so a fresh
// one is created per call.
func foldText(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

// wordSet splits folded text into a set of words with surrounding
// punctuation stripped.
func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// nameSimilarity computes Jaccard similarity on folded word sets.
func nameSimilarity(a, b string) float64 {
	wordsA := wordSet(foldText(a))
	wordsB := wordSet(foldText(b))

	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}

	union := len(wordsA)
	for w := range wordsB {
		if !wordsA[w] {
			union++
		}
	}

	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
