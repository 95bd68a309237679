// Package similarity matches predicted outcome texts against the text the
// oracle network agreed on. Comparison is case and punctuation insensitive:
// both sides are normalized before the edit distance is computed.
package similarity

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// DefaultThreshold is the similarity a prediction needs to count as a match.
const DefaultThreshold = 0.8

// Normalize lowercases the text, strips everything that is neither letter nor
// digit nor whitespace and collapses runs of whitespace into single spaces.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Distance returns the Levenshtein edit distance between the normalized forms
// of a and b.
func Distance(a, b string) int {
	return levenshtein.ComputeDistance(Normalize(a), Normalize(b))
}

// Similarity returns 1 - distance/max(len) over the normalized forms, in
// [0, 1]. Two texts that normalize to the empty string are identical (1.0).
// Lengths are counted in runes so multi byte characters weigh like any other.
func Similarity(a, b string) float64 {
	na := Normalize(a)
	nb := Normalize(b)
	longest := max(len([]rune(na)), len([]rune(nb)))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein.ComputeDistance(na, nb))/float64(longest)
}

// IsMatch reports whether predicted and actual are at least threshold similar.
func IsMatch(predicted, actual string, threshold float64) bool {
	return Similarity(predicted, actual) >= threshold
}
