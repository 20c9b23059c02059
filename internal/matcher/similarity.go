package matcher

import (
	"strings"
	"unicode"
)

// legalSuffixes are company-form tokens dropped during name normalization so
// that "ACME SRL" and "Acme S.r.l." compare equal.
var legalSuffixes = map[string]bool{
	"srl":  true,
	"srls": true,
	"spa":  true,
	"snc":  true,
	"sas":  true,
	"ss":   true,
	"sapa": true,
	"scarl": true,
	"coop": true,
	"ltd":  true,
	"llc":  true,
	"gmbh": true,
	"sa":   true,
	"inc":  true,
}

// NormalizeName lowercases a counterparty name, strips punctuation and
// accents-insensitive separators, and drops legal-form suffixes.
func NormalizeName(name string) string {
	return strings.Join(NameTokens(name), " ")
}

// NameTokens returns the normalized token set of a counterparty name.
// Periods are stripped before tokenizing so "S.r.l." collapses to the "srl"
// suffix token instead of single letters.
func NameTokens(name string) []string {
	name = strings.ReplaceAll(name, ".", "")

	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if legalSuffixes[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// NameSimilarity computes the similarity of two counterparty names in
// [0, 1]: token-set overlap, with a Levenshtein-ratio fallback so that
// near-miss tokens ("accme" vs "acme") still contribute.
func NameSimilarity(a, b string) float64 {
	tokensA := NameTokens(a)
	tokensB := NameTokens(b)

	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0.0
	}

	// Greedy best-pair assignment: each token of the shorter set claims its
	// closest unclaimed token of the other.
	if len(tokensA) > len(tokensB) {
		tokensA, tokensB = tokensB, tokensA
	}

	used := make([]bool, len(tokensB))
	total := 0.0
	for _, ta := range tokensA {
		best := 0.0
		bestIdx := -1
		for i, tb := range tokensB {
			if used[i] {
				continue
			}
			score := tokenSimilarity(ta, tb)
			if score > best {
				best = score
				bestIdx = i
			}
		}
		if bestIdx >= 0 {
			used[bestIdx] = true
		}
		total += best
	}

	// Normalize over the larger token set so extra tokens dilute the score.
	return total / float64(len(tokensB))
}

// tokenSimilarity compares two tokens: exact match scores 1, otherwise a
// Levenshtein ratio, floored at 0 for clearly different tokens.
func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0.0
	}

	ratio := 1.0 - float64(levenshtein(a, b))/float64(maxLen)
	if ratio < 0.5 {
		// Below half the characters in common, tokens are unrelated.
		return 0.0
	}
	return ratio
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}

			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// NormalizeReference uppercases a reference code and strips separators, so
// causale scans tolerate formatting differences.
func NormalizeReference(ref string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(ref) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CausaleContainsReference reports whether a movement's free-text causale
// contains the document's reference code, comparing normalized forms.
func CausaleContainsReference(causale, reference string, minLength int) bool {
	ref := NormalizeReference(reference)
	if len(ref) < minLength {
		return false
	}
	return strings.Contains(NormalizeReference(causale), ref)
}
