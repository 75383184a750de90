// Package category normalizes free-text product category labels and merges
// near-duplicate labels into a single canonical taxonomy entry.
package category

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidCategory is returned for empty or whitespace-only labels. There
// is no fallback for a missing label; this propagates to the caller.
var ErrInvalidCategory = errors.New("category label is empty")

// Package-level compiled regex patterns for performance
var (
	punctuationRegex    = regexp.MustCompile(`[^\w\s]`)
	multipleSpacesRegex = regexp.MustCompile(`\s+`)
)

// Config holds matcher configuration
type Config struct {
	// Threshold is the inclusive Jaccard similarity at or above which a new
	// label merges into an existing category. Biased toward consolidation:
	// duplicate near-identical categories hurt the catalog more than an
	// occasional over-merge.
	Threshold float64

	// Aliases maps normalized label forms to their canonical normalized
	// form. Manually curated and not exhaustive.
	Aliases map[string]string
}

// DefaultConfig returns default matcher configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 0.75,
		Aliases:   DefaultAliases(),
	}
}

// DefaultAliases returns the curated alias table. Keys and values are
// normalized forms; values must themselves be fixed points of Normalize.
func DefaultAliases() map[string]string {
	return map[string]string{
		"timepiece":     "watch",
		"wristwatch":    "watch",
		"luxury watch":  "watch",
		"chronograph":   "watch",
		"purse":         "handbag",
		"pocketbook":    "handbag",
		"luxury bag":    "handbag",
		"designer bag":  "handbag",
		"sneaker":       "trainer",
		"athletic shoe": "trainer",
		"eyewear":       "sunglass",
		"shade":         "sunglass",
		"billfold":      "wallet",
		"jewellery":     "jewelry",
		"fine jewelry":  "jewelry",
	}
}

// Matcher resolves raw category labels against an existing taxonomy. Pure
// and synchronous; safe for concurrent use.
type Matcher struct {
	threshold float64
	aliases   map[string]string
}

// NewMatcher creates a new Matcher
func NewMatcher(config Config) *Matcher {
	threshold := config.Threshold
	if threshold <= 0 {
		threshold = 0.75
	}
	aliases := config.Aliases
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Matcher{
		threshold: threshold,
		aliases:   aliases,
	}
}

// Normalize derives the canonical lowercase form of a label: transliterate,
// strip punctuation, singularize tokens, substitute aliases. Idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (m *Matcher) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidCategory
	}

	s = strings.ToLower(s)
	s = transliterate(s)
	s = punctuationRegex.ReplaceAllString(s, " ")
	s = multipleSpacesRegex.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidCategory
	}

	words := strings.Fields(s)
	for i, word := range words {
		word = singularize(word)
		if alias, ok := m.aliases[word]; ok {
			word = alias
		}
		words[i] = word
	}
	s = strings.Join(words, " ")

	// Phrase-level aliases run after token normalization so plural phrases
	// ("luxury watches") land on their singular key.
	if alias, ok := m.aliases[s]; ok {
		s = alias
	}

	return s, nil
}

// Similarity computes token-based Jaccard similarity between two labels in
// [0,1]. Symmetric, and 1 for any label against itself.
func (m *Matcher) Similarity(a, b string) float64 {
	normA, errA := m.Normalize(a)
	normB, errB := m.Normalize(b)
	if errA != nil || errB != nil {
		return 0
	}
	return jaccard(tokenSet(normA), tokenSet(normB))
}

// Resolve normalizes rawLabel and merges it into the closest existing
// category when similarity meets the threshold (inclusive). Ties resolve to
// the highest similarity, first-inserted on exact ties. Otherwise the
// normalized label becomes a new canonical category, title-cased for
// display.
func (m *Matcher) Resolve(rawLabel string, existing []string) (string, error) {
	normalized, err := m.Normalize(rawLabel)
	if err != nil {
		return "", err
	}

	newTokens := tokenSet(normalized)

	best := -1.0
	bestCategory := ""
	for _, candidate := range existing {
		candidateNorm, err := m.Normalize(candidate)
		if err != nil {
			continue
		}
		sim := jaccard(newTokens, tokenSet(candidateNorm))
		// Strict greater-than keeps the first-inserted winner on ties.
		if sim > best {
			best = sim
			bestCategory = candidate
		}
	}

	if bestCategory != "" && best >= m.threshold {
		return bestCategory, nil
	}

	// cases.Title returns a stateful Caser that is not safe for shared
	// use, so a fresh one is built per call.
	return cases.Title(language.English).String(normalized), nil
}

// tokenSet splits a normalized label into its unique word tokens.
func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(s) {
		set[word] = true
	}
	return set
}

// jaccard computes intersection-over-union of two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// singularize reduces common English plural forms. Heuristic; irregular
// plurals pass through unchanged.
func singularize(word string) string {
	switch {
	case len(word) > 3 && strings.HasSuffix(word, "ies"):
		return word[:len(word)-3] + "y"
	case len(word) > 4 && (strings.HasSuffix(word, "ches") ||
		strings.HasSuffix(word, "shes") ||
		strings.HasSuffix(word, "sses") ||
		strings.HasSuffix(word, "xes")):
		return word[:len(word)-2]
	case len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss"):
		return word[:len(word)-1]
	default:
		return word
	}
}

// transliterate converts unicode characters to ASCII equivalents
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// isMn checks if a rune is a nonspacing mark (accents, diacritics)
func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
