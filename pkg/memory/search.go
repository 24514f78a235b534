// Package memory provides the append-only pattern memory of past failures,
// fixes, and outcomes, with stemmed fuzzy keyword search and recency
// weighting.
package memory

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_-]+`)

// Common English words excluded from matching.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "may": true, "might": true,
	"must": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "it": true, "we": true, "they": true, "what": true,
	"which": true, "when": true, "where": true, "why": true, "how": true,
}

// Suffixes stripped in order; longest first so "failures" stems the same as
// "failure".
var stemSuffixes = []string{"ingly", "edly", "ing", "ions", "ion", "ies", "ed", "es", "s", "ly"}

// stem applies light suffix stripping. Not a full Porter stemmer; enough to
// make "failing"/"failed"/"failure" collide on their prefix.
func stem(word string) string {
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(word, suffix) && len(word)-len(suffix) >= 3 {
			return word[:len(word)-len(suffix)]
		}
	}
	return word
}

// Tokenize splits text into lowercase stemmed terms, dropping stop words and
// very short tokens. Identifier-style tokens (snake_case, kebab-case) are
// preserved whole.
func Tokenize(text string) []string {
	raw := tokenPattern.FindAllString(text, -1)
	terms := make([]string, 0, len(raw))
	for _, token := range raw {
		lower := strings.ToLower(token)
		if len(lower) < 3 || stopWords[lower] {
			continue
		}
		terms = append(terms, stem(lower))
	}
	return terms
}

// termSet builds a set for overlap scoring.
func termSet(terms []string) map[string]bool {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	return set
}

// overlapScore returns the fraction of query terms found in the entry terms,
// counting prefix matches of at least 4 characters as fuzzy hits.
func overlapScore(queryTerms []string, entryTerms map[string]bool) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	matched := 0
	for _, q := range queryTerms {
		if entryTerms[q] {
			matched++
			continue
		}
		for e := range entryTerms {
			if fuzzyMatch(q, e) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// fuzzyMatch accepts shared prefixes of at least 4 characters, so near-forms
// like "timeout"/"timeouts" or truncated identifiers still match.
func fuzzyMatch(a, b string) bool {
	const minPrefix = 4
	if len(a) < minPrefix || len(b) < minPrefix {
		return false
	}
	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		return true
	}
	return a[:minPrefix] == b[:minPrefix]
}
