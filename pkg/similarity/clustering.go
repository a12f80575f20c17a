// Package similarity provides text similarity and clustering utilities.
package similarity

import (
	"path/filepath"
	"strings"
	"unicode"

	porterstemmer "github.com/blevesearch/go-porterstemmer"
)

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true, "can": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true, "you": true,
	"your": true, "please": true, "some": true, "any": true, "all": true,
}

// Terms tokenizes text into a set of stemmed, lower-cased terms. Stop words and
// words shorter than three characters are dropped.
func Terms(text string) map[string]bool {
	terms := make(map[string]bool)
	AddTerms(terms, text)
	return terms
}

// AddTerms tokenizes text and adds meaningful terms to the set.
func AddTerms(terms map[string]bool, text string) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if len(word) < 3 || stopWords[word] {
			continue
		}
		terms[porterstemmer.StemString(word)] = true
	}
}

// FileTerms returns the lower-cased base names of files, for overlap matching.
func FileTerms(files []string) map[string]bool {
	terms := make(map[string]bool, len(files))
	for _, f := range files {
		f = strings.TrimRight(filepath.ToSlash(f), "/")
		if f == "" {
			continue
		}
		terms[strings.ToLower(filepath.Base(f))] = true
	}
	return terms
}

// Coverage returns the fraction of query terms present in doc, in [0, 1].
// An empty query covers nothing.
func Coverage(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0.0
	}
	hits := 0
	for term := range query {
		if doc[term] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// JaccardSimilarity calculates the Jaccard similarity between two term sets.
// Returns a value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// Cluster groups similar items and returns one representative per cluster.
// Items should be sorted by preference; the first item of each cluster is kept.
func Cluster[T any](items []T, terms func(T) map[string]bool, threshold float64) []T {
	if len(items) <= 1 {
		return items
	}

	termSets := make([]map[string]bool, len(items))
	for i, item := range items {
		termSets[i] = terms(item)
	}

	clustered := make([]bool, len(items))
	result := make([]T, 0, len(items))

	for i := range items {
		if clustered[i] {
			continue
		}
		result = append(result, items[i])
		clustered[i] = true

		for j := i + 1; j < len(items); j++ {
			if clustered[j] {
				continue
			}
			if JaccardSimilarity(termSets[i], termSets[j]) >= threshold {
				clustered[j] = true
			}
		}
	}

	return result
}

// IsSimilarToAny reports whether terms reach threshold similarity with any of existing.
func IsSimilarToAny(terms map[string]bool, existing []map[string]bool, threshold float64) bool {
	if len(terms) == 0 {
		return false
	}
	for _, other := range existing {
		if JaccardSimilarity(terms, other) >= threshold {
			return true
		}
	}
	return false
}
