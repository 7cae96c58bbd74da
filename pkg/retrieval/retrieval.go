// Package retrieval implements the retrieval backends: a Qdrant-backed
// store for production and an embedded chromem store for single-process
// deployments. Both enforce the caller's scope filters on every operation.
package retrieval

import (
	"context"
	"strings"
)

// Payload field names shared by both backends.
const (
	fieldText                 = "text"
	fieldPath                 = "path"
	fieldLanguage             = "language"
	fieldACLLabels            = "acl_labels"
	fieldClassificationLabels = "classification_labels"
	fieldDocLevel             = "doc_level"
)

// Embedder turns text into a vector. Both backends receive query vectors
// through this port; document vectors are computed at index time.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}
