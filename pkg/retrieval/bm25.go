package retrieval

import (
	"math"
	"sort"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// candidateDoc is one document entering in-process lexical scoring.
type candidateDoc struct {
	ID   string
	Text string
}

// scoreBM25 ranks candidates against the query with Okapi BM25. Operator
// "and" requires every query term to appear in a document; the default "or"
// scores any overlap. Ties break by id so ranking is deterministic.
func scoreBM25(query string, docs []candidateDoc, operator string, limit int) []runtime.Hit {
	terms := tokenize(query)
	if len(terms) == 0 || len(docs) == 0 {
		return nil
	}

	tokenized := make([][]string, len(docs))
	totalLen := 0
	for i, doc := range docs {
		tokenized[i] = tokenize(doc.Text)
		totalLen += len(tokenized[i])
	}
	avgLen := float64(totalLen) / float64(len(docs))
	if avgLen == 0 {
		return nil
	}

	// Document frequency per query term.
	df := make(map[string]int, len(terms))
	for _, tokens := range tokenized {
		present := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			present[t] = true
		}
		for _, term := range terms {
			if present[term] {
				df[term]++
			}
		}
	}

	n := float64(len(docs))
	idf := func(term string) float64 {
		d := float64(df[term])
		return math.Log(1 + (n-d+0.5)/(d+0.5))
	}

	type scored struct {
		id    string
		score float64
	}
	var results []scored
	for i, doc := range docs {
		tf := make(map[string]int, len(tokenized[i]))
		for _, t := range tokenized[i] {
			tf[t]++
		}

		matched := 0
		var score float64
		docLen := float64(len(tokenized[i]))
		for _, term := range terms {
			freq := float64(tf[term])
			if freq == 0 {
				continue
			}
			matched++
			norm := freq * (bm25K1 + 1) / (freq + bm25K1*(1-bm25B+bm25B*docLen/avgLen))
			score += idf(term) * norm
		}
		if matched == 0 {
			continue
		}
		if operator == "and" && matched < len(uniqueTerms(terms)) {
			continue
		}
		results = append(results, scored{id: doc.ID, score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	out := make([]runtime.Hit, 0, len(results))
	for i, r := range results {
		out = append(out, runtime.Hit{ID: r.id, Score: r.score, Rank: i + 1})
	}
	return out
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	var out []string
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
