package retrieval

import (
	"sort"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

// rrfFuse merges two ranked lists by reciprocal rank fusion:
// score(id) = sum over lists of 1/(k + rank(id)). Ids absent from a list
// contribute nothing for it. Ties break by semantic rank, then bm25 rank,
// then id, so fusion is fully deterministic.
func rrfFuse(semantic, bm25 []runtime.Hit, k, limit int) []runtime.Hit {
	semRank := rankIndex(semantic)
	bmRank := rankIndex(bm25)

	ids := make([]string, 0, len(semRank)+len(bmRank))
	seen := make(map[string]bool, len(semRank)+len(bmRank))
	for _, hit := range semantic {
		if !seen[hit.ID] {
			seen[hit.ID] = true
			ids = append(ids, hit.ID)
		}
	}
	for _, hit := range bm25 {
		if !seen[hit.ID] {
			seen[hit.ID] = true
			ids = append(ids, hit.ID)
		}
	}

	scores := make(map[string]float64, len(ids))
	for _, id := range ids {
		var score float64
		if rank, ok := semRank[id]; ok {
			score += 1.0 / float64(k+rank)
		}
		if rank, ok := bmRank[id]; ok {
			score += 1.0 / float64(k+rank)
		}
		scores[id] = score
	}

	sort.SliceStable(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		ra, aOK := semRank[a]
		rb, bOK := semRank[b]
		if aOK && bOK && ra != rb {
			return ra < rb
		}
		if aOK != bOK {
			return aOK
		}
		ra, aOK = bmRank[a]
		rb, bOK = bmRank[b]
		if aOK && bOK && ra != rb {
			return ra < rb
		}
		if aOK != bOK {
			return aOK
		}
		return a < b
	})

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]runtime.Hit, 0, len(ids))
	for i, id := range ids {
		out = append(out, runtime.Hit{ID: id, Score: scores[id], Rank: i + 1})
	}
	return out
}

// rankIndex maps id to its 1-based rank, first occurrence wins.
func rankIndex(hits []runtime.Hit) map[string]int {
	idx := make(map[string]int, len(hits))
	for i, hit := range hits {
		if _, dup := idx[hit.ID]; !dup {
			idx[hit.ID] = i + 1
		}
	}
	return idx
}
