package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bm25Docs = []candidateDoc{
	{ID: "billing", Text: "invoice posting handles ledger entries and invoice totals"},
	{ID: "ledger", Text: "the ledger stores account balances"},
	{ID: "util", Text: "string formatting helpers"},
}

func TestScoreBM25_OrMatchesAnyTerm(t *testing.T) {
	hits := scoreBM25("invoice ledger", bm25Docs, "or", 0)
	require.Len(t, hits, 2)
	ids := []string{hits[0].ID, hits[1].ID}
	assert.Contains(t, ids, "billing")
	assert.Contains(t, ids, "ledger")
	assert.Equal(t, 1, hits[0].Rank)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestScoreBM25_AndRequiresAllTerms(t *testing.T) {
	hits := scoreBM25("invoice ledger", bm25Docs, "and", 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "billing", hits[0].ID)

	// Duplicate query terms don't inflate the match requirement.
	hits = scoreBM25("ledger ledger balances", bm25Docs, "and", 0)
	require.Len(t, hits, 1)
	assert.Equal(t, "ledger", hits[0].ID)
}

func TestScoreBM25_TieBreaksByID(t *testing.T) {
	docs := []candidateDoc{
		{ID: "b", Text: "same words here"},
		{ID: "a", Text: "same words here"},
	}
	hits := scoreBM25("same words", docs, "or", 0)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
}

func TestScoreBM25_Limit(t *testing.T) {
	hits := scoreBM25("ledger", bm25Docs, "or", 1)
	assert.Len(t, hits, 1)
}

func TestScoreBM25_EmptyInputs(t *testing.T) {
	assert.Nil(t, scoreBM25("", bm25Docs, "or", 0))
	assert.Nil(t, scoreBM25("...", bm25Docs, "or", 0))
	assert.Nil(t, scoreBM25("ledger", nil, "or", 0))
	assert.Nil(t, scoreBM25("missing everywhere zzz", bm25Docs, "or", 0))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"postinvoice", "handles", "x", "1"}, tokenize("PostInvoice handles x_1?"))
	assert.Empty(t, tokenize("---"))
}
