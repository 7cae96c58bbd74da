package jsonish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_StrictJSON(t *testing.T) {
	m, ok := Parse(`{"decision": "retrieve", "query": "class AccountService"}`)
	require.True(t, ok)
	assert.Equal(t, "retrieve", m["decision"])
	assert.Equal(t, "class AccountService", m["query"])
}

func TestParse_CodeFences(t *testing.T) {
	m, ok := Parse("Here you go:\n```json\n{\"query\": \"invoice posting\"}\n```")
	require.True(t, ok)
	assert.Equal(t, "invoice posting", m["query"])
}

func TestParse_SurroundingProse(t *testing.T) {
	m, ok := Parse(`Sure! {"decision": "answer"} Hope that helps.`)
	require.True(t, ok)
	assert.Equal(t, "answer", m["decision"])
}

func TestParse_SmartQuotes(t *testing.T) {
	m, ok := Parse(`{“query”: “billing”}`)
	require.True(t, ok)
	assert.Equal(t, "billing", m["query"])
}

func TestParse_PythonLiterals(t *testing.T) {
	m, ok := Parse(`{"more": True, "done": False, "extra": None}`)
	require.True(t, ok)
	assert.Equal(t, true, m["more"])
	assert.Equal(t, false, m["done"])
	assert.Nil(t, m["extra"])
}

func TestParse_SingleQuotes(t *testing.T) {
	m, ok := Parse(`{'query': 'stored "proc" lookup'}`)
	require.True(t, ok)
	assert.Equal(t, `stored "proc" lookup`, m["query"])
}

func TestParse_BareKeysAndTrailingComma(t *testing.T) {
	m, ok := Parse(`{decision: "retrieve", query: "ledger",}`)
	require.True(t, ok)
	assert.Equal(t, "retrieve", m["decision"])
	assert.Equal(t, "ledger", m["query"])
}

func TestParse_KeyValueFallback(t *testing.T) {
	m, ok := Parse("decision=retrieve, query=class OrderService")
	require.True(t, ok)
	assert.Equal(t, "retrieve", m["decision"])
	assert.Equal(t, "class OrderService", m["query"])
}

func TestParse_Unparseable(t *testing.T) {
	for _, text := range []string{"", "just prose, no structure", "[1, 2, 3]"} {
		_, ok := Parse(text)
		assert.False(t, ok, "expected no parse for %q", text)
	}
}

func TestCompact_SortsKeys(t *testing.T) {
	out := Compact(map[string]any{"zebra": 1.0, "alpha": "x"})
	assert.Equal(t, `{"alpha":"x","zebra":1}`, out)
}

func TestString_NonStringScalars(t *testing.T) {
	m := map[string]any{"n": 3.0, "b": true, "s": "txt", "list": []any{1}}

	v, ok := String(m, "s")
	require.True(t, ok)
	assert.Equal(t, "txt", v)

	v, ok = String(m, "n")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	v, ok = String(m, "b")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = String(m, "list")
	assert.False(t, ok)

	_, ok = String(m, "missing")
	assert.False(t, ok)
}
