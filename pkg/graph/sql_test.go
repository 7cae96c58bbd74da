package graph

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

func newTestProvider(t *testing.T) *SQLProvider {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE dependency_edges (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		repository TEXT NOT NULL
	)`)
	require.NoError(t, err)

	edges := [][4]string{
		{"a", "b", "calls", "shop"},
		{"a", "c", "imports", "shop"},
		{"b", "d", "calls", "shop"},
		{"d", "e", "calls", "shop"},
		{"a", "x", "calls", "other-repo"},
	}
	for _, e := range edges {
		_, err = db.Exec("INSERT INTO dependency_edges VALUES (?, ?, ?, ?)", e[0], e[1], e[2], e[3])
		require.NoError(t, err)
	}

	provider, err := NewSQLProvider(SQLProviderOptions{DB: db, Driver: "sqlite3"})
	require.NoError(t, err)
	return provider
}

func shopScope() runtime.Scope {
	return runtime.Scope{Filters: map[string]any{"repository": "shop"}}
}

func TestExpand_BFSDepth(t *testing.T) {
	provider := newTestProvider(t)

	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 2, MaxNodes: 10,
	})
	require.NoError(t, err)
	// Depth 1 reaches b and c, depth 2 reaches d; e is at depth 3.
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Nodes)
	assert.False(t, res.Truncated)
	require.Len(t, res.Edges, 3)
	assert.Equal(t, "calls", res.Edges[0].EdgeType)
}

func TestExpand_ScopeFilterExcludesOtherRepos(t *testing.T) {
	provider := newTestProvider(t)
	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 1, MaxNodes: 10,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Nodes, "x")
}

func TestExpand_EdgeAllowlist(t *testing.T) {
	provider := newTestProvider(t)
	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 2, MaxNodes: 10,
		EdgeAllowlist: []string{"imports"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Nodes)
}

func TestExpand_EmptyAllowlistDisablesTraversal(t *testing.T) {
	provider := newTestProvider(t)
	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 2, MaxNodes: 10,
		EdgeAllowlist: []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Nodes)
	assert.Empty(t, res.Edges)
}

func TestExpand_MaxNodesTruncates(t *testing.T) {
	provider := newTestProvider(t)
	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 3, MaxNodes: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, res.Nodes)
	assert.True(t, res.Truncated)
}

func TestExpand_DegenerateRequests(t *testing.T) {
	provider := newTestProvider(t)

	res, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Scope: shopScope(), MaxDepth: 2, MaxNodes: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Nodes)

	res, err = provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a"}, Scope: shopScope(), MaxDepth: 0, MaxNodes: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Nodes)

	// A node budget below the seed count truncates the seeds themselves.
	res, err = provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds: []string{"a", "b", "c"}, Scope: shopScope(), MaxDepth: 2, MaxNodes: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Nodes)
	assert.True(t, res.Truncated)
}

func TestExpand_InvalidFilterKeyRejected(t *testing.T) {
	provider := newTestProvider(t)
	_, err := provider.ExpandDependencyTree(context.Background(), runtime.ExpandRequest{
		Seeds:    []string{"a"},
		Scope:    runtime.Scope{Filters: map[string]any{"repository; DROP TABLE x": "v"}},
		MaxDepth: 1, MaxNodes: 10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter key")
}

func TestNewSQLProvider_Validation(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLProvider(SQLProviderOptions{Driver: "sqlite3"})
	assert.Error(t, err, "db required")

	_, err = NewSQLProvider(SQLProviderOptions{DB: db, Driver: "oracle"})
	assert.Error(t, err, "unsupported driver")

	_, err = NewSQLProvider(SQLProviderOptions{DB: db, Driver: "sqlite3", EdgeTable: "bad table"})
	assert.Error(t, err, "invalid table name")
}
