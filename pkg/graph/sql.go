// Package graph provides the dependency-graph provider backed by a SQL edge
// table. Postgres, MySQL and SQLite are supported through database/sql; the
// caller owns the connection.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kadirpekel/codeqa/pkg/runtime"
)

const defaultEdgeTable = "dependency_edges"

// identRe guards column names interpolated into SQL. Filter keys that do not
// look like identifiers are rejected rather than quoted.
var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLProviderOptions configures the SQL graph provider.
type SQLProviderOptions struct {
	DB        *sql.DB
	Driver    string
	EdgeTable string
}

// SQLProvider expands dependency trees by breadth-first traversal over an
// edge table. Scope filters become column equality conditions on every query,
// so edges outside the caller's ACL scope are never traversed.
type SQLProvider struct {
	db     *sql.DB
	driver string
	table  string
}

// NewSQLProvider creates the provider. Driver must be one of postgres,
// mysql, sqlite3.
func NewSQLProvider(opts SQLProviderOptions) (*SQLProvider, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch opts.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
	table := opts.EdgeTable
	if table == "" {
		table = defaultEdgeTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid edge table name %q", table)
	}
	return &SQLProvider{db: opts.DB, driver: opts.Driver, table: table}, nil
}

// ExpandDependencyTree walks outgoing edges breadth-first from the seeds.
// MaxDepth bounds BFS depth, MaxNodes bounds the total node count (seeds
// included); hitting the node cap sets Truncated. An empty non-nil allowlist
// disables traversal entirely.
func (p *SQLProvider) ExpandDependencyTree(ctx context.Context, req runtime.ExpandRequest) (*runtime.ExpandResult, error) {
	result := &runtime.ExpandResult{Nodes: append([]string(nil), req.Seeds...)}
	if len(req.Seeds) == 0 || req.MaxDepth < 1 || req.MaxNodes <= len(req.Seeds) {
		if req.MaxNodes > 0 && req.MaxNodes < len(result.Nodes) {
			result.Nodes = result.Nodes[:req.MaxNodes]
			result.Truncated = true
		}
		return result, nil
	}
	if req.EdgeAllowlist != nil && len(req.EdgeAllowlist) == 0 {
		return result, nil
	}

	visited := make(map[string]bool, len(req.Seeds))
	for _, seed := range req.Seeds {
		visited[seed] = true
	}

	frontier := append([]string(nil), req.Seeds...)
	for depth := 1; depth <= req.MaxDepth && len(frontier) > 0; depth++ {
		edges, err := p.outgoingEdges(ctx, frontier, req)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, edge := range edges {
			result.Edges = append(result.Edges, edge)
			if visited[edge.ToID] {
				continue
			}
			if len(result.Nodes) >= req.MaxNodes {
				result.Truncated = true
				continue
			}
			visited[edge.ToID] = true
			result.Nodes = append(result.Nodes, edge.ToID)
			next = append(next, edge.ToID)
		}
		if result.Truncated {
			break
		}
		frontier = next
	}
	return result, nil
}

// outgoingEdges fetches edges leaving the frontier, scope-filtered and
// allowlist-filtered server-side, ordered for deterministic traversal.
func (p *SQLProvider) outgoingEdges(ctx context.Context, frontier []string, req runtime.ExpandRequest) ([]runtime.GraphEdge, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, vals ...any) {
		conditions = append(conditions, cond)
		args = append(args, vals...)
	}

	add(fmt.Sprintf("from_id IN (%s)", p.placeholders(len(args), len(frontier))), anySlice(frontier)...)

	if len(req.EdgeAllowlist) > 0 {
		add(fmt.Sprintf("edge_type IN (%s)", p.placeholders(len(args), len(req.EdgeAllowlist))),
			anySlice(req.EdgeAllowlist)...)
	}

	filterKeys := make([]string, 0, len(req.Scope.Filters))
	for key := range req.Scope.Filters {
		filterKeys = append(filterKeys, key)
	}
	sort.Strings(filterKeys)
	for _, key := range filterKeys {
		if !identRe.MatchString(key) {
			return nil, fmt.Errorf("invalid filter key %q", key)
		}
		add(fmt.Sprintf("%s = %s", key, p.placeholder(len(args))), fmt.Sprint(req.Scope.Filters[key]))
	}

	query := fmt.Sprintf(
		"SELECT from_id, to_id, edge_type FROM %s WHERE %s ORDER BY from_id, to_id, edge_type",
		p.table, strings.Join(conditions, " AND "),
	)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("edge query failed: %w", err)
	}
	defer rows.Close()

	var edges []runtime.GraphEdge
	for rows.Next() {
		var edge runtime.GraphEdge
		if err := rows.Scan(&edge.FromID, &edge.ToID, &edge.EdgeType); err != nil {
			return nil, fmt.Errorf("edge scan failed: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge iteration failed: %w", err)
	}
	return edges, nil
}

// placeholder renders the bind marker for the argument at offset (0-based).
func (p *SQLProvider) placeholder(offset int) string {
	if p.driver == "postgres" {
		return fmt.Sprintf("$%d", offset+1)
	}
	return "?"
}

// placeholders renders count comma-separated markers starting at offset.
func (p *SQLProvider) placeholders(offset, count int) string {
	parts := make([]string, count)
	for i := 0; i < count; i++ {
		parts[i] = p.placeholder(offset + i)
	}
	return strings.Join(parts, ", ")
}

func anySlice(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

var _ runtime.GraphProvider = (*SQLProvider)(nil)
