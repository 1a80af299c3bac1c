// Package lint checks the SQL embedded in an execution plan before it runs.
package lint

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentic-research/relexec/api"
	"github.com/cockroachdb/errors"
	sitter "github.com/smacker/go-tree-sitter"
	sqllang "github.com/smacker/go-tree-sitter/sql"
)

// Diagnostic is one finding. Line and Column are 0-indexed positions inside
// the statement text; Node is the plan node the statement belongs to.
type Diagnostic struct {
	Node    api.Kind
	Index   int // fetch node index, -1 outside graph fetches
	Line    uint32
	Column  uint32
	Message string
}

func (d Diagnostic) String() string {
	if d.Index >= 0 {
		return fmt.Sprintf("%s[%d] %d:%d: %s", d.Node, d.Index, d.Line+1, d.Column+1, d.Message)
	}
	return fmt.Sprintf("%s %d:%d: %s", d.Node, d.Line+1, d.Column+1, d.Message)
}

// SQL returns a diagnostic for every syntax error in text. Statements with
// dialect extensions the grammar does not know may be reported too, so
// callers treat findings as warnings.
func SQL(ctx context.Context, text string) ([]Diagnostic, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(sqllang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, []byte(text))
	if err != nil {
		return nil, errors.Wrap(err, "parse sql")
	}
	root := tree.RootNode()
	if root == nil || !root.HasError() {
		return nil, nil
	}

	var out []Diagnostic
	collectErrors(root, &out)
	if len(out) == 0 {
		out = append(out, Diagnostic{Message: "statement does not parse"})
	}
	return out, nil
}

// collectErrors gathers ERROR and MISSING nodes without descending into them.
func collectErrors(node *sitter.Node, out *[]Diagnostic) {
	if node.IsError() || node.IsMissing() {
		msg := "syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("missing %s", node.Type())
		}
		*out = append(*out, Diagnostic{
			Line:    node.StartPoint().Row,
			Column:  node.StartPoint().Column,
			Message: msg,
		})
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.HasError() || child.IsError() || child.IsMissing() {
			collectErrors(child, out)
		}
	}
}

// Plan lints every statement in the tree rooted at root. Besides syntax it
// flags child fetches whose query never mentions the temp table their
// parent stages keys into, and cross roots whose query ignores their own
// key table; both fail at run time with no rows to match.
func Plan(ctx context.Context, root api.Node) ([]Diagnostic, error) {
	var (
		out  []Diagnostic
		err  error
		seen = make(map[*api.SQLExecution]bool)
	)
	api.Walk(root, func(n api.Node) bool {
		if err != nil {
			return false
		}
		if g, ok := n.(api.GraphFetch); ok {
			out = append(out, tableRefs(g)...)
		}
		owner, index, q := statement(n)
		if q == nil || seen[q] {
			return true
		}
		seen[q] = true

		var diags []Diagnostic
		if diags, err = SQL(ctx, q.SQL); err != nil {
			err = errors.Wrapf(err, "%s", owner)
			return false
		}
		for _, d := range diags {
			d.Node, d.Index = owner, index
			out = append(out, d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// statement returns the SQL a node runs, attributed to the fetch or wrap
// that owns it. Owners are visited before their statements, so each
// statement is reported once under its owner.
func statement(n api.Node) (api.Kind, int, *api.SQLExecution) {
	switch n := n.(type) {
	case *api.SQLExecution:
		return n.Kind(), -1, n
	case *api.RelationalResultWrap:
		return n.Kind(), -1, n.SQL
	case *api.GraphFetchClassChild:
		return n.Kind(), n.Index, n.SQL
	case *api.GraphFetchPrimitiveChild:
		return n.Kind(), n.Index, n.SQL
	case *api.GraphFetchCrossRoot:
		return n.Kind(), n.Index, n.SQL
	case *api.GraphFetchRoot:
		if q, ok := n.Source.(*api.SQLExecution); ok {
			return n.Kind(), n.Index, q
		}
	}
	return "", 0, nil
}

func tableRefs(parent api.GraphFetch) []Diagnostic {
	var out []Diagnostic
	pf := parent.Fetch()
	for _, c := range pf.Children {
		var q *api.SQLExecution
		switch c := c.(type) {
		case *api.GraphFetchClassChild:
			q = c.SQL
		case *api.GraphFetchPrimitiveChild:
			q = c.SQL
		case *api.GraphFetchCrossRoot:
			if c.SQL != nil && !mentions(c.SQL.SQL, c.CrossTempTable.Name) {
				out = append(out, Diagnostic{
					Node: c.Kind(), Index: c.Index,
					Message: fmt.Sprintf("query does not reference key table %q", c.CrossTempTable.Name),
				})
			}
			continue
		}
		if q == nil || pf.TempTable == nil {
			continue
		}
		if !mentions(q.SQL, pf.TempTable.Name) {
			f := c.(api.GraphFetch).Fetch()
			out = append(out, Diagnostic{
				Node: c.Kind(), Index: f.Index,
				Message: fmt.Sprintf("query does not reference parent key table %q", pf.TempTable.Name),
			})
		}
	}
	return out
}

func mentions(sql, table string) bool {
	return table != "" && strings.Contains(strings.ToLower(sql), strings.ToLower(table))
}
