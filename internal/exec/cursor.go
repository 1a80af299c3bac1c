package exec

import (
	"database/sql"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
)

// Cursor reads rows of one statement into a reused scan buffer.
type Cursor struct {
	rows   *sql.Rows
	node   *api.SQLExecution
	lease  *scope.Lease
	cols   []string
	colIdx map[string]int
	vals   []any
	ptrs   []any
	err    error
	closed bool

	// onClose releases the scope the cursor owns, if any.
	onClose func(scope.Outcome) error
}

var (
	_ api.Row = (*Cursor)(nil)
)

func newCursor(rows *sql.Rows, node *api.SQLExecution, lease *scope.Lease, onClose func(scope.Outcome) error) (*Cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	c := &Cursor{
		rows:    rows,
		node:    node,
		lease:   lease,
		cols:    cols,
		colIdx:  make(map[string]int, len(cols)),
		vals:    make([]any, len(cols)),
		ptrs:    make([]any, len(cols)),
		onClose: onClose,
	}
	for i, name := range cols {
		c.colIdx[name] = i
		c.ptrs[i] = &c.vals[i]
	}
	return c, nil
}

// Next advances to the next row.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil || !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(c.ptrs...); err != nil {
		c.err = err
		return false
	}
	return true
}

// Values returns the current row. The slice is reused by the next call to Next.
func (c *Cursor) Values() []any { return c.vals }

func (c *Cursor) Columns() []string { return c.cols }

func (c *Cursor) Value(i int) any { return c.vals[i] }

func (c *Cursor) ValueByName(name string) (any, bool) {
	i, ok := c.colIdx[name]
	if !ok {
		return nil, false
	}
	return c.vals[i], true
}

// Err returns the first error met while reading.
func (c *Cursor) Err() error {
	if c.err != nil {
		return backend(c.err, "scan row of %q", c.node.Connection.Name)
	}
	return backend(c.rows.Err(), "read rows of %q", c.node.Connection.Name)
}

// Lease returns the lease the statement ran on.
func (c *Cursor) Lease() *scope.Lease { return c.lease }

// Location is the time zone of the cursor's connection.
func (c *Cursor) Location() *time.Location { return c.lease.Location() }

// Connection is the resolved descriptor of the cursor's connection.
func (c *Cursor) Connection() api.Connection { return c.lease.Connection() }

// indices returns the positions of names in the result.
func (c *Cursor) indices(names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		pos, ok := c.colIdx[n]
		if !ok {
			return nil, errors.AssertionFailedf("column %q missing from result of %q", n, c.node.SQL)
		}
		out[i] = pos
	}
	return out, nil
}

// Close closes the rows and, when the cursor owns its scope, the scope:
// committed after a clean read, rolled back otherwise.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	err := backend(c.rows.Close(), "close rows of %q", c.node.Connection.Name)
	if c.onClose == nil {
		return err
	}
	outcome := scope.Commit
	if err != nil || c.err != nil || c.rows.Err() != nil {
		outcome = scope.Rollback
	}
	return errors.CombineErrors(err, c.onClose(outcome))
}
