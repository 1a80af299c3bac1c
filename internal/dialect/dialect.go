// Package dialect renders temp-table DDL and bulk inserts for the databases
// the engine can stage data in.
package dialect

import (
	"context"
	"strings"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
)

// Rows is a forward-only row source. Values may reuse its slice between calls.
type Rows interface {
	Next() bool
	Values() []any
	Err() error
}

// Dialect knows the SQL spelling of one database.
type Dialect interface {
	Name() string
	Quote(ident string) string
	Placeholder(n int) string
	ColumnType(portable string) string
	CreateTempTable(t api.TempTable) string
	DropTempTable(table string) string
	// MaxParams is the number of bind parameters one statement may carry.
	MaxParams() int
}

// For returns the dialect of a connection driver.
func For(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "mysql":
		return MySQL{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, errors.Newf("no dialect for driver %q", driver)
	}
}

// maxRowsPerInsert bounds a single multi-row INSERT regardless of parameter limits.
const maxRowsPerInsert = 500

// Populate creates t and streams rows into it with multi-row INSERTs.
// Time values are shifted into loc before binding. It returns the row count.
func Populate(ctx context.Context, d Dialect, q scope.Querier, t api.TempTable, rows Rows, loc *time.Location) (int, error) {
	if len(t.Columns) == 0 {
		return 0, errors.Newf("temp table %q has no columns", t.Name)
	}
	if _, err := q.ExecContext(ctx, d.CreateTempTable(t)); err != nil {
		return 0, errors.Wrapf(err, "create temp table %q", t.Name)
	}

	width := len(t.Columns)
	perStmt := d.MaxParams() / width
	if perStmt > maxRowsPerInsert {
		perStmt = maxRowsPerInsert
	}
	if perStmt < 1 {
		return 0, errors.Newf("temp table %q: %d columns exceed the parameter limit", t.Name, width)
	}

	prefix := insertPrefix(d, t)
	args := make([]any, 0, perStmt*width)
	pending, total := 0, 0

	flush := func() error {
		if pending == 0 {
			return nil
		}
		stmt := prefix + valuesClause(d, pending, width)
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "populate temp table %q", t.Name)
		}
		total += pending
		pending = 0
		args = args[:0]
		return nil
	}

	for rows.Next() {
		vals := rows.Values()
		if len(vals) != width {
			return total, errors.Newf("temp table %q: row has %d values, want %d", t.Name, len(vals), width)
		}
		for _, v := range vals {
			if tv, ok := v.(time.Time); ok && loc != nil {
				v = tv.In(loc)
			}
			args = append(args, v)
		}
		pending++
		if pending == perStmt {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return total, errors.Wrapf(err, "read input of temp table %q", t.Name)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func insertPrefix(d Dialect, t api.TempTable) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(d.Quote(t.Name))
	sb.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.Quote(c.Name))
	}
	sb.WriteString(") VALUES ")
	return sb.String()
}

func valuesClause(d Dialect, rows, width int) string {
	var sb strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.Placeholder(n))
			n++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func createTable(d Dialect, keyword string, t api.TempTable) string {
	var sb strings.Builder
	sb.WriteString(keyword)
	sb.WriteByte(' ')
	sb.WriteString(d.Quote(t.Name))
	sb.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.Quote(c.Name))
		sb.WriteByte(' ')
		sb.WriteString(d.ColumnType(c.Type))
	}
	sb.WriteByte(')')
	return sb.String()
}

// SliceRows adapts in-memory rows to Rows.
type SliceRows struct {
	rows [][]any
	pos  int
}

// FromSlice returns a Rows over rows.
func FromSlice(rows [][]any) *SliceRows { return &SliceRows{rows: rows, pos: -1} }

func (s *SliceRows) Next() bool {
	s.pos++
	return s.pos < len(s.rows)
}

func (s *SliceRows) Values() []any { return s.rows[s.pos] }

func (s *SliceRows) Err() error { return nil }
