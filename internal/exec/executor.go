// Package exec interprets execution plans against relational stores.
//
// Execute dispatches on the node type. SQL nodes yield live cursors, temp
// table nodes stage rows on a retained connection, blocks pin one connection
// per store for their whole body, and graph-fetch roots stream batches of
// object graphs assembled from parent and child queries.
package exec

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/dialect"
	"github.com/agentic-research/relexec/internal/metrics"
	"github.com/agentic-research/relexec/internal/object"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
)

// DefaultBatchSize is the number of root rows per graph-fetch batch when
// neither the plan nor the executor sets one.
const DefaultBatchSize = 1000

// PostProcessor re-streams the rows of a RelationalResultWrap.
type PostProcessor func(ctx context.Context, rows *StreamingResult) (Result, error)

// Executor runs plan nodes. It is stateless between calls and safe to share.
type Executor struct {
	materializers map[string]api.RowMaterializer
	extensions    map[string]PostProcessor
	reporter      metrics.Reporter
	log           *slog.Logger
	batchSize     int
	onStatement   func(api.SQLExecution)
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaterializer registers a row materializer under name.
func WithMaterializer(name string, m api.RowMaterializer) Option {
	return func(e *Executor) { e.materializers[name] = m }
}

// WithExtension registers a post-processor for RelationalResultWrap transforms.
func WithExtension(name string, p PostProcessor) Option {
	return func(e *Executor) { e.extensions[name] = p }
}

// WithReporter sets where batch statistics go.
func WithReporter(r metrics.Reporter) Option {
	return func(e *Executor) { e.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithDefaultBatchSize overrides DefaultBatchSize.
func WithDefaultBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithStatementHook calls fn before every statement a SQL node runs.
func WithStatementHook(fn func(api.SQLExecution)) Option {
	return func(e *Executor) { e.onStatement = fn }
}

// NewExecutor returns an executor with the built-in "rows" extension, which
// re-streams rows as column maps.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		materializers: make(map[string]api.RowMaterializer),
		extensions:    map[string]PostProcessor{"rows": rowMaps},
		reporter:      metrics.Nop{},
		log:           slog.Default(),
		batchSize:     DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs node in ec.
func (e *Executor) Execute(ctx context.Context, node api.Node, ec *ExecutionContext) (Result, error) {
	switch n := node.(type) {
	case *api.SQLExecution:
		cur, err := e.openCursor(ctx, ec, n)
		if err != nil {
			return nil, err
		}
		return &StreamingResult{Cursor: cur}, nil
	case *api.Constant:
		return &ConstantResult{Value: n.Value}, nil
	case *api.CreateAndPopulateTempTable:
		return e.populateTempTable(ctx, n, ec)
	case *api.RelationalResultWrap:
		return e.wrap(ctx, n, ec)
	case *api.Block:
		return e.block(ctx, n, ec)
	case *api.Sequence:
		return e.sequence(ctx, n, ec)
	case *api.Allocation:
		r, err := e.Execute(ctx, n.Value, ec)
		if err != nil {
			return nil, errors.Wrapf(err, "allocate %q", n.Name)
		}
		if err := ec.SetResult(n.Name, r); err != nil {
			return nil, err
		}
		return Success(), nil
	case *api.GraphFetchRoot:
		return e.graphFetch(ctx, n, ec)
	default:
		return nil, errors.AssertionFailedf("execute %T: not implemented", node)
	}
}

// openCursor runs q. In a retaining context the connection comes from the
// context's scope and outlives the cursor; otherwise the cursor owns a
// one-off scope that closes with it.
func (e *Executor) openCursor(ctx context.Context, ec *ExecutionContext, q *api.SQLExecution) (*Cursor, error) {
	if e.onStatement != nil {
		e.onStatement(*q)
	}

	st := ec.Store()
	if st.Retain {
		lease, err := st.Scope.Lease(ctx, q.Connection)
		if err != nil {
			return nil, backend(err, "lease %q", q.Connection.Name)
		}
		rows, err := lease.Querier().QueryContext(ctx, q.SQL)
		if err != nil {
			return nil, backend(err, "query %q", q.Connection.Name)
		}
		cur, err := newCursor(rows, q, lease, nil)
		if err != nil {
			_ = rows.Close() // safe to ignore
			return nil, backend(err, "query %q", q.Connection.Name)
		}
		return cur, nil
	}

	s := ec.newScope()
	fail := func(err error) (*Cursor, error) {
		return nil, withCleanup(err, s.Close(ctx, scope.Rollback))
	}
	lease, err := s.Lease(ctx, q.Connection)
	if err != nil {
		return fail(backend(err, "lease %q", q.Connection.Name))
	}
	rows, err := lease.Querier().QueryContext(ctx, q.SQL)
	if err != nil {
		return fail(backend(err, "query %q", q.Connection.Name))
	}
	cur, err := newCursor(rows, q, lease, func(o scope.Outcome) error { return s.Close(ctx, o) })
	if err != nil {
		_ = rows.Close() // safe to ignore
		return fail(backend(err, "query %q", q.Connection.Name))
	}
	return cur, nil
}

func (e *Executor) populateTempTable(ctx context.Context, n *api.CreateAndPopulateTempTable, ec *ExecutionContext) (Result, error) {
	var (
		input Result
		owned bool
	)
	switch {
	case n.InputName != "":
		r, ok := ec.Result(n.InputName)
		if !ok {
			return nil, usagef("temp table %q: no result allocated under %q", n.Table, n.InputName)
		}
		input = r
	case n.Input != nil:
		r, err := e.Execute(ctx, n.Input, ec)
		if err != nil {
			return nil, err
		}
		input, owned = r, true
	default:
		return nil, usagef("temp table %q has no input", n.Table)
	}

	err := e.stageRows(ctx, n, ec, input)
	if owned {
		err = withCleanup(err, input.Close())
	}
	if err != nil {
		return nil, err
	}
	return Success(), nil
}

// stageRows validates the shape of input before any DDL runs, so a rejected
// input never leaves a table behind.
func (e *Executor) stageRows(ctx context.Context, n *api.CreateAndPopulateTempTable, ec *ExecutionContext, input Result) error {
	rows, cur, err := inputRows(input, len(n.Columns))
	if err != nil {
		return errors.Wrapf(err, "temp table %q", n.Table)
	}

	lease, err := ec.Store().Scope.Lease(ctx, n.Connection)
	if err != nil {
		return backend(err, "lease %q", n.Connection.Name)
	}
	d, err := dialect.For(lease.Connection().Driver)
	if err != nil {
		return err
	}
	if cur != nil && cur.Lease() == lease {
		// One session cannot read and write at once on every driver.
		rows = dialect.FromSlice(drain(cur))
		if err := cur.Err(); err != nil {
			return err
		}
	}

	registerDrop(lease, d, n.Table)
	table := api.TempTable{Name: n.Table, Columns: n.Columns}
	count, err := dialect.Populate(ctx, d, lease.Querier(), table, rows, lease.Location())
	if err != nil {
		return backend(err, "stage %q", n.Table)
	}
	e.log.DebugContext(ctx, "temp table populated",
		"exec_id", ec.ID.String(), "table", n.Table, "connection", n.Connection.Name, "rows", count)
	return nil
}

// registerDrop schedules the table's removal for either outcome of the
// lease's scope.
func registerDrop(lease *scope.Lease, d dialect.Dialect, table string) {
	stmt := d.DropTempTable(table)
	drop := func(ctx context.Context, q scope.Querier) error {
		_, err := q.ExecContext(ctx, stmt)
		return backend(err, "drop temp table %q", table)
	}
	lease.AddCommitCleanup(drop)
	lease.AddRollbackCleanup(drop)
}

// inputRows accepts a constant list of scalars, a constant list of rows, or a
// live cursor. Anything else is a usage error.
func inputRows(r Result, width int) (dialect.Rows, *Cursor, error) {
	switch x := unwrap(r).(type) {
	case *StreamingResult:
		if got := len(x.Columns()); got != width {
			return nil, nil, usagef("input has %d columns, want %d", got, width)
		}
		return x.Cursor, x.Cursor, nil
	case *ConstantResult:
		rows, err := constantRows(x.Value, width)
		return rows, nil, err
	default:
		return nil, nil, usagef("cannot stage rows from %T", r)
	}
}

func constantRows(v any, width int) (dialect.Rows, error) {
	var rows [][]any
	switch x := v.(type) {
	case [][]any:
		rows = x
	case []any:
		rows = make([][]any, len(x))
		for i, el := range x {
			switch row := el.(type) {
			case []any:
				rows[i] = row
			case nil, string, bool, int, int32, int64, float32, float64, time.Time:
				rows[i] = []any{row}
			default:
				return nil, usagef("element %d is %T, not a scalar or row", i, el)
			}
		}
	default:
		return nil, usagef("cannot stage rows from constant %T", v)
	}
	for i, row := range rows {
		if len(row) != width {
			return nil, usagef("row %d has %d values, want %d", i, len(row), width)
		}
	}
	return dialect.FromSlice(rows), nil
}

func drain(cur *Cursor) [][]any {
	var out [][]any
	for cur.Next() {
		out = append(out, append([]any(nil), cur.Values()...))
	}
	return out
}

func (e *Executor) wrap(ctx context.Context, n *api.RelationalResultWrap, ec *ExecutionContext) (Result, error) {
	if n.SQL == nil {
		return nil, errors.AssertionFailedf("relational result without query")
	}
	var post PostProcessor
	if n.Transform != "" {
		p, ok := e.extensions[n.Transform]
		if !ok {
			return nil, errors.AssertionFailedf("no extension registered for transform %q", n.Transform)
		}
		post = p
	}

	cur, err := e.openCursor(ctx, ec, n.SQL)
	if err != nil {
		return nil, err
	}
	var res Result = &StreamingResult{Cursor: cur}
	if post != nil {
		if res, err = post(ctx, &StreamingResult{Cursor: cur}); err != nil {
			return nil, withCleanup(err, cur.Close())
		}
	}
	if n.Cardinality != "one" {
		return res, nil
	}

	v, err := first(res)
	return &ConstantResult{Value: v}, withCleanup(err, res.Close())
}

// first reads the first value of a cursor or object stream.
func first(r Result) (any, error) {
	switch x := r.(type) {
	case *StreamingResult:
		if !x.Next() {
			return nil, x.Err()
		}
		if len(x.Values()) == 0 {
			return nil, nil
		}
		return x.Value(0), nil
	case *ObjectStreamResult:
		if !x.Next() {
			return nil, x.Err()
		}
		return x.Object(), nil
	case *ConstantResult:
		return x.Value, nil
	default:
		return nil, usagef("cannot collapse %T to a single value", r)
	}
}

func rowMaps(_ context.Context, rows *StreamingResult) (Result, error) {
	return NewObjectStream(rows, func(row api.Row) (any, error) {
		cols := row.Columns()
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			v := row.Value(i)
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			m[c] = v
		}
		return m, nil
	}), nil
}

func (e *Executor) block(ctx context.Context, n *api.Block, ec *ExecutionContext) (Result, error) {
	child := ec.WithRetainedConnection()
	s := child.Store().Scope

	res, err := e.Execute(ctx, n.Body, child)
	s.UnlockAll()
	if err != nil {
		cerr := child.closeResults()
		return nil, withCleanup(err, errors.CombineErrors(cerr, s.Close(ctx, scope.Rollback)))
	}
	if _, ok := res.(*ConstantResult); ok {
		if err := child.closeResults(); err != nil {
			return nil, withCleanup(err, s.Close(ctx, scope.Rollback))
		}
		return res, s.Close(ctx, scope.Commit)
	}
	return &BlockResult{ctx: ctx, inner: res, ec: child, scope: s}, nil
}

func (e *Executor) sequence(ctx context.Context, n *api.Sequence, ec *ExecutionContext) (Result, error) {
	if len(n.Nodes) == 0 {
		return Success(), nil
	}
	for _, node := range n.Nodes[:len(n.Nodes)-1] {
		r, err := e.Execute(ctx, node, ec)
		if err != nil {
			return nil, err
		}
		if err := r.Close(); err != nil {
			return nil, err
		}
	}
	return e.Execute(ctx, n.Nodes[len(n.Nodes)-1], ec)
}

// materializer resolves the row materializer of a fetch node: a registered
// one by name, else one built from the node's class mapping.
func (e *Executor) materializer(f *api.FetchNode) (api.RowMaterializer, error) {
	if f.Materializer != "" {
		m, ok := e.materializers[f.Materializer]
		if !ok {
			return nil, errors.AssertionFailedf("unsupported row materializer %q for node %d", f.Materializer, f.Index)
		}
		return m, nil
	}
	if f.Class != nil {
		m, err := object.NewMaterializer(*f.Class)
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", f.Index)
		}
		return m, nil
	}
	return nil, errors.AssertionFailedf("node %d has neither a materializer nor a class mapping", f.Index)
}
