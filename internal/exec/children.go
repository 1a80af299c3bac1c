package exec

import (
	"context"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/dialect"
	"github.com/agentic-research/relexec/internal/dualindex"
	"github.com/agentic-research/relexec/internal/keys"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
)

func scopeOutcome(err error) scope.Outcome {
	if err != nil {
		return scope.Rollback
	}
	return scope.Commit
}

// dispatchChildren fetches every child of f for parents, the objects f
// materialized in this batch. It runs inside the stage's own scope.
func (r *GraphFetchResult) dispatchChildren(ctx context.Context, f *api.FetchNode, mat api.RowMaterializer, parents []any, batch *GraphObjectsBatch) error {
	acc := mat.PrimaryKey()

	var joined []*api.SQLExecution
	for _, c := range f.Children {
		switch c := c.(type) {
		case *api.GraphFetchClassChild:
			joined = append(joined, c.SQL)
		case *api.GraphFetchPrimitiveChild:
			joined = append(joined, c.SQL)
		}
	}
	if len(joined) > 0 {
		if err := r.stageParentKeys(ctx, f, acc, parents, joined); err != nil {
			return err
		}
	}

	idx := dualindex.New[any, any, api.Row](objectStrategy(acc), nil)
	for _, p := range parents {
		idx.Put(p, p)
	}

	for _, c := range f.Children {
		var err error
		switch c := c.(type) {
		case *api.GraphFetchClassChild:
			err = r.fetchClassChild(ctx, c, mat, idx, batch)
		case *api.GraphFetchPrimitiveChild:
			err = r.fetchPrimitiveChild(ctx, c, mat, idx, batch)
		case *api.GraphFetchCrossRoot:
			err = r.fetchCrossRoot(ctx, c, mat, parents, batch)
		default:
			err = errors.AssertionFailedf("graph fetch child %T: not implemented", c)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stageParentKeys writes the parents' primary keys into f's temp table on
// every connection the joined child queries run on.
func (r *GraphFetchResult) stageParentKeys(ctx context.Context, f *api.FetchNode, acc []api.KeyAccessor, parents []any, joined []*api.SQLExecution) error {
	if f.TempTable == nil {
		return errors.AssertionFailedf("node %d: children join on parent keys but no temp table is defined", f.Index)
	}
	if len(acc) == 0 || len(acc) != len(f.TempTable.Columns) {
		return errors.AssertionFailedf("node %d: %d key accessors for %d temp table columns",
			f.Index, len(acc), len(f.TempTable.Columns))
	}

	rows := make([][]any, len(parents))
	for i, p := range parents {
		rows[i] = project(p, acc)
	}

	staged := make(map[string]bool)
	for _, q := range joined {
		if q == nil {
			return errors.AssertionFailedf("node %d: child without query", f.Index)
		}
		if staged[q.Connection.Name] {
			continue
		}
		staged[q.Connection.Name] = true

		if err := r.populate(ctx, q.Connection, *f.TempTable, rows); err != nil {
			return err
		}
		if err := r.ec.SetResult(f.TempTable.Name, &TempTableResult{Table: f.TempTable.Name, Connection: q.Connection.Name}); err != nil {
			return err
		}
	}
	return nil
}

// populate creates and fills t on the current scope's lease for conn and
// schedules its drop.
func (r *GraphFetchResult) populate(ctx context.Context, conn api.Connection, t api.TempTable, rows [][]any) error {
	lease, err := r.ec.Store().Scope.Lease(ctx, conn)
	if err != nil {
		return backend(err, "lease %q", conn.Name)
	}
	d, err := dialect.For(lease.Connection().Driver)
	if err != nil {
		return err
	}
	registerDrop(lease, d, t.Name)
	if _, err := dialect.Populate(ctx, d, lease.Querier(), t, dialect.FromSlice(rows), lease.Location()); err != nil {
		return backend(err, "stage keys in %q", t.Name)
	}
	return nil
}

func (r *GraphFetchResult) fetchClassChild(ctx context.Context, c *api.GraphFetchClassChild, parentMat api.RowMaterializer, parents *dualindex.Index[any, any, api.Row], batch *GraphObjectsBatch) error {
	f := &c.FetchNode
	mat, err := r.materializer(f)
	if err != nil {
		return err
	}
	if len(c.ParentKeyColumns) != len(parentMat.PrimaryKey()) {
		return errors.AssertionFailedf("node %d: %d parent key columns for %d parent key accessors",
			f.Index, len(c.ParentKeyColumns), len(parentMat.PrimaryKey()))
	}

	cur, err := r.e.openCursor(ctx, r.ec, c.SQL)
	if err != nil {
		return errors.Wrapf(err, "node %d", f.Index)
	}
	pos, err := cur.indices(c.ParentKeyColumns)
	if err != nil {
		return withCleanup(err, cur.Close())
	}
	parents.SwitchSecondaryStrategy(rowStrategy(parentMat.PrimaryKey(), pos))

	entry := r.cacheFor(f, c, mat)
	objs, fresh, err := r.readChildren(cur, f, mat, entry,
		func(row api.Row) (any, bool) { return parents.GetBySecondary(row) },
		func(parent, child any) error { return parentMat.AddChild(parent, child, f.Property) },
		batch)
	// The cursor must be closed before grandchildren reuse the session.
	if err = withCleanup(err, cur.Close()); err != nil {
		return err
	}

	batch.add(f.Index, objs, mat.PrimaryKey(), fresh)
	return r.finish(ctx, f, mat, entry, objs, fresh, batch)
}

func (r *GraphFetchResult) fetchPrimitiveChild(ctx context.Context, c *api.GraphFetchPrimitiveChild, parentMat api.RowMaterializer, parents *dualindex.Index[any, any, api.Row], batch *GraphObjectsBatch) error {
	f := &c.FetchNode
	if len(c.ParentKeyColumns) != len(parentMat.PrimaryKey()) {
		return errors.AssertionFailedf("node %d: %d parent key columns for %d parent key accessors",
			f.Index, len(c.ParentKeyColumns), len(parentMat.PrimaryKey()))
	}

	cur, err := r.e.openCursor(ctx, r.ec, c.SQL)
	if err != nil {
		return errors.Wrapf(err, "node %d", f.Index)
	}
	pos, err := cur.indices(append(append([]string(nil), c.ParentKeyColumns...), c.ValueColumn))
	if err != nil {
		return withCleanup(err, cur.Close())
	}
	valuePos := pos[len(pos)-1]
	parents.SwitchSecondaryStrategy(rowStrategy(parentMat.PrimaryKey(), pos[:len(pos)-1]))

	var vals []any
	err = func() error {
		for cur.Next() {
			parent, ok := parents.GetBySecondary(cur)
			if !ok {
				return errors.AssertionFailedf("node %d: no parent found for child row", f.Index)
			}
			v := cur.Value(valuePos)
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if err := parentMat.AddChild(parent, v, f.Property); err != nil {
				return err
			}
			vals = append(vals, v)
		}
		return cur.Err()
	}()
	if err = withCleanup(err, cur.Close()); err != nil {
		return err
	}
	batch.add(f.Index, vals, nil, nil)
	return nil
}

// readChildren walks a child cursor. match finds what a row links to; rows
// that name the same child (by its key columns) yield one object, attached
// once per row.
func (r *GraphFetchResult) readChildren(
	cur *Cursor,
	f *api.FetchNode,
	mat api.RowMaterializer,
	entry *cache.Entry,
	match func(api.Row) (any, bool),
	attach func(link, child any) error,
	batch *GraphObjectsBatch,
) ([]any, *roaring.Bitmap, error) {
	acc := mat.PrimaryKey()

	var (
		keyPos []int
		seen   *dualindex.Index[any, any, api.Row]
	)
	if len(f.KeyColumns) > 0 {
		if len(f.KeyColumns) != len(acc) {
			return nil, nil, errors.AssertionFailedf("node %d: %d key columns for %d key accessors",
				f.Index, len(f.KeyColumns), len(acc))
		}
		var err error
		if keyPos, err = cur.indices(f.KeyColumns); err != nil {
			return nil, nil, err
		}
		s := rowStrategy(acc, keyPos)
		seen = dualindex.New[any, any, api.Row](objectStrategy(acc), &s)
	}

	var objs []any
	fresh := roaring.New()
	for cur.Next() {
		link, ok := match(cur)
		if !ok {
			return nil, nil, errors.AssertionFailedf("node %d: no parent found for child row", f.Index)
		}

		var (
			child any
			known bool
		)
		if seen != nil {
			child, known = seen.GetBySecondary(cur)
		}
		if !known {
			hit := false
			if entry != nil {
				var v any
				v, hit = entry.Get(keys.Encode(rowValues(cur, keyPos)...))
				r.e.reporter.CacheProbe(f.Index, hit)
				if hit {
					child = mat.DeepCopy(v)
				}
			}
			if !hit {
				obj, size, err := mat.FromRow(cur, cur.Location(), cur.Connection())
				if err != nil {
					return nil, nil, errors.Wrapf(err, "node %d: materialize child", f.Index)
				}
				child = obj
				fresh.Add(uint32(len(objs)))
				batch.size += size
			}
			if seen != nil {
				seen.Put(child, child)
			}
			objs = append(objs, child)
		}

		if err := attach(link, child); err != nil {
			return nil, nil, err
		}
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}
	return objs, fresh, nil
}

// crossGroup is the set of parents sharing one cross-store join key.
type crossGroup struct {
	key      []any
	encoded  string
	parents  []any
	children []any
}

func (r *GraphFetchResult) fetchCrossRoot(ctx context.Context, c *api.GraphFetchCrossRoot, parentMat api.RowMaterializer, parents []any, batch *GraphObjectsBatch) error {
	f := &c.FetchNode
	pa, ok := parentMat.(api.PropertyAccessors)
	if !ok {
		return errors.AssertionFailedf("node %d: unsupported row materializer %T for a cross-store fetch", f.Index, parentMat)
	}
	n := len(c.ParentProperties)
	if n == 0 || n != len(c.ParentKeyColumns) || n != len(c.CrossTempTable.Columns) {
		return errors.AssertionFailedf("node %d: cross key needs matching parent properties, key columns and temp table columns", f.Index)
	}
	if c.SQL == nil {
		return errors.AssertionFailedf("node %d: cross fetch without query", f.Index)
	}
	acc := make([]api.KeyAccessor, n)
	for i, name := range c.ParentProperties {
		a, ok := pa.Property(name)
		if !ok {
			return errors.AssertionFailedf("node %d: parent has no property %q", f.Index, name)
		}
		acc[i] = a
	}
	mat, err := r.materializer(f)
	if err != nil {
		return err
	}

	groups := make(map[string]*crossGroup)
	var order []*crossGroup
	for _, p := range parents {
		k := project(p, acc)
		enc := keys.Encode(k...)
		g, ok := groups[enc]
		if !ok {
			g = &crossGroup{key: k, encoded: enc}
			groups[enc] = g
			order = append(order, g)
		}
		g.parents = append(g.parents, p)
	}

	entry := r.crossCacheFor(c, mat)
	var (
		reused  []any
		pending []*crossGroup
	)
	for _, g := range order {
		if entry != nil {
			v, hit := entry.Get(g.encoded)
			r.e.reporter.CacheProbe(f.Index, hit)
			if hit {
				for _, cached := range v.([]any) {
					child := mat.DeepCopy(cached)
					for _, p := range g.parents {
						if err := parentMat.AddChild(p, child, f.Property); err != nil {
							return err
						}
					}
					reused = append(reused, child)
				}
				continue
			}
		}
		pending = append(pending, g)
	}
	batch.add(f.Index, reused, mat.PrimaryKey(), nil)

	if len(pending) == 0 {
		return nil
	}
	err = r.stage(ctx, func() error { return r.crossQuery(ctx, c, parentMat, mat, pending, batch) })
	if err != nil {
		return err
	}

	if entry != nil {
		for _, g := range pending {
			list := make([]any, 0, len(g.children))
			for _, ch := range g.children {
				list = append(list, mat.DeepCopy(ch))
			}
			entry.Put(g.encoded, list)
		}
	}
	return nil
}

// crossQuery stages the pending join keys, runs the cross query and attaches
// its rows to the parents of each key.
func (r *GraphFetchResult) crossQuery(ctx context.Context, c *api.GraphFetchCrossRoot, parentMat, mat api.RowMaterializer, pending []*crossGroup, batch *GraphObjectsBatch) error {
	f := &c.FetchNode

	rows := make([][]any, len(pending))
	for i, g := range pending {
		rows[i] = g.key
	}
	if err := r.populate(ctx, c.SQL.Connection, c.CrossTempTable, rows); err != nil {
		return err
	}

	cur, err := r.e.openCursor(ctx, r.ec, c.SQL)
	if err != nil {
		return errors.Wrapf(err, "node %d", f.Index)
	}
	pos, err := cur.indices(c.ParentKeyColumns)
	if err != nil {
		return withCleanup(err, cur.Close())
	}

	byKey := dualindex.New[*crossGroup, *crossGroup, api.Row](
		dualindex.Strategy[*crossGroup]{
			Hash:  func(g *crossGroup) uint64 { return keys.Hash(g.key...) },
			Equal: func(a, b *crossGroup) bool { return keys.EqualTuple(a.key, b.key) },
		},
		&dualindex.SecondaryStrategy[*crossGroup, api.Row]{
			Hash:  func(row api.Row) uint64 { return keys.Hash(rowValues(row, pos)...) },
			Equal: func(g *crossGroup, row api.Row) bool { return keys.EqualTuple(g.key, rowValues(row, pos)) },
		},
	)
	for _, g := range pending {
		byKey.Put(g, g)
	}

	objs, fresh, err := r.readChildren(cur, f, mat, nil,
		func(row api.Row) (any, bool) { return byKey.GetBySecondary(row) },
		func(link, child any) error {
			g := link.(*crossGroup)
			for _, p := range g.parents {
				if err := parentMat.AddChild(p, child, f.Property); err != nil {
					return err
				}
			}
			g.children = append(g.children, child)
			return nil
		},
		batch)
	if err = withCleanup(err, cur.Close()); err != nil {
		return err
	}

	batch.add(f.Index, objs, mat.PrimaryKey(), fresh)
	return r.finish(ctx, f, mat, nil, objs, fresh, batch)
}
