package exec

import (
	"context"
	"io"
	"log/slog"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/dualindex"
	"github.com/agentic-research/relexec/internal/keys"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// GraphFetchResult streams the batches of a graph fetch. It is a lazy,
// finite, non-restartable sequence: each Next reads up to one batch of root
// rows, fetches their children, and returns. Close releases the root cursor.
type GraphFetchResult struct {
	e         *Executor
	ec        *ExecutionContext
	node      *api.GraphFetchRoot
	source    Result
	cursor    *Cursor
	batchSize int
	log       *slog.Logger

	seq    int
	done   bool
	closed bool
	err    error

	mats        map[*api.FetchNode]api.RowMaterializer
	caches      map[*api.FetchNode]*cache.Entry
	crossCaches map[*api.FetchNode]*cache.Entry
}

func (e *Executor) graphFetch(ctx context.Context, n *api.GraphFetchRoot, ec *ExecutionContext) (Result, error) {
	mat, err := e.materializer(&n.FetchNode)
	if err != nil {
		return nil, err
	}
	if n.Source == nil {
		return nil, errors.AssertionFailedf("graph fetch root %d without source", n.Index)
	}
	src, err := e.Execute(ctx, n.Source, ec)
	if err != nil {
		return nil, errors.Wrapf(err, "graph fetch root %d", n.Index)
	}
	s, ok := AsStreaming(src)
	if !ok {
		return nil, withCleanup(usagef("graph fetch root %d: source yields %T, not rows", n.Index, src), src.Close())
	}

	size := n.BatchSize
	if size <= 0 {
		size = e.batchSize
	}
	return &GraphFetchResult{
		e:           e,
		ec:          ec,
		node:        n,
		source:      src,
		cursor:      s.Cursor,
		batchSize:   size,
		log:         e.log.With("exec_id", ec.ID.String(), "node", n.Index),
		mats:        map[*api.FetchNode]api.RowMaterializer{&n.FetchNode: mat},
		caches:      make(map[*api.FetchNode]*cache.Entry),
		crossCaches: make(map[*api.FetchNode]*cache.Entry),
	}, nil
}

// Next returns the next batch, or io.EOF once the root cursor is exhausted.
// After an error the result is closed and every later call returns io.EOF.
func (r *GraphFetchResult) Next(ctx context.Context) (*GraphObjectsBatch, error) {
	if r.done {
		return nil, io.EOF
	}
	batch, err := r.nextBatch(ctx)
	if err != nil {
		r.done = true
		r.err = err
		return nil, withCleanup(err, r.Close())
	}
	if batch == nil {
		r.done = true
		return nil, io.EOF
	}
	return batch, nil
}

// All drains the remaining batches and returns the root objects in cursor
// order, then closes the result.
func (r *GraphFetchResult) All(ctx context.Context) ([]any, error) {
	var out []any
	for {
		b, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b.ObjectsForNode(r.node.Index)...)
	}
	return out, r.Close()
}

// Err returns the error that ended the stream, if any.
func (r *GraphFetchResult) Err() error { return r.err }

// Close closes the root cursor and whatever scope owns it. It is idempotent.
func (r *GraphFetchResult) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.done = true
	return r.source.Close()
}

func (r *GraphFetchResult) nextBatch(ctx context.Context) (*GraphObjectsBatch, error) {
	f := &r.node.FetchNode
	mat := r.mats[f]

	entry := r.cacheFor(f, r.node, mat)
	var keyPos []int
	if entry != nil {
		var err error
		if keyPos, err = r.cursor.indices(f.KeyColumns); err != nil {
			return nil, err
		}
	}

	batch := newBatch(r.seq + 1)
	r.ec.batch = batch

	objs := make([]any, 0, min(r.batchSize, 256))
	fresh := roaring.New()
	for batch.RowCount < r.batchSize && r.cursor.Next() {
		batch.RowCount++
		if entry != nil {
			v, hit := entry.Get(keys.Encode(rowValues(r.cursor, keyPos)...))
			r.e.reporter.CacheProbe(f.Index, hit)
			if hit {
				objs = append(objs, mat.DeepCopy(v))
				continue
			}
		}
		obj, size, err := mat.FromRow(r.cursor, r.cursor.Location(), r.cursor.Connection())
		if err != nil {
			return nil, errors.Wrapf(err, "node %d: materialize row %d", f.Index, batch.RowCount)
		}
		fresh.Add(uint32(len(objs)))
		objs = append(objs, obj)
		batch.size += size
	}
	if err := r.cursor.Err(); err != nil {
		return nil, err
	}
	if batch.RowCount == 0 {
		return nil, nil
	}

	batch.add(f.Index, objs, mat.PrimaryKey(), fresh)
	if err := r.finish(ctx, f, mat, entry, objs, fresh, batch); err != nil {
		return nil, err
	}

	r.seq++
	r.e.reporter.BatchEmitted(f.Index, batch.RowCount, batch.ObjectCount(), batch.size)
	r.log.DebugContext(ctx, "graph fetch batch emitted",
		"batch", batch.Sequence,
		"rows", batch.RowCount,
		"materialized", fresh.GetCardinality(),
		"objects", batch.ObjectCount(),
		"size", humanize.Bytes(uint64(batch.size)))
	return batch, nil
}

// finish fetches the children of the objects a node materialized in this
// batch, then caches those objects. Cache hits already carry their children.
func (r *GraphFetchResult) finish(ctx context.Context, f *api.FetchNode, mat api.RowMaterializer, entry *cache.Entry, objs []any, fresh *roaring.Bitmap, batch *GraphObjectsBatch) error {
	if fresh.IsEmpty() {
		return nil
	}
	made := make([]any, 0, fresh.GetCardinality())
	it := fresh.Iterator()
	for it.HasNext() {
		made = append(made, objs[it.Next()])
	}

	if len(f.Children) > 0 {
		var staged []string
		if f.TempTable != nil {
			staged = append(staged, f.TempTable.Name)
		}
		err := r.stage(ctx, func() error { return r.dispatchChildren(ctx, f, mat, made, batch) }, staged...)
		if err != nil {
			return err
		}
	}

	if entry != nil {
		acc := mat.PrimaryKey()
		for _, o := range made {
			entry.Put(keys.Encode(project(o, acc)...), mat.DeepCopy(o))
		}
	}
	return nil
}

// stage runs fn in a fresh connection scope and closes that scope before
// returning, restoring the caller's scope even when fn fails. The handles of
// tables, which the scope dropped, are forgotten.
func (r *GraphFetchResult) stage(ctx context.Context, fn func() error, tables ...string) error {
	s, restore := r.ec.pushScope(true)
	defer restore()

	err := fn()
	err = withCleanup(err, s.CloseAsync(ctx, scopeOutcome(err)))
	for _, t := range tables {
		r.ec.Forget(t)
	}
	return err
}

func (r *GraphFetchResult) materializer(f *api.FetchNode) (api.RowMaterializer, error) {
	if m, ok := r.mats[f]; ok {
		return m, nil
	}
	m, err := r.e.materializer(f)
	if err != nil {
		return nil, err
	}
	r.mats[f] = m
	return m, nil
}

// cacheFor binds, once per node, the equality cache the node may use. It is
// nil when the node is not cacheable.
func (r *GraphFetchResult) cacheFor(f *api.FetchNode, gf api.GraphFetch, mat api.RowMaterializer) *cache.Entry {
	if entry, ok := r.caches[f]; ok {
		return entry
	}
	var entry *cache.Entry
	if f.Cache != nil && mat.SupportsCaching() && len(f.KeyColumns) > 0 && len(f.KeyColumns) == len(mat.PrimaryKey()) {
		if sig, ok := cache.Signature(gf); ok {
			entry = r.ec.caches.Lookup(sig, f.Cache.Mapping, f.Cache.InstanceSet)
		}
	}
	r.caches[f] = entry
	return entry
}

func (r *GraphFetchResult) crossCacheFor(c *api.GraphFetchCrossRoot, mat api.RowMaterializer) *cache.Entry {
	f := &c.FetchNode
	if entry, ok := r.crossCaches[f]; ok {
		return entry
	}
	var entry *cache.Entry
	if c.CrossCache != nil && mat.SupportsCaching() {
		if sig, ok := cache.Signature(c); ok {
			entry = r.ec.caches.LookupCross(sig, c.CrossCache.SourceMapping, c.CrossCache.TargetMapping)
		}
	}
	r.crossCaches[f] = entry
	return entry
}

func project(obj any, acc []api.KeyAccessor) []any {
	out := make([]any, len(acc))
	for i, a := range acc {
		out[i] = a(obj)
	}
	return out
}

func rowValues(row api.Row, pos []int) []any {
	out := make([]any, len(pos))
	for i, p := range pos {
		out[i] = row.Value(p)
	}
	return out
}

// objectStrategy keys objects by their primary key accessors.
func objectStrategy(acc []api.KeyAccessor) dualindex.Strategy[any] {
	return dualindex.Strategy[any]{
		Hash:  func(o any) uint64 { return keys.Hash(project(o, acc)...) },
		Equal: func(a, b any) bool { return keys.EqualTuple(project(a, acc), project(b, acc)) },
	}
}

// rowStrategy matches rows whose columns at pos equal an object's key.
func rowStrategy(acc []api.KeyAccessor, pos []int) dualindex.SecondaryStrategy[any, api.Row] {
	return dualindex.SecondaryStrategy[any, api.Row]{
		Hash: func(row api.Row) uint64 { return keys.Hash(rowValues(row, pos)...) },
		Equal: func(stored any, row api.Row) bool {
			return keys.EqualTuple(project(stored, acc), rowValues(row, pos))
		},
	}
}
