package exec

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/object"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fetch(t *testing.T, e *Executor, ec *ExecutionContext, root api.Node) *GraphFetchResult {
	t.Helper()
	res, err := e.Execute(context.Background(), root, ec)
	require.NoError(t, err)
	g, ok := AsGraphFetch(res)
	require.True(t, ok, "got %T", res)
	return g
}

func TestGraphFetch_Batches(t *testing.T) {
	ctx := context.Background()
	// Two connections: the root cursor and one batch stage. Batch 2 must reuse
	// batch 1's connection, so creating its key table only works if batch 1
	// dropped the same-named table first.
	fx := newFixture(t, 2)
	rep := &recordingReporter{}
	e := NewExecutor(WithReporter(rep))
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	g := fetch(t, e, ec, fx.personRoot(2, fx.addresses(1)))
	defer func() { _ = g.Close() }()

	b1, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b1.Sequence)
	assert.Equal(t, 2, b1.RowCount)
	assert.Equal(t, []int64{1, 2}, ids(b1.ObjectsForNode(0)))
	assert.Equal(t, []int64{100, 101}, ids(b1.ObjectsForNode(1)))
	assert.Equal(t, uint64(2), b1.Materialized(0).GetCardinality())
	assert.Positive(t, b1.EstimatedSize())
	require.Len(t, b1.KeyAccessors(0), 1)

	b2, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, b2.Sequence)
	assert.Equal(t, []int64{3}, ids(b2.ObjectsForNode(0)))
	assert.Equal(t, []int64{102}, ids(b2.ObjectsForNode(1)))

	_, err = g.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_, err = g.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	ada := b1.ObjectsForNode(0)[0].(*object.Object)
	addrs, _ := ada.Get("addresses")
	assert.Len(t, addrs, 2)
	bob := b1.ObjectsForNode(0)[1].(*object.Object)
	addrs, _ = bob.Get("addresses")
	assert.Empty(t, addrs)

	assert.Equal(t, []int{2, 1}, rep.batches)
}

func TestGraphFetch_AllPreservesCursorOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	e := NewExecutor(WithDefaultBatchSize(1))
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	root := fx.personRoot(0)
	root.Source = fx.sql("SELECT id, name, firm_id FROM person ORDER BY id DESC")
	objs, err := fetch(t, e, ec, root).All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, ids(objs))
}

func TestGraphFetch_SharedChildIsMaterializedOnce(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	e := NewExecutor()
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	g := fetch(t, e, ec, fx.personRoot(10, fx.tags(1), fx.nicknames(2)))
	defer func() { _ = g.Close() }()

	b, err := g.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids(b.ObjectsForNode(1)), "tag x is shared by ada and bob")
	assert.Equal(t, []any{"a", "ad", "b"}, b.ObjectsForNode(2))

	people := b.ObjectsForNode(0)
	adaTags, _ := people[0].(*object.Object).Get("tags")
	bobTags, _ := people[1].(*object.Object).Get("tags")
	require.Len(t, adaTags, 1)
	require.Len(t, bobTags, 1)
	assert.Same(t, adaTags.([]any)[0], bobTags.([]any)[0])

	nicks, _ := people[0].(*object.Object).Get("nicknames")
	assert.Equal(t, []any{"a", "ad"}, nicks)
}

func TestGraphFetch_NoParentIsFatal(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 2)
	e := NewExecutor()
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()
	before := ec.Store()

	orphan := fx.addresses(1)
	orphan.SQL = fx.sql("SELECT a.id, a.city, 99 AS parent_id FROM address a")
	g := fetch(t, e, ec, fx.personRoot(10, orphan))

	_, err := g.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Contains(t, err.Error(), "no parent found for child row")
	assert.Same(t, before, ec.Store(), "stage scope restored after failure")

	_, err = g.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	// The failed stage rolled back and dropped its key table, so the same
	// table can be created again on the reused connection.
	objs, err := fetch(t, e, ec, fx.personRoot(10, fx.addresses(1))).All(ctx)
	require.NoError(t, err)
	assert.Len(t, objs, 3)
}

// nestedAddresses is the person root with addresses that carry their own
// key table and a primitive grandchild: three nesting levels.
func (f *fixture) nestedAddresses() *api.GraphFetchRoot {
	class := *addressClass
	class.Many = []string{"cities"}

	addrs := f.addresses(1)
	addrs.Class = &class
	addrs.TempTable = &api.TempTable{Name: "tt_address", Columns: []api.TempColumn{{Name: "id", Type: "INTEGER"}}}
	addrs.Children = []api.Node{&api.GraphFetchPrimitiveChild{
		FetchNode:        api.FetchNode{Index: 2, Property: "cities"},
		SQL:              f.sql(`SELECT a.city, a.id AS parent_id FROM address a JOIN tt_address t ON t.id = a.id`),
		ParentKeyColumns: []string{"parent_id"},
		ValueColumn:      "city",
	}}
	return f.personRoot(10, addrs)
}

func TestGraphFetch_ConnectionCapFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The root cursor and the first stage hold both connections; the
	// grandchild stage would wait forever for a third.
	fx := newFixture(t, 2)
	e := NewExecutor()
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	_, err := fetch(t, e, ec, fx.nestedAddresses()).Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, scope.ErrExhausted), "got %v", err)
	assert.NoError(t, ctx.Err(), "refused at once, not on the deadline")

	fx = newFixture(t, 3)
	ec3 := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec3.Close(ctx, nil) }()

	objs, err := fetch(t, e, ec3, fx.nestedAddresses()).All(ctx)
	require.NoError(t, err)
	addrs, _ := objs[0].(*object.Object).Get("addresses")
	require.Len(t, addrs, 2)
	cities, _ := addrs.([]any)[0].(*object.Object).Get("cities")
	assert.Equal(t, []any{"Paris"}, cities)
}

func TestGraphFetch_StageForgetsKeyTable(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	e := NewExecutor()
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	_, err := fetch(t, e, ec, fx.personRoot(2, fx.addresses(1))).All(ctx)
	require.NoError(t, err)

	_, ok := ec.Result("tt_person")
	assert.False(t, ok, "the key table was dropped with its stage")
}

func TestGraphFetch_CrossRoot(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	e := NewExecutor()
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	objs, err := fetch(t, e, ec, fx.personRoot(10, fx.employer(1))).All(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 3)

	employer := func(i int) *object.Object {
		v, _ := objs[i].(*object.Object).Get("employer")
		return v.(*object.Object)
	}
	name, _ := employer(0).Get("name")
	assert.Equal(t, "Acme", name)
	assert.Same(t, employer(0), employer(1), "parents with one join key share the child")
	name, _ = employer(2).Get("name")
	assert.Equal(t, "Globex", name)
}

func TestGraphFetch_CrossRootNeedsPropertyAccess(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	e := NewExecutor(WithMaterializer("opaque", opaqueMaterializer{}))
	ec := NewExecutionContext(fx.pools, nil)
	defer func() { _ = ec.Close(ctx, nil) }()

	root := fx.personRoot(10, fx.employer(1))
	root.Class = nil
	root.Materializer = "opaque"

	_, err := fetch(t, e, ec, root).All(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
	assert.Contains(t, err.Error(), "unsupported row materializer")
}

func TestGraphFetch_UnknownMaterializer(t *testing.T) {
	fx := newFixture(t, 0)
	root := fx.personRoot(10)
	root.Class = nil
	root.Materializer = "missing"

	_, err := NewExecutor().Execute(context.Background(), root, NewExecutionContext(fx.pools, nil))
	require.Error(t, err)
	assert.True(t, errors.IsAssertionFailure(err))
}

func TestGraphFetch_CacheIdempotence(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	counter := &statementCounter{}
	rep := &recordingReporter{}
	e := NewExecutor(WithStatementHook(counter.hook), WithReporter(rep))

	store, err := cache.NewLRUStore(64)
	require.NoError(t, err)
	caches := cache.NewService()
	caches.AddEqualityEntry("PersonMapping", "person", store)

	plan := func() *api.GraphFetchRoot {
		root := fx.personRoot(2, fx.addresses(1), fx.tags(2))
		root.Cache = &api.CacheIdentity{Mapping: "PersonMapping", InstanceSet: "person"}
		return root
	}
	run := func() []any {
		ec := NewExecutionContext(fx.pools, caches)
		defer func() { _ = ec.Close(ctx, nil) }()
		objs, err := fetch(t, e, ec, plan()).All(ctx)
		require.NoError(t, err)
		return objs
	}

	uncached := run()
	assert.Equal(t, 2, counter.count("FROM address"), "one child query per batch")
	assert.Equal(t, 3, store.Len())

	cached := run()
	assert.Equal(t, 2, counter.count("FROM address"), "no child queries on cache hits")
	assert.Equal(t, 3, rep.hits)
	assert.Empty(t, cmp.Diff(plain(uncached), plain(cached)))

	// Hits are copies: changing one leaves the cache untouched.
	cached[0].(*object.Object).Set("name", "changed")
	again := run()
	assert.Empty(t, cmp.Diff(plain(uncached), plain(again)))
}

func TestGraphFetch_NonLiteralArgumentSkipsCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	counter := &statementCounter{}
	e := NewExecutor(WithStatementHook(counter.hook))

	store, err := cache.NewLRUStore(64)
	require.NoError(t, err)
	caches := cache.NewService()
	caches.AddEqualityEntry("PersonMapping", "person", store)

	for range 2 {
		addresses := fx.addresses(1)
		addresses.Parameters = []api.Parameter{{Name: "asOf", Kind: api.ParamVariable, Value: "$now"}}
		root := fx.personRoot(10, addresses)
		root.Cache = &api.CacheIdentity{Mapping: "PersonMapping", InstanceSet: "person"}

		ec := NewExecutionContext(fx.pools, caches)
		_, err := fetch(t, e, ec, root).All(ctx)
		require.NoError(t, err)
		require.NoError(t, ec.Close(ctx, nil))
	}
	assert.Equal(t, 2, counter.count("FROM address"))
	assert.Zero(t, store.Len())
}

func TestGraphFetch_CrossCache(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	counter := &statementCounter{}
	e := NewExecutor(WithStatementHook(counter.hook))

	caches := cache.NewService()
	entry := caches.AddCrossEntry("PersonMapping", "FirmMapping", cache.NewExpiringStore(0, 0))

	run := func() []any {
		employer := fx.employer(1)
		employer.CrossCache = &api.CrossCacheIdentity{SourceMapping: "PersonMapping", TargetMapping: "FirmMapping"}
		ec := NewExecutionContext(fx.pools, caches)
		defer func() { _ = ec.Close(ctx, nil) }()
		objs, err := fetch(t, e, ec, fx.personRoot(10, employer)).All(ctx)
		require.NoError(t, err)
		return objs
	}

	first := run()
	assert.Equal(t, 1, counter.count("FROM firm"))
	assert.Equal(t, 2, entry.Len())

	second := run()
	assert.Equal(t, 1, counter.count("FROM firm"))
	assert.Empty(t, cmp.Diff(plain(first), plain(second)))
}

func TestGraphFetch_CrossCacheStoresEmptyLists(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, 0)
	counter := &statementCounter{}
	e := NewExecutor(WithStatementHook(counter.hook))

	caches := cache.NewService()
	caches.AddCrossEntry("PersonMapping", "FirmMapping", cache.NewExpiringStore(0, 0))

	for range 2 {
		employer := fx.employer(1)
		employer.CrossCache = &api.CrossCacheIdentity{SourceMapping: "PersonMapping", TargetMapping: "FirmMapping"}
		employer.SQL.SQL = `SELECT f.id, f.name, f.id AS fk FROM firm f JOIN tt_firm_keys k ON k.fid = f.id WHERE f.id < 0`
		ec := NewExecutionContext(fx.pools, caches)
		objs, err := fetch(t, e, ec, fx.personRoot(10, employer)).All(ctx)
		require.NoError(t, err)
		require.Len(t, objs, 3)
		_, has := objs[0].(*object.Object).Get("employer")
		assert.False(t, has)
		require.NoError(t, ec.Close(ctx, nil))
	}
	assert.Equal(t, 1, counter.count("FROM firm"))
}

// opaqueMaterializer builds plain maps and cannot read properties by name.
type opaqueMaterializer struct{}

func (opaqueMaterializer) FromRow(row api.Row, _ *time.Location, _ api.Connection) (any, int64, error) {
	m := map[string]any{}
	for i, c := range row.Columns() {
		m[c] = row.Value(i)
	}
	return m, 64, nil
}

func (opaqueMaterializer) PrimaryKey() []api.KeyAccessor {
	return []api.KeyAccessor{func(o any) any { return o.(map[string]any)["id"] }}
}

func (opaqueMaterializer) AddChild(parent, child any, property string) error {
	parent.(map[string]any)[property] = child
	return nil
}

func (opaqueMaterializer) SupportsCaching() bool { return false }
func (opaqueMaterializer) DeepCopy(o any) any    { return o }
