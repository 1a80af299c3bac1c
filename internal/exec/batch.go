package exec

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/relexec/api"
)

// GraphObjectsBatch is one unit of graph-fetch output: the objects produced
// for every fetch node while processing one slice of root rows.
type GraphObjectsBatch struct {
	Sequence int
	// RowCount is the number of root cursor rows consumed.
	RowCount int

	objects      map[int][]any
	keys         map[int][]api.KeyAccessor
	materialized map[int]*roaring.Bitmap
	size         int64
}

func newBatch(seq int) *GraphObjectsBatch {
	return &GraphObjectsBatch{
		Sequence:     seq,
		objects:      make(map[int][]any),
		keys:         make(map[int][]api.KeyAccessor),
		materialized: make(map[int]*roaring.Bitmap),
	}
}

// ObjectsForNode returns the objects of the fetch node with index, in the
// order they were read.
func (b *GraphObjectsBatch) ObjectsForNode(index int) []any { return b.objects[index] }

// KeyAccessors returns the primary key accessors of the node with index.
func (b *GraphObjectsBatch) KeyAccessors(index int) []api.KeyAccessor { return b.keys[index] }

// Materialized returns the positions in ObjectsForNode(index) that were built
// from rows in this batch rather than taken from a cache.
func (b *GraphObjectsBatch) Materialized(index int) *roaring.Bitmap {
	if bm, ok := b.materialized[index]; ok {
		return bm
	}
	return roaring.New()
}

// EstimatedSize is the summed size estimate of every materialized object.
// It is reported, never acted on.
func (b *GraphObjectsBatch) EstimatedSize() int64 { return b.size }

// ObjectCount returns the number of objects across all nodes.
func (b *GraphObjectsBatch) ObjectCount() int {
	n := 0
	for _, objs := range b.objects {
		n += len(objs)
	}
	return n
}

func (b *GraphObjectsBatch) add(index int, objs []any, acc []api.KeyAccessor, fresh *roaring.Bitmap) {
	offset := uint32(len(b.objects[index]))
	b.objects[index] = append(b.objects[index], objs...)
	b.keys[index] = acc

	bm, ok := b.materialized[index]
	if !ok {
		bm = roaring.New()
		b.materialized[index] = bm
	}
	if fresh == nil {
		return
	}
	it := fresh.Iterator()
	for it.HasNext() {
		bm.Add(it.Next() + offset)
	}
}
