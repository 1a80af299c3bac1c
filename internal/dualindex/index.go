// Package dualindex provides a hash index that can be probed from two key
// domains. Entries are stored by a primary key (typically a materialized
// object) and can also be found from a secondary key (typically a live cursor
// row) without materializing it first.
package dualindex

// Strategy hashes and compares primary keys.
type Strategy[K any] struct {
	Hash  func(K) uint64
	Equal func(a, b K) bool
}

// SecondaryStrategy hashes secondary keys and compares them against stored
// primary keys. Hash must agree with the primary strategy for matching keys.
type SecondaryStrategy[K1, K2 any] struct {
	Hash  func(K2) uint64
	Equal func(stored K1, probe K2) bool
}

type entry[K1, V any] struct {
	key   K1
	value V
}

// Index maps K1 to V and can be probed with K2.
//
// The secondary strategy depends on the column layout of whatever K2 source
// is being iterated; switch it before probing a new source. Switching never
// touches the stored entries.
type Index[K1, V, K2 any] struct {
	primary   Strategy[K1]
	secondary *SecondaryStrategy[K1, K2]

	buckets map[uint64][]int // hash → positions in entries
	entries []entry[K1, V]   // insertion order
}

// New returns an empty index. secondary may be nil until the first
// SwitchSecondaryStrategy call.
func New[K1, V, K2 any](primary Strategy[K1], secondary *SecondaryStrategy[K1, K2]) *Index[K1, V, K2] {
	return &Index[K1, V, K2]{
		primary:   primary,
		secondary: secondary,
		buckets:   make(map[uint64][]int),
	}
}

// Put stores v under k, replacing any value stored under an equal key.
// It reports whether a value was replaced.
func (ix *Index[K1, V, K2]) Put(k K1, v V) bool {
	h := ix.primary.Hash(k)
	for _, pos := range ix.buckets[h] {
		if ix.primary.Equal(ix.entries[pos].key, k) {
			ix.entries[pos].value = v
			return true
		}
	}
	ix.buckets[h] = append(ix.buckets[h], len(ix.entries))
	ix.entries = append(ix.entries, entry[K1, V]{key: k, value: v})
	return false
}

// Get looks a value up by primary key.
func (ix *Index[K1, V, K2]) Get(k K1) (V, bool) {
	for _, pos := range ix.buckets[ix.primary.Hash(k)] {
		if ix.primary.Equal(ix.entries[pos].key, k) {
			return ix.entries[pos].value, true
		}
	}
	var zero V
	return zero, false
}

// GetBySecondary looks a value up by secondary key.
// It panics if no secondary strategy has been installed.
func (ix *Index[K1, V, K2]) GetBySecondary(k K2) (V, bool) {
	if ix.secondary == nil {
		panic("dualindex: GetBySecondary without a secondary strategy")
	}
	for _, pos := range ix.buckets[ix.secondary.Hash(k)] {
		if ix.secondary.Equal(ix.entries[pos].key, k) {
			return ix.entries[pos].value, true
		}
	}
	var zero V
	return zero, false
}

// SwitchSecondaryStrategy replaces the secondary hash and equality.
func (ix *Index[K1, V, K2]) SwitchSecondaryStrategy(s SecondaryStrategy[K1, K2]) {
	ix.secondary = &s
}

// Len returns the number of stored entries.
func (ix *Index[K1, V, K2]) Len() int { return len(ix.entries) }

// Range calls fn for every entry in insertion order until fn returns false.
func (ix *Index[K1, V, K2]) Range(fn func(K1, V) bool) {
	for _, e := range ix.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}
