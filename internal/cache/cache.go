// Package cache decides whether objects fetched by an earlier graph fetch can
// stand in for a new one, and holds them when they can.
//
// An entry is created unbound for a mapping/instance-set identity (or, for
// cross-store caches, a source/target mapping pair). The first fetch that asks
// for it binds it to that fetch's subtree signature. Later fetches get the
// entry only when their signature is identical; anything else is a miss on the
// whole cache, never a partial match.
package cache

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/keys"
)

// Kind tells equality-key entries from cross-key entries.
type Kind int

const (
	ByEquality Kind = iota
	ByCross
)

// Entry is one cache, bound to at most one subtree signature.
type Entry struct {
	kind   Kind
	first  string // mapping, or source mapping
	second string // instance set, or target mapping
	store  Store

	signature string
	bound     bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Get returns the value cached under key.
func (e *Entry) Get(key string) (any, bool) {
	v, ok := e.store.Get(key)
	if ok {
		e.hits.Add(1)
	} else {
		e.misses.Add(1)
	}
	return v, ok
}

// Put caches v under key.
func (e *Entry) Put(key string, v any) { e.store.Put(key, v) }

// Len returns the number of cached keys.
func (e *Entry) Len() int { return e.store.Len() }

// Signature returns the bound signature, empty while unbound.
func (e *Entry) Signature() string { return e.signature }

// Stats returns hit and miss counts since creation.
func (e *Entry) Stats() (hits, misses int64) { return e.hits.Load(), e.misses.Load() }

// Service holds the cache entries available to an execution.
type Service struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewService returns a service without entries.
func NewService() *Service { return &Service{} }

// AddEqualityEntry registers an unbound cache for objects of mapping within
// instanceSet, keyed by primary key.
func (s *Service) AddEqualityEntry(mapping, instanceSet string, store Store) *Entry {
	return s.add(&Entry{kind: ByEquality, first: mapping, second: instanceSet, store: store})
}

// AddCrossEntry registers an unbound cache of child lists for a cross-store
// join from source to target, keyed by the join key.
func (s *Service) AddCrossEntry(source, target string, store Store) *Entry {
	return s.add(&Entry{kind: ByCross, first: source, second: target, store: store})
}

func (s *Service) add(e *Entry) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return e
}

// Lookup returns the equality cache bound to signature for mapping and
// instanceSet, binding a free one if none is bound yet. It returns nil when no
// entry can serve the signature.
func (s *Service) Lookup(signature, mapping, instanceSet string) *Entry {
	return s.lookup(ByEquality, signature, mapping, instanceSet)
}

// LookupCross is Lookup for cross-key caches.
func (s *Service) LookupCross(signature, source, target string) *Entry {
	return s.lookup(ByCross, signature, source, target)
}

func (s *Service) lookup(kind Kind, signature, first, second string) *Entry {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var free *Entry
	for _, e := range s.entries {
		if e.kind != kind || e.first != first || e.second != second {
			continue
		}
		if e.bound {
			if e.signature == signature {
				return e
			}
			continue
		}
		if free == nil {
			free = e
		}
	}
	if free == nil {
		return nil
	}
	free.signature = signature
	free.bound = true
	return free
}

// Signature encodes the shape of the fetch subtree rooted at n: property
// names, literal and enum arguments, and nested subtrees in a canonical
// order. It reports false when any node of the subtree takes an argument
// that is neither a literal nor an enum value.
func Signature(n api.GraphFetch) (string, bool) {
	var sb strings.Builder
	if !writeSignature(&sb, n) {
		return "", false
	}
	return sb.String(), true
}

func writeSignature(sb *strings.Builder, n api.GraphFetch) bool {
	f := n.Fetch()
	name := f.Property
	if name == "" && f.Class != nil {
		name = f.Class.Class
	}
	if name == "" {
		name = f.Materializer
	}
	sb.WriteString(name)

	if len(f.Parameters) > 0 {
		sb.WriteByte('(')
		for i, p := range f.Parameters {
			if i > 0 {
				sb.WriteByte(',')
			}
			if p.Name != "" {
				sb.WriteString(p.Name)
				sb.WriteByte('=')
			}
			switch p.Kind {
			case api.ParamLiteral:
				sb.WriteString(keys.Encode(p.Value))
			case api.ParamEnum:
				sb.WriteString("e")
				sb.WriteString(keys.Encode(p.Value))
			default:
				return false
			}
		}
		sb.WriteByte(')')
	}

	if len(f.Children) == 0 {
		return true
	}
	parts := make([]string, 0, len(f.Children))
	for _, c := range f.Children {
		gf, ok := c.(api.GraphFetch)
		if !ok {
			return false
		}
		var child strings.Builder
		if !writeSignature(&child, gf) {
			return false
		}
		parts = append(parts, child.String())
	}
	sort.Strings(parts)
	sb.WriteByte('{')
	sb.WriteString(strings.Join(parts, ","))
	sb.WriteByte('}')
	return true
}
