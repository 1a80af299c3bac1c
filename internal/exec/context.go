package exec

import (
	"context"
	"maps"
	"slices"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StoreState is the connection scope a store executes against at the current
// nesting level.
type StoreState struct {
	Scope *scope.Scope
	// Retain keeps leases open past the node that took them, so later nodes
	// of the same Block see the same session.
	Retain bool
}

// ExecutionContext carries request-scoped state through one plan execution.
// Nested stages derive from it with WithRetainedConnection or swap its store
// state for their duration; the context itself is never shared across
// goroutines.
type ExecutionContext struct {
	ID uuid.UUID

	pools    *scope.Pools
	holdings *scope.Holdings
	root     *StoreState
	states   map[string]*StoreState
	parent   *ExecutionContext
	results  map[string]Result
	caches   *cache.Service
	batch    *GraphObjectsBatch
}

// NewExecutionContext returns a context with a fresh, non-retaining root scope.
// caches may be nil.
func NewExecutionContext(pools *scope.Pools, caches *cache.Service) *ExecutionContext {
	ec := &ExecutionContext{
		ID:       uuid.New(),
		pools:    pools,
		holdings: scope.NewHoldings(),
		results:  make(map[string]Result),
		caches:   caches,
	}
	ec.root = &StoreState{Scope: ec.newScope()}
	ec.states = map[string]*StoreState{api.StoreRelational: ec.root}
	return ec
}

// WithRetainedConnection returns a child context whose relational store runs
// in a new scope that retains its connections. The child sees ec's named
// results; results it allocates are its own and go with it (see
// closeResults). Caches are shared.
func (ec *ExecutionContext) WithRetainedConnection() *ExecutionContext {
	child := *ec
	child.parent = ec
	child.results = make(map[string]Result)
	child.states = maps.Clone(ec.states)
	child.states[api.StoreRelational] = &StoreState{Scope: ec.newScope(), Retain: true}
	return &child
}

// newScope returns a scope whose leases count against this execution.
func (ec *ExecutionContext) newScope() *scope.Scope {
	return scope.NewCounted(ec.pools, ec.holdings)
}

// Store returns the relational store state in effect.
func (ec *ExecutionContext) Store() *StoreState { return ec.states[api.StoreRelational] }

// pushScope installs a fresh scope for the relational store and returns it
// with a func that puts the previous state back.
func (ec *ExecutionContext) pushScope(retain bool) (*scope.Scope, func()) {
	prev := ec.states[api.StoreRelational]
	s := ec.newScope()
	ec.states[api.StoreRelational] = &StoreState{Scope: s, Retain: retain}
	return s, func() { ec.states[api.StoreRelational] = prev }
}

// Result returns the result allocated under name here or in an enclosing
// context.
func (ec *ExecutionContext) Result(name string) (Result, bool) {
	for c := ec; c != nil; c = c.parent {
		if r, ok := c.results[name]; ok {
			return r, true
		}
	}
	return nil, false
}

// Forget drops name from the results allocated in this context without
// closing it.
func (ec *ExecutionContext) Forget(name string) { delete(ec.results, name) }

// SetResult allocates r under name, closing whatever was there before.
func (ec *ExecutionContext) SetResult(name string, r Result) error {
	var err error
	if old, ok := ec.results[name]; ok && old != r {
		err = old.Close()
	}
	ec.results[name] = r
	return err
}

// Batch returns the batch currently being assembled, if any.
func (ec *ExecutionContext) Batch() *GraphObjectsBatch { return ec.batch }

// Close closes every allocated result and then the root scope. A non-nil
// cause rolls the root scope back; its cleanup failures are attached to cause.
func (ec *ExecutionContext) Close(ctx context.Context, cause error) error {
	err := ec.closeResults()
	outcome := scope.Commit
	if cause != nil {
		outcome = scope.Rollback
	}
	err = errors.CombineErrors(err, ec.root.Scope.Close(ctx, outcome))
	if cause != nil {
		return withCleanup(cause, err)
	}
	return err
}

// closeResults closes the results allocated in this context, leaving those of
// enclosing contexts alone. Cursors must be closed before the scope that
// leased their connection.
func (ec *ExecutionContext) closeResults() error {
	var err error
	for _, name := range slices.Sorted(maps.Keys(ec.results)) {
		if cerr := ec.results[name].Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "close result %q", name))
		}
	}
	clear(ec.results)
	return err
}
