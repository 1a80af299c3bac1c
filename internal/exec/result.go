package exec

import (
	"context"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
)

// Result is what executing a node yields. Closing it releases the cursor and
// any connection scope it owns.
type Result interface {
	Close() error
}

// ConstantResult is an in-memory value.
type ConstantResult struct {
	Value any
}

func (*ConstantResult) Close() error { return nil }

const successValue = "success"

// Success is the marker returned by nodes that only have side effects.
func Success() *ConstantResult { return &ConstantResult{Value: successValue} }

// IsSuccess reports whether r is the side-effect marker.
func IsSuccess(r Result) bool {
	c, ok := r.(*ConstantResult)
	return ok && c.Value == successValue
}

// StreamingResult is a live row cursor.
type StreamingResult struct {
	*Cursor
}

// TempTableResult is the handle stored for a staged key table.
type TempTableResult struct {
	Table      string
	Connection string
}

func (*TempTableResult) Close() error { return nil }

// ObjectStreamResult re-streams a cursor's rows as objects.
type ObjectStreamResult struct {
	src     *StreamingResult
	convert func(api.Row) (any, error)
	cur     any
	err     error
}

// NewObjectStream converts each row of src with convert as it is read.
func NewObjectStream(src *StreamingResult, convert func(api.Row) (any, error)) *ObjectStreamResult {
	return &ObjectStreamResult{src: src, convert: convert}
}

func (o *ObjectStreamResult) Next() bool {
	if o.err != nil || !o.src.Next() {
		return false
	}
	o.cur, o.err = o.convert(o.src.Cursor)
	return o.err == nil
}

func (o *ObjectStreamResult) Object() any { return o.cur }

func (o *ObjectStreamResult) Err() error {
	if o.err != nil {
		return o.err
	}
	return o.src.Err()
}

func (o *ObjectStreamResult) Close() error { return o.src.Close() }

// BlockResult is the lazy result of a Block. The block's connections stay
// open until it is closed.
type BlockResult struct {
	ctx   context.Context
	inner Result
	ec    *ExecutionContext
	scope *scope.Scope
}

// Unwrap returns the result of the block body.
func (b *BlockResult) Unwrap() Result { return b.inner }

// Close closes the body result and the results the block allocated, then the
// block's scope. The scope rolls back if any of them failed, including a body
// that stopped on an error its reader already saw.
func (b *BlockResult) Close() error {
	failed := failure(b.inner)
	err := errors.CombineErrors(b.inner.Close(), b.ec.closeResults())
	outcome := scope.Commit
	if err != nil || failed != nil {
		outcome = scope.Rollback
	}
	return withCleanup(err, b.scope.Close(b.ctx, outcome))
}

// failure returns the error a streamed result stopped on, if it keeps one.
func failure(r Result) error {
	if f, ok := r.(interface{ Err() error }); ok {
		return f.Err()
	}
	return nil
}

// unwrap strips block wrappers.
func unwrap(r Result) Result {
	for {
		b, ok := r.(*BlockResult)
		if !ok {
			return r
		}
		r = b.inner
	}
}

// AsGraphFetch returns the graph fetch result inside r, looking through blocks.
func AsGraphFetch(r Result) (*GraphFetchResult, bool) {
	g, ok := unwrap(r).(*GraphFetchResult)
	return g, ok
}

// AsStreaming returns the row cursor inside r, looking through blocks.
func AsStreaming(r Result) (*StreamingResult, bool) {
	s, ok := unwrap(r).(*StreamingResult)
	return s, ok
}
