// Package scope leases database connections to a stretch of plan execution and
// releases them, running registered cleanups, when that stretch ends.
//
// A Scope holds at most one connection per connection name. Every SQL node of
// a Block that names the same connection therefore sees the same session, so
// temp tables created early in the block are visible to later nodes.
package scope

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentic-research/relexec/api"
	"github.com/cockroachdb/errors"
)

// Querier is the part of *sql.Conn and *sql.Tx the executor needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Outcome tells Close whether the scope finished cleanly.
type Outcome int

const (
	Commit Outcome = iota
	Rollback
)

func (o Outcome) String() string {
	if o == Rollback {
		return "rollback"
	}
	return "commit"
}

// Cleanup runs against a leased connection when its scope closes.
type Cleanup func(ctx context.Context, q Querier) error

// Lease is one connection held by a scope.
type Lease struct {
	desc api.Connection
	conn *sql.Conn
	tx   *sql.Tx
	loc  *time.Location

	onCommit   []Cleanup
	onRollback []Cleanup
}

// Querier returns the transaction when the connection is transactional and
// the raw connection otherwise.
func (l *Lease) Querier() Querier {
	if l.tx != nil {
		return l.tx
	}
	return l.conn
}

// Connection returns the resolved descriptor the lease was opened with.
func (l *Lease) Connection() api.Connection { return l.desc }

// Location is the time zone rows read through this lease are interpreted in.
func (l *Lease) Location() *time.Location { return l.loc }

// AddCommitCleanup registers fn to run when the scope closes with Commit.
// Transactional leases run it before COMMIT.
func (l *Lease) AddCommitCleanup(fn Cleanup) { l.onCommit = append(l.onCommit, fn) }

// AddRollbackCleanup registers fn to run when the scope closes with Rollback.
// Transactional leases run it after ROLLBACK.
func (l *Lease) AddRollbackCleanup(fn Cleanup) { l.onRollback = append(l.onRollback, fn) }

// ErrExhausted marks a lease refused because the execution asking for it
// already holds every connection its pool may open. Waiting would deadlock.
var ErrExhausted = errors.New("connection pool exhausted")

// Holdings counts the connections one execution holds per connection name,
// across all of its scopes. It is not safe for concurrent use.
type Holdings struct {
	held map[string]int
}

func NewHoldings() *Holdings { return &Holdings{held: make(map[string]int)} }

// Held returns the number of connections held for name.
func (h *Holdings) Held(name string) int { return h.held[name] }

// Scope owns the leases taken during one stretch of execution.
type Scope struct {
	pools    *Pools
	holdings *Holdings
	leases   map[string]*Lease
	order    []string
	unlocked bool
	closed   bool
}

// New returns an empty scope drawing connections from pools.
func New(pools *Pools) *Scope {
	return &Scope{pools: pools, leases: make(map[string]*Lease)}
}

// NewCounted is New, with every lease the scope takes counted in h. Scopes
// sharing h refuse a lease with ErrExhausted instead of waiting on a pool
// they have drained themselves.
func NewCounted(pools *Pools, h *Holdings) *Scope {
	s := New(pools)
	s.holdings = h
	return s
}

// Lease returns the connection held for desc.Name, acquiring one on first use.
// Asking again for the same name returns the same lease.
func (s *Scope) Lease(ctx context.Context, desc api.Connection) (*Lease, error) {
	if s.closed {
		return nil, errors.AssertionFailedf("lease %q from a closed scope", desc.Name)
	}
	if s.unlocked {
		return nil, errors.AssertionFailedf("lease %q from an unlocked scope", desc.Name)
	}
	if l, ok := s.leases[desc.Name]; ok {
		return l, nil
	}

	db, resolved, err := s.pools.DB(desc)
	if err != nil {
		return nil, err
	}
	loc, err := Location(resolved)
	if err != nil {
		return nil, err
	}
	if s.holdings != nil {
		if limit := s.pools.MaxOpen(); limit > 0 && s.holdings.held[desc.Name] >= limit {
			return nil, errors.Mark(errors.Newf(
				"connection %q: this execution already holds all %d connections (raise max_open_conns)",
				desc.Name, limit), ErrExhausted)
		}
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "acquire connection %q", desc.Name)
	}

	l := &Lease{desc: resolved, conn: conn, loc: loc}
	if resolved.Transactional {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			_ = conn.Close()
			return nil, errors.Wrapf(err, "begin transaction on %q", desc.Name)
		}
		l.tx = tx
	}

	s.leases[desc.Name] = l
	s.order = append(s.order, desc.Name)
	if s.holdings != nil {
		s.holdings.held[desc.Name]++
	}
	return l, nil
}

// Leases returns the held leases in acquisition order.
func (s *Scope) Leases() []*Lease {
	out := make([]*Lease, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.leases[name])
	}
	return out
}

// Len returns the number of held leases.
func (s *Scope) Len() int { return len(s.order) }

// UnlockAll ends leasing: later Lease calls fail. Held connections stay open
// for whatever still reads from them until Close.
func (s *Scope) UnlockAll() { s.unlocked = true }

// Unlocked reports whether UnlockAll has run.
func (s *Scope) Unlocked() bool { return s.unlocked }

// Closed reports whether Close has run.
func (s *Scope) Closed() bool { return s.closed }

// Close runs the cleanups for outcome on every lease and releases the
// connections. Every lease is visited even when an earlier one fails; the
// errors are combined. Closing twice is a no-op.
func (s *Scope) Close(ctx context.Context, outcome Outcome) error {
	return s.close(ctx, outcome, false)
}

// CloseAsync is Close, except connections go back to their pool in the
// background once cleanups have run.
func (s *Scope) CloseAsync(ctx context.Context, outcome Outcome) error {
	return s.close(ctx, outcome, true)
}

func (s *Scope) close(ctx context.Context, outcome Outcome, async bool) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.unlocked = true

	// Cleanups must run even when the caller's context was cancelled.
	ctx = context.WithoutCancel(ctx)

	var err error
	for _, name := range s.order {
		l := s.leases[name]
		if s.holdings != nil {
			s.holdings.held[name]--
		}
		if cerr := l.finish(ctx, outcome); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "close connection %q", name))
		}
		if async {
			go func(c *sql.Conn) { _ = c.Close() }(l.conn)
			continue
		}
		if cerr := l.conn.Close(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(cerr, "release connection %q", name))
		}
	}
	s.leases = nil
	s.order = nil
	return err
}

func (l *Lease) finish(ctx context.Context, outcome Outcome) error {
	var err error
	run := func(q Querier, fns []Cleanup) {
		for _, fn := range fns {
			err = errors.CombineErrors(err, fn(ctx, q))
		}
	}

	if l.tx == nil {
		if outcome == Commit {
			run(l.conn, l.onCommit)
		} else {
			run(l.conn, l.onRollback)
		}
		return err
	}

	if outcome == Commit {
		run(l.tx, l.onCommit)
		if cerr := l.tx.Commit(); cerr != nil {
			err = errors.CombineErrors(err, errors.Wrap(cerr, "commit"))
			run(l.conn, l.onRollback)
		}
		return err
	}

	if rerr := l.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
		err = errors.CombineErrors(err, errors.Wrap(rerr, "rollback"))
	}
	run(l.conn, l.onRollback)
	return err
}
