package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/agentic-research/relexec/api"
	"github.com/agentic-research/relexec/internal/cache"
	"github.com/agentic-research/relexec/internal/config"
	"github.com/agentic-research/relexec/internal/exec"
	"github.com/agentic-research/relexec/internal/lint"
	"github.com/agentic-research/relexec/internal/metrics"
	"github.com/agentic-research/relexec/internal/object"
	"github.com/agentic-research/relexec/internal/scope"
	"github.com/cockroachdb/errors"
	"github.com/ohler55/ojg/jp"
	"github.com/prometheus/client_golang/prometheus"
)

// engine is everything one process needs to run plans.
type engine struct {
	cfg    *config.Config
	pools  *scope.Pools
	caches *cache.Service
	exec   *exec.Executor
	log    *slog.Logger
}

// newEngine wires configuration into an executor. An empty path runs with
// defaults and connections fully described by the plan.
func newEngine(path, level string, reg prometheus.Registerer) (*engine, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Parse("defaults.hcl", nil)
	}
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.LogLevel = level
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	caches, err := cfg.CacheService()
	if err != nil {
		return nil, err
	}

	var reporter metrics.Reporter = metrics.Nop{}
	if reg != nil {
		p, err := metrics.NewPrometheus(reg)
		if err != nil {
			return nil, err
		}
		reporter = p
	}

	return &engine{
		cfg:    cfg,
		pools:  cfg.Pools(),
		caches: caches,
		exec: exec.NewExecutor(
			exec.WithLogger(log),
			exec.WithReporter(reporter),
			exec.WithDefaultBatchSize(cfg.BatchSize),
		),
		log: log,
	}, nil
}

func (e *engine) Close() error { return e.pools.Close() }

// run decodes and executes a plan and returns its result as plain values.
// A non-empty selector is a JSONPath applied to that value.
func (e *engine) run(ctx context.Context, planJSON []byte, selector string) (any, error) {
	node, err := api.DecodeNode(planJSON)
	if err != nil {
		return nil, err
	}
	var sel jp.Expr
	if selector != "" {
		if sel, err = jp.ParseString(selector); err != nil {
			return nil, errors.Wrapf(err, "invalid jsonpath %q", selector)
		}
	}

	diags, err := lint.Plan(ctx, node)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		e.log.WarnContext(ctx, "plan lint", "diagnostic", d.String())
	}

	ec := exec.NewExecutionContext(e.pools, e.caches)
	res, err := e.exec.Execute(ctx, node, ec)
	if err != nil {
		// Close keeps err as the primary error.
		return nil, ec.Close(ctx, err)
	}
	out, err := collect(ctx, res)
	err = errors.CombineErrors(err, res.Close())
	if err = ec.Close(ctx, err); err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "plan executed", "exec_id", ec.ID.String(), "kind", string(node.Kind()))

	if sel != nil {
		return sel.Get(out), nil
	}
	return out, nil
}

// collect drains a result into values that serialize as JSON.
func collect(ctx context.Context, res exec.Result) (any, error) {
	if g, ok := exec.AsGraphFetch(res); ok {
		objs, err := g.All(ctx)
		if err != nil {
			return nil, err
		}
		return plainAll(objs), nil
	}
	if rows, ok := exec.AsStreaming(res); ok {
		out := []any{}
		for rows.Next() {
			m := make(map[string]any, len(rows.Columns()))
			for i, c := range rows.Columns() {
				v := rows.Value(i)
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				m[c] = v
			}
			out = append(out, m)
		}
		return out, rows.Err()
	}

	switch r := unwrapBlock(res).(type) {
	case *exec.ConstantResult:
		return r.Value, nil
	case *exec.ObjectStreamResult:
		out := []any{}
		for r.Next() {
			out = append(out, plainValue(r.Object()))
		}
		return out, r.Err()
	default:
		return nil, errors.Newf("cannot render %T", r)
	}
}

func unwrapBlock(r exec.Result) exec.Result {
	for {
		b, ok := r.(*exec.BlockResult)
		if !ok {
			return r
		}
		r = b.Unwrap()
	}
}

func plainAll(objs []any) []any {
	out := make([]any, len(objs))
	for i, o := range objs {
		out[i] = plainValue(o)
	}
	return out
}

func plainValue(v any) any {
	if o, ok := v.(*object.Object); ok {
		return o.Map()
	}
	return v
}
