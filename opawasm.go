package opawasm

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/policyrun/opawasm/bundle"
	"github.com/policyrun/opawasm/engine"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/vm"
)

// Policy is a loaded policy ready for evaluation. It fronts a fixed pool of
// instances, so Eval is safe for concurrent use; each call gets exclusive
// use of one instance for its duration.
type Policy struct {
	eng  *engine.Engine
	log  *zap.Logger
	cfg  config
	pool atomic.Pointer[vm.Pool]
}

// New loads a compiled policy module.
func New(ctx context.Context, wasmBytes []byte, opts ...Option) (*Policy, error) {
	cfg := newConfig(opts)
	if cfg.err != nil {
		return nil, cfg.err
	}

	p := &Policy{
		eng: engine.New(&engine.Config{
			MemoryLimitPages: cfg.memoryLimitPages,
			EvalTimeout:      cfg.evalTimeout,
		}),
		log: cfg.logger,
		cfg: cfg,
	}

	pool, err := vm.NewPool(ctx, p.eng, wasmBytes, cfg.poolSize, cfg.vmOptions(), cfg.metrics)
	if err != nil {
		_ = p.eng.Close(ctx)
		return nil, err
	}
	p.pool.Store(pool)
	return p, nil
}

// FromBundle loads the compiled policy from an unpacked bundle. The bundle's
// data document applies unless WithData overrides it.
func FromBundle(ctx context.Context, b *bundle.Bundle, opts ...Option) (*Policy, error) {
	if b.Data != nil {
		opts = append([]Option{WithRawData(b.Data)}, opts...)
	}
	return New(ctx, b.Policy, opts...)
}

// FromBundleFile reads a bundle archive from disk and loads its policy.
func FromBundleFile(ctx context.Context, filename string, opts ...Option) (*Policy, error) {
	b, err := bundle.FromFile(filename)
	if err != nil {
		return nil, err
	}
	return FromBundle(ctx, b, opts...)
}

// Eval runs an entrypoint and returns the decision value. Input may be nil,
// a json.RawMessage, or any JSON-marshalable value. An evaluation that
// produces no results reports an undefined-decision error.
func (p *Policy) Eval(ctx context.Context, entrypoint string, input any) (json.RawMessage, error) {
	resultSet, err := p.EvalResultSet(ctx, entrypoint, input)
	if err != nil {
		return nil, err
	}

	var results []struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resultSet, &results); err != nil {
		return nil, errors.MalformedValue(errors.PhaseDecode, err, "parse result set")
	}
	if len(results) == 0 {
		return nil, errors.Undefined(entrypoint)
	}
	return results[0].Result, nil
}

// EvalResultSet runs an entrypoint and returns the raw result set JSON
// without unwrapping.
func (p *Policy) EvalResultSet(ctx context.Context, entrypoint string, input any) (json.RawMessage, error) {
	raw, err := marshalInput(input)
	if err != nil {
		return nil, err
	}
	return p.pool.Load().Eval(ctx, entrypoint, raw)
}

// SetData replaces the data document on every pooled instance.
func (p *Policy) SetData(ctx context.Context, data any) error {
	raw, err := marshalInput(data)
	if err != nil {
		return err
	}
	return p.pool.Load().SetData(ctx, raw)
}

// Entrypoints returns the policy's declared entrypoint names.
func (p *Policy) Entrypoints() []string {
	return p.pool.Load().Entrypoints()
}

// ReloadBundle swaps in a new bundle revision. In-flight evaluations finish
// against the old revision; new calls see the new one.
func (p *Policy) ReloadBundle(ctx context.Context, b *bundle.Bundle) error {
	cfg := p.cfg
	if b.Data != nil && cfg.data == nil {
		cfg.data = b.Data
	}

	pool, err := vm.NewPool(ctx, p.eng, b.Policy, cfg.poolSize, cfg.vmOptions(), cfg.metrics)
	if err != nil {
		return err
	}

	old := p.pool.Swap(pool)
	if old != nil {
		if err := old.Close(ctx); err != nil {
			p.log.Warn("closing previous revision", zap.Error(err))
		}
	}
	return nil
}

// WatchBundle reloads the policy whenever the bundle file at filename
// changes. Close the returned watcher to stop.
func (p *Policy) WatchBundle(filename string) (*bundle.Watcher, error) {
	return bundle.Watch(filename, p.log, func(b *bundle.Bundle) {
		if err := p.ReloadBundle(context.Background(), b); err != nil {
			p.log.Error("bundle reload rejected",
				zap.String("path", filename),
				zap.Error(err))
		}
	})
}

// Close releases all pooled instances and the engine.
func (p *Policy) Close(ctx context.Context) error {
	err := p.pool.Load().Close(ctx)
	if cerr := p.eng.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Decision evaluates an entrypoint and decodes the decision into R.
func Decision[R any](ctx context.Context, p *Policy, entrypoint string, input any) (R, error) {
	var out R
	raw, err := p.Eval(ctx, entrypoint, input)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.MalformedValue(errors.PhaseDecode, err, "decode decision")
	}
	return out, nil
}

func marshalInput(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	case []byte:
		return json.RawMessage(x), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.MalformedValue(errors.PhaseEncode, err, "serialize input")
		}
		return raw, nil
	}
}
