package vm

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/policyrun/opawasm/engine"
	"github.com/policyrun/opawasm/errors"
)

// Pool holds a fixed number of instances of one policy so evaluations can
// proceed in parallel despite each instance being single-threaded. Faulted
// instances are replaced transparently; a slot whose replacement load fails
// retries the load on its next acquisition.
type Pool struct {
	eng       *engine.Engine
	wasmBytes []byte
	opts      Options
	log       *zap.Logger
	metrics   *Metrics

	size  int
	slots chan *Instance

	mu     sync.Mutex // serializes SetData/Close and guards closed
	closed bool

	optsMu sync.Mutex // guards opts.Data for replacement loads
	eps    []string
}

// NewPool loads size instances of the policy. Size must be at least one.
func NewPool(ctx context.Context, eng *engine.Engine, wasmBytes []byte, size int, opts Options, metrics *Metrics) (*Pool, error) {
	if size < 1 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "pool size must be at least 1, got %d", size)
	}
	log := opts.Logger
	if log == nil {
		log = engine.Logger()
	}

	p := &Pool{
		eng:       eng,
		wasmBytes: wasmBytes,
		opts:      opts,
		log:       log,
		metrics:   metrics,
		size:      size,
		slots:     make(chan *Instance, size),
	}

	for i := 0; i < size; i++ {
		inst, err := Load(ctx, eng, wasmBytes, opts)
		if err != nil {
			p.closeLoaded(ctx)
			return nil, err
		}
		if i == 0 {
			p.eps = inst.Entrypoints()
		}
		p.slots <- inst
	}
	p.metrics.setLive(size)
	return p, nil
}

// Eval acquires an instance, runs the entrypoint, and returns the instance
// to the pool. A fatal error retires the instance and loads a fresh one in
// its place.
func (p *Pool) Eval(ctx context.Context, entrypoint string, input json.RawMessage) (json.RawMessage, error) {
	inst, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := inst.Eval(ctx, entrypoint, input)
	elapsed := time.Since(start).Seconds()

	if inst.Faulted() {
		p.metrics.observeFault()
		p.metrics.observeEval(entrypoint, "fault", elapsed)
		p.retire(ctx, inst)
	} else {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		p.metrics.observeEval(entrypoint, outcome, elapsed)
		p.slots <- inst
	}
	return result, err
}

// SetData replaces the data document on every pooled instance. In-flight
// evaluations finish against the old document; the pool is drained slot by
// slot, so concurrent Eval calls stall until their slot is refreshed.
func (p *Pool) SetData(ctx context.Context, data json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New(errors.PhaseEval, errors.KindSessionFaulted, "pool is closed")
	}

	p.optsMu.Lock()
	p.opts.Data = data
	p.optsMu.Unlock()

	var firstErr error
	for i := 0; i < p.size; i++ {
		inst, err := p.acquire(ctx)
		if err != nil {
			return err
		}
		if err := inst.SetData(ctx, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.retire(ctx, inst)
			continue
		}
		p.slots <- inst
	}
	return firstErr
}

// Entrypoints returns the policy's declared entrypoint names.
func (p *Pool) Entrypoints() []string {
	return p.eps
}

// Close drains and closes every instance. Blocks until in-flight
// evaluations return their instances.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for i := 0; i < p.size; i++ {
		inst := <-p.slots
		if inst == nil {
			continue
		}
		if err := inst.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Every slot is accounted for, so no sender remains; closing wakes any
	// evaluation still waiting for an instance.
	close(p.slots)
	p.metrics.setLive(0)
	return firstErr
}

// acquire takes an instance out of the pool, loading a replacement on the
// spot when the slot holds a retired one. The slots channel is closed once
// Close has drained it, so late acquisitions fail fast instead of blocking.
func (p *Pool) acquire(ctx context.Context) (*Instance, error) {
	var (
		inst *Instance
		ok   bool
	)
	select {
	case inst, ok = <-p.slots:
		if !ok {
			return nil, errors.New(errors.PhaseEval, errors.KindSessionFaulted, "pool is closed")
		}
	case <-ctx.Done():
		return nil, errors.ExecutionFault(ctx.Err(), "waiting for a pooled instance")
	}

	if inst != nil && !inst.Faulted() {
		return inst, nil
	}
	if inst != nil {
		_ = inst.Close(ctx)
	}

	fresh, err := p.reload(ctx)
	if err != nil {
		// Keep the slot; the next acquire retries the load.
		p.slots <- nil
		return nil, err
	}
	return fresh, nil
}

// retire closes a faulted instance and refills its slot.
func (p *Pool) retire(ctx context.Context, inst *Instance) {
	_ = inst.Close(ctx)
	p.log.Warn("retired faulted instance", zap.String("instance", inst.ID()))

	fresh, err := p.reload(ctx)
	if err != nil {
		p.log.Error("replacement load failed", zap.Error(err))
		p.slots <- nil
		return
	}
	p.slots <- fresh
}

func (p *Pool) reload(ctx context.Context) (*Instance, error) {
	p.optsMu.Lock()
	opts := p.opts
	p.optsMu.Unlock()
	return Load(ctx, p.eng, p.wasmBytes, opts)
}

func (p *Pool) closeLoaded(ctx context.Context) {
	for {
		select {
		case inst := <-p.slots:
			if inst != nil {
				_ = inst.Close(ctx)
			}
		default:
			return
		}
	}
}
