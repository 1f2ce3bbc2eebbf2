package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
)

// Config holds configuration shared by all instances created from an Engine.
type Config struct {
	// MemoryLimitPages caps guest memory per instance in 64KB pages.
	// 0 means the wazero default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// EvalTimeout is the execution ceiling for a single evaluation call.
	// wazero has no fuel metering, so the ceiling is enforced as a deadline:
	// when it expires the module is closed mid-flight and the call reports an
	// execution fault. 0 disables the ceiling.
	EvalTimeout time.Duration
}

// Engine owns the wazero compilation cache and instance configuration.
type Engine struct {
	cache wazero.CompilationCache
	cfg   Config
}

// New creates an engine. A nil config selects the defaults.
func New(cfg *Config) *Engine {
	e := &Engine{cache: wazero.NewCompilationCache()}
	if cfg != nil {
		e.cfg = *cfg
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// NewRuntime creates a fresh wazero runtime backed by the shared compilation
// cache. Callers own the returned runtime and must close it.
func (e *Engine) NewRuntime(ctx context.Context) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)

	if e.cfg.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}

	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// Close releases the compilation cache. All instances must be closed first.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}
