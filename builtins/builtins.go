// Package builtins holds the host-side builtin function registry.
//
// A policy compiled to WASM declares the builtins it needs by name; the
// loader resolves each declared name against a Registry at load time and
// fails when one is missing. Implementations receive arguments as decoded
// JSON-shaped values (map[string]any, []any, json.Number, string, bool, nil)
// and return a JSON-shaped value. Arity and argument type checking is each
// implementation's job; WithArity is a helper for the common fixed-arity
// case.
package builtins

import (
	"context"
	"sort"
	"sync"

	"github.com/policyrun/opawasm/errors"
)

// Context carries per-call information into a builtin implementation.
type Context struct {
	// Context is the evaluation call's context.
	Context context.Context

	// Name is the builtin name as declared by the policy.
	Name string
}

// Func is a host builtin implementation. Returning an error marks the call
// undefined for the policy; it does not fault the evaluation session.
type Func func(bctx Context, args []any) (any, error)

// Registry maps builtin names to host implementations. Registration must
// finish before the registry is handed to a loader; lookups are safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register adds an implementation under the given name. Registering an empty
// name, a nil function, or a duplicate name is an error.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return errors.Registration("builtin name must not be empty")
	}
	if fn == nil {
		return errors.Registration("builtin %q: implementation must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.fns[name]; ok {
		return errors.Registration("builtin %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Lookup returns the implementation for name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithArity wraps fn with an argument-count check.
func WithArity(arity int, fn Func) Func {
	return func(bctx Context, args []any) (any, error) {
		if len(args) != arity {
			return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput,
				"builtin %q expects %d arguments, got %d", bctx.Name, arity, len(args))
		}
		return fn(bctx, args)
	}
}
