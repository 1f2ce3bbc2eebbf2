// Package engine wraps the wazero runtime for the policy engine.
//
// One Engine is shared process-wide and owns a wazero compilation cache, so
// repeated instantiation of the same policy (pools, reloads) does not re-run
// the compiler. Each policy instance gets its own wazero.Runtime from
// NewRuntime: OPA policies import their linear memory from the `env` module
// and module names are unique within a runtime, so private runtimes are what
// give instances private memory.
package engine
