// Package vm hosts OPA policies compiled to WebAssembly.
//
// An Instance owns one sandboxed policy: its wazero runtime, the synthetic
// `env` module providing linear memory and builtin dispatch, the negotiated
// ABI version, and the resident data document. Evaluation calls are
// exclusive per instance; Pool provides horizontal concurrency over a set of
// pre-loaded instances.
//
// The guest heap is a foreign arena: host code touches it only through Block
// handles issued by the memory bridge. Transient serialization buffers are
// freed as soon as they are consumed; everything an evaluation allocates
// beyond that is reclaimed by the heap pointer reset performed at the start
// of the next call.
package vm
