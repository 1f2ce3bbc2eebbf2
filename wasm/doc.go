// Package wasm implements the minimal slice of the WebAssembly binary format
// the engine needs: LEB128 primitives, a section-level module scanner, and a
// module builder.
//
// The scanner (Decode) extracts imports, exports, memories, and globals so
// the loader can reject broken or incompatible policies before handing the
// bytes to the sandbox, and so tooling can inspect a policy without
// instantiating it. The builder (NewBuilder) emits small synthetic modules,
// most notably the `env` module that provides linear memory to OPA policies,
// since host-defined modules cannot export memory.
//
// This is deliberately not a general-purpose decoder: code and data section
// bodies are carried opaquely and post-MVP proposals are out of scope.
package wasm
