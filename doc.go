// Package opawasm evaluates Open Policy Agent policies compiled to
// WebAssembly.
//
// A policy compiled with opa build -t wasm is a self-contained module
// exposing evaluation through a small C-flavored ABI. This library hosts
// such modules on wazero: it negotiates the ABI version, bridges values
// across the host/guest memory boundary as JSON text, dispatches the
// policy's builtin calls to registered Go implementations, and pools
// instances so a single Policy serves concurrent evaluations.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	opawasm/             Root package with the Policy facade and options
//	├── vm/              Instance lifecycle, memory bridge, value codec,
//	│                    builtin dispatch, evaluation, pooling
//	├── engine/          Shared wazero compilation cache and runtime config
//	├── builtins/        Host builtin registry
//	├── bundle/          OPA bundle archives and filesystem watching
//	├── wasm/            Core WASM binary decoding and construction
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Load a compiled policy and evaluate an entrypoint:
//
//	policy, err := opawasm.New(ctx, wasmBytes,
//	    opawasm.WithData(map[string]any{"roles": []string{"admin"}}),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer policy.Close(ctx)
//
//	allowed, err := opawasm.Decision[bool](ctx, policy, "authz/allow", input)
//
// Policies inside OPA bundle archives load the same way:
//
//	policy, err := opawasm.FromBundleFile(ctx, "bundle.tar.gz")
//
// # Builtins
//
// Policies may depend on builtins the compiler could not inline. Register
// implementations before loading; a declared builtin without an
// implementation fails the load:
//
//	reg := builtins.NewRegistry()
//	reg.Register("custom.greeting", builtins.WithArity(1, greet))
//	policy, err := opawasm.New(ctx, wasmBytes, opawasm.WithBuiltins(reg))
package opawasm
