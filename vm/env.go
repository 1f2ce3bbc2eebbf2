package vm

import (
	"github.com/policyrun/opawasm/wasm"
)

// Policy modules import their memory and host callbacks from a module named
// env, but a wazero host module cannot export memory. buildEnvModule
// synthesizes a small core module that defines and exports the memory and
// re-exports the host functions it imports from the opa_host module, giving
// the guest the single-module import surface the ABI expects.
func buildEnvModule(minPages uint32, maxPages *uint32) []byte {
	b := wasm.NewBuilder()

	i32 := wasm.I32
	tAbort := b.FuncType([]wasm.ValType{i32}, nil)
	tPrintln := b.FuncType([]wasm.ValType{i32}, nil)

	abort := b.ImportFunc(hostModuleName, importAbort, tAbort)
	print := b.ImportFunc(hostModuleName, importPrintln, tPrintln)

	// opa_builtinN takes (builtin_id, ctx, arg0..argN-1) and returns a value
	// address.
	builtins := make([]uint32, maxBuiltinArgs+1)
	for arity := 0; arity <= maxBuiltinArgs; arity++ {
		params := make([]wasm.ValType, 2+arity)
		for i := range params {
			params[i] = i32
		}
		t := b.FuncType(params, []wasm.ValType{i32})
		builtins[arity] = b.ImportFunc(hostModuleName, builtinImportName(arity), t)
	}

	mem := b.Memory(minPages, maxPages)

	b.ExportMemory(importMemory, mem)
	b.ExportFunc(importAbort, abort)
	b.ExportFunc(importPrintln, print)
	for arity, idx := range builtins {
		b.ExportFunc(builtinImportName(arity), idx)
	}

	return b.Build()
}
