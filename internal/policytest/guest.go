// Package policytest builds fake policy modules for exercising the host.
// They honor the shapes the host depends on with the simplest possible
// semantics: a bump allocator with a no-op free, identity
// json_parse/json_dump (values are their own JSON text), and evaluation
// results served from constant data segments.
package policytest

import (
	"testing"

	"github.com/policyrun/opawasm/wasm"
)

const (
	entrypointsAddr = 1024
	builtinsAddr    = 1104
	resultAddr      = 1200
	arg1Addr        = 1300
	arg2Addr        = 1304
	abortMsgAddr    = 1400
	heapBase        = 65536
)

// Guest describes the fake policy to build. Zero values select a
// well-behaved ABI 1.0 module evaluating to [{"result":true}].
type Guest struct {
	Major int32 // ABI major, default 1
	Minor int32 // ABI minor

	Result      string // result JSON returned by both eval paths
	Entrypoints string // declared entrypoints, default {"test/allow":0}
	Builtins    string // declared builtins, default {}

	Trap         bool   // evaluation executes unreachable
	Hang         bool   // evaluation spins forever
	AbortMsg     string // evaluation calls opa_abort with this message
	CallBuiltin2 bool   // evaluation returns the result of builtin id 0
}

// Build encodes the described guest to WASM binary.
func Build(t testing.TB, g Guest) []byte {
	t.Helper()

	if g.Major == 0 {
		g.Major = 1
	}
	if g.Result == "" {
		g.Result = `[{"result":true}]`
	}
	if g.Entrypoints == "" {
		g.Entrypoints = `{"test/allow":0}`
	}
	if g.Builtins == "" {
		g.Builtins = `{}`
	}

	b := wasm.NewBuilder()
	i32 := wasm.I32

	tUnary := b.FuncType([]wasm.ValType{i32}, nil)
	tUnaryRet := b.FuncType([]wasm.ValType{i32}, []wasm.ValType{i32})
	tBinary := b.FuncType([]wasm.ValType{i32, i32}, nil)
	tBinaryRet := b.FuncType([]wasm.ValType{i32, i32}, []wasm.ValType{i32})
	tNullaryRet := b.FuncType(nil, []wasm.ValType{i32})
	tFastEval := b.FuncType([]wasm.ValType{i32, i32, i32, i32, i32, i32, i32}, []wasm.ValType{i32})
	tBuiltin2 := b.FuncType([]wasm.ValType{i32, i32, i32, i32}, []wasm.ValType{i32})

	var abortIdx, builtin2Idx uint32
	if g.AbortMsg != "" {
		abortIdx = b.ImportFunc("env", "opa_abort", tUnary)
	}
	if g.CallBuiltin2 {
		builtin2Idx = b.ImportFunc("env", "opa_builtin2", tBuiltin2)
	}
	b.ImportMemory("env", "memory", 2, nil)

	heap := b.GlobalI32(heapBase, true)
	major := b.GlobalI32(g.Major, false)
	minor := b.GlobalI32(g.Minor, false)

	// opa_malloc: bump the heap pointer, return the old top.
	malloc := b.Func(tUnaryRet, []wasm.Local{{Count: 1, Type: i32}},
		wasm.NewAsm().
			GlobalGet(heap).LocalSet(1).
			GlobalGet(heap).LocalGet(0).I32Add().GlobalSet(heap).
			LocalGet(1).End())
	free := b.Func(tUnary, nil, wasm.NewAsm().End())
	jsonParse := b.Func(tBinaryRet, nil, wasm.NewAsm().LocalGet(0).End())
	jsonDump := b.Func(tUnaryRet, nil, wasm.NewAsm().LocalGet(0).End())
	heapGet := b.Func(tNullaryRet, nil, wasm.NewAsm().GlobalGet(heap).End())
	heapSet := b.Func(tUnary, nil, wasm.NewAsm().LocalGet(0).GlobalSet(heap).End())

	ctxNew := b.Func(tNullaryRet, nil, wasm.NewAsm().I32Const(8).End())
	ctxSetInput := b.Func(tBinary, nil, wasm.NewAsm().End())
	ctxSetData := b.Func(tBinary, nil, wasm.NewAsm().End())
	ctxSetEntry := b.Func(tBinary, nil, wasm.NewAsm().End())
	ctxGetResult := b.Func(tUnaryRet, nil, wasm.NewAsm().I32Const(resultAddr).End())

	evalBody := func(value int32) []byte {
		switch {
		case g.Trap:
			return wasm.NewAsm().Unreachable().End()
		case g.Hang:
			return wasm.NewAsm().Loop().Br(0).EndBlock().Unreachable().End()
		case g.AbortMsg != "":
			return wasm.NewAsm().I32Const(abortMsgAddr).Call(abortIdx).Unreachable().End()
		default:
			return wasm.NewAsm().I32Const(value).End()
		}
	}

	eval := b.Func(tUnaryRet, nil, evalBody(0))

	var fastBody []byte
	if g.CallBuiltin2 {
		fastBody = wasm.NewAsm().
			I32Const(0). // builtin id
			I32Const(0). // reserved ctx
			I32Const(arg1Addr).
			I32Const(arg2Addr).
			Call(builtin2Idx).End()
	} else {
		fastBody = evalBody(resultAddr)
	}
	fastEval := b.Func(tFastEval, nil, fastBody)

	entrypoints := b.Func(tNullaryRet, nil, wasm.NewAsm().I32Const(entrypointsAddr).End())
	builtins := b.Func(tNullaryRet, nil, wasm.NewAsm().I32Const(builtinsAddr).End())

	b.ExportFunc("opa_malloc", malloc)
	b.ExportFunc("opa_free", free)
	b.ExportFunc("opa_json_parse", jsonParse)
	b.ExportFunc("opa_json_dump", jsonDump)
	b.ExportFunc("opa_heap_ptr_get", heapGet)
	b.ExportFunc("opa_heap_ptr_set", heapSet)
	b.ExportFunc("opa_eval_ctx_new", ctxNew)
	b.ExportFunc("opa_eval_ctx_set_input", ctxSetInput)
	b.ExportFunc("opa_eval_ctx_set_data", ctxSetData)
	b.ExportFunc("opa_eval_ctx_set_entrypoint", ctxSetEntry)
	b.ExportFunc("opa_eval_ctx_get_result", ctxGetResult)
	b.ExportFunc("eval", eval)
	b.ExportFunc("opa_eval", fastEval)
	b.ExportFunc("entrypoints", entrypoints)
	b.ExportFunc("builtins", builtins)
	b.ExportGlobal("opa_wasm_abi_version", major)
	b.ExportGlobal("opa_wasm_abi_minor_version", minor)

	b.Data(entrypointsAddr, []byte(g.Entrypoints))
	b.Data(builtinsAddr, []byte(g.Builtins))
	b.Data(resultAddr, []byte(g.Result))
	b.Data(arg1Addr, []byte(`1`))
	b.Data(arg2Addr, []byte(`2`))
	if g.AbortMsg != "" {
		b.Data(abortMsgAddr, []byte(g.AbortMsg))
	}

	return b.Build()
}
