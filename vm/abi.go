package vm

import "fmt"

// Names and versions defined by OPA's WASM ABI. These are an external
// contract and must match the published ABI exactly.

// SupportedABIMajor is the ABI major version this engine implements. The
// guest's declared major must equal it.
const SupportedABIMajor = 1

// fastEvalMinor is the minimum ABI minor version exposing the one-shot
// opa_eval entry point.
const fastEvalMinor = 2

// Module name the guest imports memory and host functions from.
const envModule = "env"

// Internal module names within an instance's runtime.
const (
	hostModuleName  = "opa_host"
	guestModuleName = "policy"
)

// Exported globals.
const (
	globalABIVersion      = "opa_wasm_abi_version"
	globalABIMinorVersion = "opa_wasm_abi_minor_version"
)

// Exported functions.
const (
	exportMalloc            = "opa_malloc"
	exportFree              = "opa_free"
	exportJSONParse         = "opa_json_parse"
	exportJSONDump          = "opa_json_dump"
	exportHeapPtrGet        = "opa_heap_ptr_get"
	exportHeapPtrSet        = "opa_heap_ptr_set"
	exportEvalCtxNew        = "opa_eval_ctx_new"
	exportEvalCtxSetInput   = "opa_eval_ctx_set_input"
	exportEvalCtxSetData    = "opa_eval_ctx_set_data"
	exportEvalCtxSetEntry   = "opa_eval_ctx_set_entrypoint"
	exportEvalCtxGetResult  = "opa_eval_ctx_get_result"
	exportEval              = "eval"
	exportFastEval          = "opa_eval" // ABI >= 1.2
	exportEntrypoints       = "entrypoints"
	exportBuiltins          = "builtins"
)

// Imported host functions (module env).
const (
	importMemory  = "memory"
	importAbort   = "opa_abort"
	importPrintln = "opa_println"
)

// maxBuiltinArgs is the highest arity the ABI declares an import for
// (opa_builtin0 .. opa_builtin4).
const maxBuiltinArgs = 4

func builtinImportName(arity int) string {
	return fmt.Sprintf("opa_builtin%d", arity)
}

// requiredExports are the function exports every supported policy module
// must declare; their absence is a load-time instantiation error.
var requiredExports = []string{
	exportMalloc,
	exportFree,
	exportJSONParse,
	exportJSONDump,
	exportHeapPtrGet,
	exportHeapPtrSet,
	exportEvalCtxNew,
	exportEvalCtxSetInput,
	exportEvalCtxSetData,
	exportEvalCtxSetEntry,
	exportEvalCtxGetResult,
	exportEval,
	exportEntrypoints,
	exportBuiltins,
}

// ABIVersion is the (major, minor) pair negotiated at load time and threaded
// through every version-dependent call site.
type ABIVersion struct {
	Major uint32
	Minor uint32
}

// HasFastEval reports whether the one-shot opa_eval path is available.
func (v ABIVersion) HasFastEval() bool {
	return v.Minor >= fastEvalMinor
}

func (v ABIVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
