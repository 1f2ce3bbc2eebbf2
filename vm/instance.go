package vm

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/policyrun/opawasm/builtins"
	"github.com/policyrun/opawasm/engine"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/wasm"
)

// Instance states.
const (
	stateReady int32 = iota
	stateEvaluating
	stateFaulted
	stateClosed
)

// defaultMemoryPages is the env memory size when the policy does not declare
// an import minimum.
const defaultMemoryPages = 2

// Options configures a Load call.
type Options struct {
	// Logger receives instance diagnostics. Nil selects the engine package
	// logger, a no-op by default.
	Logger *zap.Logger

	// Builtins resolves the policy's declared builtins. Nil is an empty
	// registry; loading a policy that declares builtins then fails.
	Builtins *builtins.Registry

	// MinABIMinor rejects policies negotiating an ABI minor below it.
	MinABIMinor uint32

	// OnPrintln receives policy print output instead of the logger.
	OnPrintln func(string)

	// Data is the initial data document. Nil means an empty object.
	Data json.RawMessage
}

// Instance is a loaded policy with its own isolated runtime, memory, and
// builtin bindings. One evaluation runs at a time; concurrent Eval calls
// serialize. A fatal evaluation error faults the instance permanently.
type Instance struct {
	id  string
	log *zap.Logger
	eng *engine.Engine

	rt    wazero.Runtime
	guest api.Module
	mem   *memory
	codec *codec
	disp  *dispatcher

	abi         ABIVersion
	entrypoints map[string]int32

	heapPtrGet   api.Function
	heapPtrSet   api.Function
	evalCtxNew   api.Function
	evalCtxInput api.Function
	evalCtxData  api.Function
	evalCtxEntry api.Function
	evalCtxRes   api.Function
	evalFn       api.Function
	fastEvalFn   api.Function // nil below ABI 1.2

	// baseHeapPtr is the top of the guest heap right after instantiation;
	// evalHeapPtr is the top after the data document is loaded. Each
	// evaluation resets the heap to evalHeapPtr, reclaiming everything the
	// previous evaluation allocated while keeping the data document live.
	baseHeapPtr uint32
	evalHeapPtr uint32
	dataAddr    uint32

	mu    sync.Mutex
	state atomic.Int32
}

// Load compiles and instantiates a policy module, negotiates its ABI
// version, and resolves its builtins and entrypoints.
func Load(ctx context.Context, eng *engine.Engine, wasmBytes []byte, opts Options) (*Instance, error) {
	log := opts.Logger
	if log == nil {
		log = engine.Logger()
	}
	reg := opts.Builtins
	if reg == nil {
		reg = builtins.NewRegistry()
	}

	decoded, err := precheck(wasmBytes, opts.MinABIMinor)
	if err != nil {
		return nil, err
	}

	in := &Instance{
		id:   uuid.NewString(),
		log:  log,
		eng:  eng,
		disp: newDispatcher(log, reg, opts.OnPrintln),
	}

	// Each instance gets its own runtime so env memory is private;
	// compilation is still shared through the engine cache.
	in.rt = eng.NewRuntime(ctx)
	if err := in.setup(ctx, wasmBytes, decoded, opts); err != nil {
		_ = in.rt.Close(ctx)
		return nil, err
	}

	in.log.Debug("policy loaded",
		zap.String("instance", in.id),
		zap.String("abi", in.abi.String()),
		zap.Int("entrypoints", len(in.entrypoints)))
	return in, nil
}

// precheck validates the binary shape before spending a compile on it:
// framing, required exports, and the declared ABI major when it is statically
// visible.
func precheck(wasmBytes []byte, minMinor uint32) (*wasm.Module, error) {
	decoded, err := wasm.Decode(wasmBytes)
	if err != nil {
		return nil, errors.Instantiation(err, "decode policy module")
	}

	for _, name := range requiredExports {
		if !decoded.HasExport(name, wasm.KindFunc) {
			return nil, errors.Instantiation(nil, "policy does not export "+name)
		}
	}

	if major, ok := decoded.ExportedGlobalI32(globalABIVersion); ok && major != SupportedABIMajor {
		return nil, errors.UnsupportedABI("policy declares ABI version %d, host supports %d", major, SupportedABIMajor)
	}
	if minor, ok := decoded.ExportedGlobalI32(globalABIMinorVersion); ok && uint32(minor) < minMinor {
		return nil, errors.UnsupportedABI("policy declares ABI minor %d, host requires at least %d", minor, minMinor)
	}
	return decoded, nil
}

func (in *Instance) setup(ctx context.Context, wasmBytes []byte, decoded *wasm.Module, opts Options) error {
	if err := in.disp.instantiateHost(ctx, in.rt); err != nil {
		return err
	}

	minPages, maxPages := guestMemoryLimits(decoded)
	envBytes := buildEnvModule(minPages, maxPages)
	env, err := in.rt.InstantiateWithConfig(ctx, envBytes,
		wazero.NewModuleConfig().WithName(envModule))
	if err != nil {
		return errors.Instantiation(err, "instantiate env module")
	}
	envMem := env.ExportedMemory(importMemory)
	in.disp.bindMemory(envMem)

	guest, err := in.rt.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(guestModuleName))
	if err != nil {
		return errors.Instantiation(err, "instantiate policy module")
	}
	in.guest = guest

	if err := in.negotiateABI(opts.MinABIMinor); err != nil {
		return err
	}

	in.mem = newMemory(envMem, guest)
	in.codec = newCodec(in.mem, guest)
	in.disp.bindCodec(in.codec)
	in.bindExports()

	base, err := in.callU32(ctx, in.heapPtrGet)
	if err != nil {
		return err
	}
	in.baseHeapPtr = base

	if err := in.resolveBuiltins(ctx); err != nil {
		return err
	}
	if err := in.resolveEntrypoints(ctx); err != nil {
		return err
	}
	return in.setData(ctx, opts.Data)
}

// guestMemoryLimits reads the memory limits the policy imports from env so
// the synthesized memory satisfies them.
func guestMemoryLimits(decoded *wasm.Module) (uint32, *uint32) {
	for _, imp := range decoded.Imports {
		if imp.Kind == wasm.KindMemory && imp.Module == envModule && imp.Name == importMemory {
			return imp.Memory.Min, imp.Memory.Max
		}
	}
	return defaultMemoryPages, nil
}

// negotiateABI reads the version globals from the instantiated module. The
// major must match exactly; the minor selects optional capabilities.
func (in *Instance) negotiateABI(minMinor uint32) error {
	majorG := in.guest.ExportedGlobal(globalABIVersion)
	if majorG == nil {
		return errors.UnsupportedABI("policy does not declare an ABI version")
	}
	major := uint32(majorG.Get())
	if major != SupportedABIMajor {
		return errors.UnsupportedABI("policy declares ABI version %d, host supports %d", major, SupportedABIMajor)
	}

	var minor uint32
	if minorG := in.guest.ExportedGlobal(globalABIMinorVersion); minorG != nil {
		minor = uint32(minorG.Get())
	}
	if minor < minMinor {
		return errors.UnsupportedABI("policy declares ABI minor %d, host requires at least %d", minor, minMinor)
	}

	in.abi = ABIVersion{Major: major, Minor: minor}
	return nil
}

func (in *Instance) bindExports() {
	in.heapPtrGet = in.guest.ExportedFunction(exportHeapPtrGet)
	in.heapPtrSet = in.guest.ExportedFunction(exportHeapPtrSet)
	in.evalCtxNew = in.guest.ExportedFunction(exportEvalCtxNew)
	in.evalCtxInput = in.guest.ExportedFunction(exportEvalCtxSetInput)
	in.evalCtxData = in.guest.ExportedFunction(exportEvalCtxSetData)
	in.evalCtxEntry = in.guest.ExportedFunction(exportEvalCtxSetEntry)
	in.evalCtxRes = in.guest.ExportedFunction(exportEvalCtxGetResult)
	in.evalFn = in.guest.ExportedFunction(exportEval)
	if in.abi.HasFastEval() {
		in.fastEvalFn = in.guest.ExportedFunction(exportFastEval)
	}
}

// resolveBuiltins reads the policy's declared builtin table and binds every
// entry to a registered implementation.
func (in *Instance) resolveBuiltins(ctx context.Context) error {
	addr, err := in.callU32(ctx, in.guest.ExportedFunction(exportBuiltins))
	if err != nil {
		return err
	}
	raw, err := in.codec.readRaw(ctx, addr)
	if err != nil {
		return err
	}

	decls := map[string]int32{}
	if err := json.Unmarshal(raw, &decls); err != nil {
		return errors.MalformedValue(errors.PhaseLoad, err, "parse builtins declaration")
	}
	return in.disp.bindTable(decls)
}

func (in *Instance) resolveEntrypoints(ctx context.Context) error {
	addr, err := in.callU32(ctx, in.guest.ExportedFunction(exportEntrypoints))
	if err != nil {
		return err
	}
	raw, err := in.codec.readRaw(ctx, addr)
	if err != nil {
		return err
	}

	eps := map[string]int32{}
	if err := json.Unmarshal(raw, &eps); err != nil {
		return errors.MalformedValue(errors.PhaseLoad, err, "parse entrypoints declaration")
	}
	in.entrypoints = eps
	return nil
}

// SetData replaces the data document. The guest heap is rewound to its
// post-instantiation state first, so the previous document and any
// evaluation residue are reclaimed.
func (in *Instance) SetData(ctx context.Context, data json.RawMessage) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state.Load() {
	case stateFaulted:
		return errors.SessionFaulted()
	case stateClosed:
		return errors.New(errors.PhaseEval, errors.KindSessionFaulted, "instance is closed")
	}

	// The heap is rewound before the new document is written, so a fatal
	// failure mid-replacement leaves the resident document and heap snapshot
	// inconsistent. The instance cannot keep serving from that state.
	if err := in.setData(ctx, data); err != nil {
		if errors.Fatal(err) {
			in.state.Store(stateFaulted)
			in.log.Warn("instance faulted",
				zap.String("instance", in.id),
				zap.Error(err))
		}
		return err
	}
	return nil
}

func (in *Instance) setData(ctx context.Context, data json.RawMessage) error {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	if !json.Valid(data) {
		return errors.InvalidInput(errors.PhaseEncode, "data document is not valid JSON")
	}

	if _, err := in.heapPtrSet.Call(ctx, uint64(in.baseHeapPtr)); err != nil {
		return errors.ExecutionFault(err, "opa_heap_ptr_set trapped")
	}
	addr, err := in.codec.writeRaw(ctx, data)
	if err != nil {
		return err
	}
	top, err := in.callU32(ctx, in.heapPtrGet)
	if err != nil {
		return err
	}

	in.dataAddr = addr
	in.evalHeapPtr = top
	return nil
}

// Entrypoints returns the policy's declared entrypoint names in sorted
// order.
func (in *Instance) Entrypoints() []string {
	names := make([]string, 0, len(in.entrypoints))
	for name := range in.entrypoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entrypointID resolves a name to its declared id. Declared names use slash
// separators; dotted references are accepted and translated.
func (in *Instance) entrypointID(name string) (int32, error) {
	if id, ok := in.entrypoints[name]; ok {
		return id, nil
	}
	if id, ok := in.entrypoints[strings.ReplaceAll(name, ".", "/")]; ok {
		return id, nil
	}
	return 0, errors.NotFound(errors.PhaseEval, "entrypoint", name)
}

// ABI returns the negotiated ABI version.
func (in *Instance) ABI() ABIVersion {
	return in.abi
}

// ID returns the instance's unique id.
func (in *Instance) ID() string {
	return in.id
}

// Faulted reports whether a fatal evaluation error has retired the instance.
func (in *Instance) Faulted() bool {
	return in.state.Load() == stateFaulted
}

// Close releases the instance's runtime and memory. The instance is unusable
// afterwards.
func (in *Instance) Close(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	return in.rt.Close(ctx)
}

// callU32 invokes a nullary-to-i32 or unary guest export and maps traps to
// execution faults.
func (in *Instance) callU32(ctx context.Context, fn api.Function, args ...uint64) (uint32, error) {
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, errors.ExecutionFault(err, fn.Definition().Name()+" trapped")
	}
	if len(res) == 0 {
		return 0, nil
	}
	return uint32(res[0]), nil
}
