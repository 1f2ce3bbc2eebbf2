package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/policyrun/opawasm/builtins"
	"github.com/policyrun/opawasm/errors"
)

// hostFault carries a fatal host-side error out of a callback. wazero treats
// a panicking host function as a trapped call, so the wrapped error is also
// recorded on the dispatcher for the evaluation boundary to pick up.
type hostFault struct {
	err *errors.Error
}

// boundBuiltin pairs a policy-declared builtin id with its host
// implementation.
type boundBuiltin struct {
	name string
	fn   builtins.Func
}

// dispatcher implements the env host callbacks for one instance. It is built
// before any module exists and bound in two phases: the raw memory after the
// env module is instantiated, and the codec after the guest is. Builtin
// calls only happen during evaluation, after both bindings.
type dispatcher struct {
	log     *zap.Logger
	reg     *builtins.Registry
	onPrint func(string)

	rawMem api.Memory
	codec  *codec
	table  map[int32]boundBuiltin

	mu    sync.Mutex
	fault *errors.Error
}

func newDispatcher(log *zap.Logger, reg *builtins.Registry, onPrint func(string)) *dispatcher {
	return &dispatcher{
		log:     log,
		reg:     reg,
		onPrint: onPrint,
		table:   make(map[int32]boundBuiltin),
	}
}

// instantiateHost registers the callback module the synthesized env module
// re-exports from.
func (d *dispatcher) instantiateHost(ctx context.Context, r wazero.Runtime) error {
	i32 := api.ValueTypeI32
	b := r.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(d.abort), []api.ValueType{i32}, nil).
		Export(importAbort)
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(d.println), []api.ValueType{i32}, nil).
		Export(importPrintln)

	for arity := 0; arity <= maxBuiltinArgs; arity++ {
		params := make([]api.ValueType, 2+arity)
		for i := range params {
			params[i] = i32
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(d.builtinShim(arity), params, []api.ValueType{i32}).
			Export(builtinImportName(arity))
	}

	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Instantiation(err, "instantiate host callbacks")
	}
	return nil
}

func (d *dispatcher) bindMemory(mem api.Memory) { d.rawMem = mem }
func (d *dispatcher) bindCodec(c *codec)        { d.codec = c }

// bindTable resolves the policy's declared builtins against the registry.
// Every declared name must resolve; a missing implementation fails the load.
func (d *dispatcher) bindTable(decls map[string]int32) error {
	for name, id := range decls {
		fn, ok := d.reg.Lookup(name)
		if !ok {
			return errors.UnresolvedBuiltin(errors.PhaseLoad, name)
		}
		d.table[id] = boundBuiltin{name: name, fn: fn}
	}
	return nil
}

// recordFault notes a fatal error raised inside a host callback.
func (d *dispatcher) recordFault(err *errors.Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fault == nil {
		d.fault = err
	}
}

// takeFault returns and clears the recorded fault, if any.
func (d *dispatcher) takeFault() *errors.Error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.fault
	d.fault = nil
	return err
}

// cstring reads the null-terminated string a guest callback passed by
// address.
func (d *dispatcher) cstring(addr uint32) string {
	size := d.rawMem.Size()
	if addr >= size {
		return fmt.Sprintf("<bad string address 0x%x>", addr)
	}
	view, ok := d.rawMem.Read(addr, size-addr)
	if !ok {
		return fmt.Sprintf("<bad string address 0x%x>", addr)
	}
	for i, c := range view {
		if c == 0 {
			return string(view[:i])
		}
	}
	return string(view)
}

// abort implements env.opa_abort. The guest calls it on internal errors and
// never expects control back, so the shim records the fault and unwinds.
func (d *dispatcher) abort(_ context.Context, _ api.Module, stack []uint64) {
	msg := d.cstring(uint32(stack[0]))
	err := errors.ExecutionFault(nil, fmt.Sprintf("policy aborted: %s", msg))
	d.recordFault(err)
	panic(hostFault{err: err})
}

// println implements env.opa_println.
func (d *dispatcher) println(_ context.Context, _ api.Module, stack []uint64) {
	msg := d.cstring(uint32(stack[0]))
	if d.onPrint != nil {
		d.onPrint(msg)
		return
	}
	d.log.Info("policy print", zap.String("message", msg))
}

// builtinShim returns the env.opa_builtin<arity> implementation. The stack
// layout is (builtin_id, reserved_ctx, arg0..argN); the return value is a
// guest value address, 0 meaning the call is undefined.
func (d *dispatcher) builtinShim(arity int) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		id := int32(uint32(stack[0]))

		bound, ok := d.table[id]
		if !ok {
			err := errors.New(errors.PhaseDispatch, errors.KindUnresolvedBuiltin,
				"policy invoked unknown builtin id %d", id)
			d.recordFault(err)
			panic(hostFault{err: err})
		}

		args := make([]any, arity)
		for i := 0; i < arity; i++ {
			v, err := d.codec.readValue(ctx, uint32(stack[2+i]))
			if err != nil {
				fault := errors.MalformedValue(errors.PhaseDispatch, err,
					fmt.Sprintf("decode argument %d of builtin %q", i, bound.name))
				d.recordFault(fault)
				panic(hostFault{err: fault})
			}
			args[i] = v
		}

		result, err := bound.fn(builtins.Context{Context: ctx, Name: bound.name}, args)
		if err != nil {
			// Domain failure: the policy observes the call as undefined and
			// evaluation continues.
			d.log.Warn("builtin failed",
				zap.String("builtin", bound.name),
				zap.Error(err))
			stack[0] = 0
			return
		}

		addr, err := d.codec.writeValue(ctx, result)
		if err != nil {
			fault := errors.MalformedValue(errors.PhaseDispatch, err,
				fmt.Sprintf("encode result of builtin %q", bound.name))
			d.recordFault(fault)
			panic(hostFault{err: fault})
		}
		stack[0] = uint64(addr)
	}
}
