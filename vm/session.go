package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/policyrun/opawasm/errors"
)

// Eval runs one entrypoint against the current data document and the given
// input, returning the raw result set JSON. Input may be nil. Concurrent
// calls serialize; a fatal error faults the instance and every later call
// fails fast with a session-faulted error.
func (in *Instance) Eval(ctx context.Context, entrypoint string, input json.RawMessage) (json.RawMessage, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state.Load() {
	case stateFaulted:
		return nil, errors.SessionFaulted()
	case stateClosed:
		return nil, errors.New(errors.PhaseEval, errors.KindSessionFaulted, "instance is closed")
	}

	epID, err := in.entrypointID(entrypoint)
	if err != nil {
		return nil, err
	}
	if input != nil && !json.Valid(input) {
		return nil, errors.InvalidInput(errors.PhaseEncode, "input document is not valid JSON")
	}

	if timeout := in.eng.Config().EvalTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	in.state.Store(stateEvaluating)
	result, err := in.eval(ctx, epID, input)
	if err != nil {
		err = in.resolveEvalError(ctx, err)
		if errors.Fatal(err) {
			in.state.Store(stateFaulted)
			in.log.Warn("instance faulted",
				zap.String("instance", in.id),
				zap.Error(err))
		} else {
			in.state.Store(stateReady)
		}
		return nil, err
	}

	in.state.Store(stateReady)
	return result, nil
}

func (in *Instance) eval(ctx context.Context, epID int32, input json.RawMessage) (json.RawMessage, error) {
	// Rewind the heap to just above the data document; everything the
	// previous evaluation allocated becomes free space.
	if _, err := in.heapPtrSet.Call(ctx, uint64(in.evalHeapPtr)); err != nil {
		return nil, errors.ExecutionFault(err, "opa_heap_ptr_set trapped")
	}

	if in.fastEvalFn != nil {
		return in.evalFast(ctx, epID, input)
	}
	return in.evalCtxPath(ctx, epID, input)
}

// evalFast uses the one-shot opa_eval entry point (ABI 1.2+): the input is
// written as raw JSON text and parsing, evaluation, and result serialization
// happen in a single guest call.
func (in *Instance) evalFast(ctx context.Context, epID int32, input json.RawMessage) (json.RawMessage, error) {
	var inputBlk Block
	if input != nil {
		blk, err := in.mem.Write(ctx, input)
		if err != nil {
			return nil, err
		}
		inputBlk = blk
	}

	heapPtr, err := in.callU32(ctx, in.heapPtrGet)
	if err != nil {
		return nil, err
	}

	const jsonFormat = 0
	res, err := in.fastEvalFn.Call(ctx,
		0, // reserved
		uint64(uint32(epID)),
		uint64(in.dataAddr),
		uint64(inputBlk.Addr),
		uint64(inputBlk.Len),
		uint64(heapPtr),
		jsonFormat)
	if err != nil {
		return nil, errors.ExecutionFault(err, "opa_eval trapped")
	}

	out, err := in.mem.ReadString(uint32(res[0]))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// evalCtxPath drives the multi-call evaluation protocol used below ABI 1.2.
func (in *Instance) evalCtxPath(ctx context.Context, epID int32, input json.RawMessage) (json.RawMessage, error) {
	var inputAddr uint32
	if input != nil {
		addr, err := in.codec.writeRaw(ctx, input)
		if err != nil {
			return nil, err
		}
		inputAddr = addr
	}

	ectx, err := in.callU32(ctx, in.evalCtxNew)
	if err != nil {
		return nil, err
	}
	if input != nil {
		if _, err := in.evalCtxInput.Call(ctx, uint64(ectx), uint64(inputAddr)); err != nil {
			return nil, errors.ExecutionFault(err, "opa_eval_ctx_set_input trapped")
		}
	}
	if _, err := in.evalCtxData.Call(ctx, uint64(ectx), uint64(in.dataAddr)); err != nil {
		return nil, errors.ExecutionFault(err, "opa_eval_ctx_set_data trapped")
	}
	if _, err := in.evalCtxEntry.Call(ctx, uint64(ectx), uint64(uint32(epID))); err != nil {
		return nil, errors.ExecutionFault(err, "opa_eval_ctx_set_entrypoint trapped")
	}

	rc, err := in.callU32(ctx, in.evalFn, uint64(ectx))
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, errors.ExecutionFault(nil, fmt.Sprintf("eval returned code %d", rc))
	}

	resAddr, err := in.callU32(ctx, in.evalCtxRes, uint64(ectx))
	if err != nil {
		return nil, err
	}
	raw, err := in.codec.readRaw(ctx, resAddr)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// resolveEvalError prefers a fault recorded by a host callback over the
// generic trap wazero reports for it, and surfaces ceiling expiry as an
// execution fault.
func (in *Instance) resolveEvalError(ctx context.Context, err error) error {
	if fault := in.disp.takeFault(); fault != nil {
		return fault
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.ExecutionFault(ctxErr, "evaluation exceeded the execution ceiling")
	}
	return err
}
