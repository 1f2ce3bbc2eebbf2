package vm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyrun/opawasm/builtins"
	"github.com/policyrun/opawasm/engine"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/internal/policytest"
)

func loadFixture(t *testing.T, g policytest.Guest, opts Options) *Instance {
	t.Helper()
	ctx := context.Background()

	eng := engine.New(nil)
	t.Cleanup(func() { _ = eng.Close(ctx) })

	inst, err := Load(ctx, eng, policytest.Build(t, g), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(ctx) })
	return inst
}

func TestEvalFastPath(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{})

	assert.Equal(t, ABIVersion{Major: 1, Minor: 2}, inst.ABI())
	assert.True(t, inst.ABI().HasFastEval())
	assert.Equal(t, []string{"test/allow"}, inst.Entrypoints())

	result, err := inst.Eval(context.Background(), "test/allow", json.RawMessage(`{"user":"alice"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestEvalDottedEntrypoint(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{})

	result, err := inst.Eval(context.Background(), "test.allow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestEvalContextPath(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 1}, Options{})

	assert.False(t, inst.ABI().HasFastEval())

	result, err := inst.Eval(context.Background(), "test/allow", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestBuiltinDispatch(t *testing.T) {
	reg := builtins.NewRegistry()
	require.NoError(t, reg.Register("custom.add", builtins.WithArity(2, func(bctx builtins.Context, args []any) (any, error) {
		a, err := args[0].(json.Number).Int64()
		require.NoError(t, err)
		b, err := args[1].(json.Number).Int64()
		require.NoError(t, err)
		return a + b, nil
	})))

	inst := loadFixture(t, policytest.Guest{
		Minor:        2,
		Builtins:     `{"custom.add":0}`,
		CallBuiltin2: true,
	}, Options{Builtins: reg})

	result, err := inst.Eval(context.Background(), "test/allow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `3`, string(result))
}

func TestBuiltinErrorIsUndefined(t *testing.T) {
	reg := builtins.NewRegistry()
	require.NoError(t, reg.Register("custom.add", func(bctx builtins.Context, args []any) (any, error) {
		return nil, errors.Builtin(bctx.Name, nil)
	}))

	inst := loadFixture(t, policytest.Guest{
		Minor:        2,
		Builtins:     `{"custom.add":0}`,
		CallBuiltin2: true,
	}, Options{Builtins: reg})

	// The shim reports address 0 to the policy; here the fixture forwards it
	// directly, so the result set reads back empty.
	result, err := inst.Eval(context.Background(), "test/allow", nil)
	require.NoError(t, err)
	assert.Empty(t, string(result))
	assert.False(t, inst.Faulted())
}

func TestUnresolvedBuiltinFailsLoad(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2, Builtins: `{"custom.add":0}`}), Options{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnresolvedBuiltin))
	assert.Contains(t, err.Error(), "custom.add")
}

func TestCorruptModuleFailsLoad(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := Load(ctx, eng, []byte("not a wasm module"), Options{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInstantiation))
}

func TestMissingExportFailsLoad(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	// Structurally valid module without the policy export surface.
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	_, err := Load(ctx, eng, empty, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInstantiation))
	assert.Contains(t, err.Error(), "opa_malloc")
}

func TestABIMajorMismatch(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Major: 2, Minor: 0}), Options{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedABI))
}

func TestMinABIMinorEnforced(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 1}), Options{MinABIMinor: 2})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnsupportedABI))
}

func TestTrapFaultsInstance(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2, Trap: true}, Options{})
	ctx := context.Background()

	_, err := inst.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindExecutionFault))
	assert.True(t, inst.Faulted())

	_, err = inst.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSessionFaulted))

	err = inst.SetData(ctx, json.RawMessage(`{}`))
	assert.True(t, errors.IsKind(err, errors.KindSessionFaulted))
}

func TestSetDataFatalFaultsInstance(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(&engine.Config{MemoryLimitPages: 2})
	defer eng.Close(ctx)

	inst, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), Options{})
	require.NoError(t, err)
	defer inst.Close(ctx)

	// A document far larger than the two available pages: the heap was
	// already rewound when the write blows up, so the old document is gone.
	big, err := json.Marshal(map[string]string{"blob": strings.Repeat("x", 200_000)})
	require.NoError(t, err)

	err = inst.SetData(ctx, big)
	require.Error(t, err)
	assert.True(t, errors.Fatal(err))
	assert.True(t, inst.Faulted())

	_, err = inst.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSessionFaulted))
}

func TestEvalSerializesOnOneInstance(t *testing.T) {
	var inFlight, peak atomic.Int32
	reg := builtins.NewRegistry()
	require.NoError(t, reg.Register("custom.add", func(bctx builtins.Context, args []any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return int64(3), nil
	}))

	inst := loadFixture(t, policytest.Guest{
		Minor:        2,
		Builtins:     `{"custom.add":0}`,
		CallBuiltin2: true,
	}, Options{Builtins: reg})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := inst.Eval(context.Background(), "test/allow", nil)
			assert.NoError(t, err)
			assert.JSONEq(t, `3`, string(result))
		}()
	}
	wg.Wait()

	// A single instance admits one evaluation at a time.
	assert.Equal(t, int32(1), peak.Load())
}

func TestEvalCeilingFaultsInstance(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(&engine.Config{EvalTimeout: 150 * time.Millisecond})
	defer eng.Close(ctx)

	inst, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2, Hang: true}), Options{})
	require.NoError(t, err)
	defer inst.Close(ctx)

	start := time.Now()
	_, err = inst.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.IsKind(err, errors.KindExecutionFault))
	assert.True(t, inst.Faulted())
}

func TestAbortCarriesMessage(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2, AbortMsg: "boom: invalid state"}, Options{})

	_, err := inst.Eval(context.Background(), "test/allow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindExecutionFault))
	assert.Contains(t, err.Error(), "boom: invalid state")
	assert.True(t, inst.Faulted())
}

func TestUnknownEntrypoint(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{})

	_, err := inst.Eval(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
	assert.False(t, inst.Faulted())
}

func TestInvalidInputRejected(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{})
	ctx := context.Background()

	_, err := inst.Eval(ctx, "test/allow", json.RawMessage(`{bad`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))

	// Not fatal: the instance keeps serving.
	result, err := inst.Eval(ctx, "test/allow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestSetDataThenEval(t *testing.T) {
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{Data: json.RawMessage(`{"roles":["admin"]}`)})
	ctx := context.Background()

	require.NoError(t, inst.SetData(ctx, json.RawMessage(`{"roles":["viewer"]}`)))

	result, err := inst.Eval(ctx, "test/allow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestInvalidDataRejected(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), Options{Data: json.RawMessage(`{bad`)})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestPrintlnCallback(t *testing.T) {
	// The fixture never prints, but the option must not interfere with a
	// normal evaluation.
	var lines []string
	inst := loadFixture(t, policytest.Guest{Minor: 2}, Options{OnPrintln: func(s string) { lines = append(lines, s) }})

	_, err := inst.Eval(context.Background(), "test/allow", nil)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	inst, err := Load(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), Options{})
	require.NoError(t, err)

	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))

	_, err = inst.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
}
