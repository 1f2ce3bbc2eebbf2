package vm

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policyrun/opawasm/builtins"
	"github.com/policyrun/opawasm/engine"
	"github.com/policyrun/opawasm/errors"
	"github.com/policyrun/opawasm/internal/policytest"
)

func TestPoolParallelEval(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

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

	const size = 2
	guest := policytest.Build(t, policytest.Guest{Minor: 2, Builtins: `{"custom.add":0}`, CallBuiltin2: true})
	pool, err := NewPool(ctx, eng, guest, size, Options{Builtins: reg}, nil)
	require.NoError(t, err)
	defer pool.Close(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := pool.Eval(ctx, "test/allow", nil)
			assert.NoError(t, err)
			assert.JSONEq(t, `3`, string(result))
		}()
	}
	wg.Wait()

	// Instances are exclusive: concurrency never exceeds the pool size.
	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPoolReplacesFaultedInstance(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	metrics := NewMetrics(prometheus.NewRegistry())
	pool, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2, Trap: true}), 1, Options{}, metrics)
	require.NoError(t, err)
	defer pool.Close(ctx)

	// Every evaluation traps, but each one gets a live instance: the caller
	// sees the execution fault, never a stale faulted session.
	for i := 0; i < 3; i++ {
		_, err := pool.Eval(ctx, "test/allow", nil)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindExecutionFault))
		assert.False(t, errors.IsKind(err, errors.KindSessionFaulted))
	}
}

func TestPoolSetData(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	pool, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), 2, Options{}, nil)
	require.NoError(t, err)
	defer pool.Close(ctx)

	require.NoError(t, pool.SetData(ctx, json.RawMessage(`{"tenant":"acme"}`)))

	result, err := pool.Eval(ctx, "test/allow", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"result":true}]`, string(result))
}

func TestPoolEntrypoints(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	pool, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), 1, Options{}, nil)
	require.NoError(t, err)
	defer pool.Close(ctx)

	assert.Equal(t, []string{"test/allow"}, pool.Entrypoints())
}

func TestPoolSizeValidation(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	_, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), 0, Options{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	pool, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), 1, Options{}, nil)
	require.NoError(t, err)

	require.NoError(t, pool.Close(ctx))
	require.NoError(t, pool.Close(ctx))
}

func TestPoolEvalAfterClose(t *testing.T) {
	ctx := context.Background()
	eng := engine.New(nil)
	defer eng.Close(ctx)

	pool, err := NewPool(ctx, eng, policytest.Build(t, policytest.Guest{Minor: 2}), 1, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Close(ctx))

	// Fails fast even without a deadline on the context.
	_, err = pool.Eval(ctx, "test/allow", nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindSessionFaulted))
	assert.Contains(t, err.Error(), "pool is closed")
}
