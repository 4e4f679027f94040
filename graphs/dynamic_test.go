package graphs_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/backends/cpu"
	"github.com/gomlx/cudagraphs/graphs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDynamic(t *testing.T) {
	b := newTestBackend(t)
	var calls atomic.Int64
	wrapped := graphs.NewDynamic(b, doubler(b, &calls))

	// First call with a new shape captures; repeats replay the same graph.
	out, err := wrapped.Call([]any{gpuFlat(t, b, 0, 1, 2, 3, 4)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6, 8}, flatOf(t, out))
	assert.Equal(t, int64(4), calls.Load())
	assert.Equal(t, 1, wrapped.CacheSize())

	out, err = wrapped.Call([]any{gpuFlat(t, b, 0, 5, 6, 7, 8)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 12, 14, 16}, flatOf(t, out))
	assert.Equal(t, int64(4), calls.Load(), "same fingerprint must not capture again")
	assert.Equal(t, 1, wrapped.CacheSize())

	// A different shape captures a second graph; both coexist and replay correctly.
	out, err = wrapped.Call([]any{gpuFlat(t, b, 0, 1, 2, 3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, flatOf(t, out))
	assert.Equal(t, int64(8), calls.Load())
	assert.Equal(t, 2, wrapped.CacheSize())

	out, err = wrapped.Call([]any{gpuFlat(t, b, 0, 9, 10, 11, 12)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{18, 20, 22, 24}, flatOf(t, out))
	assert.Equal(t, int64(8), calls.Load())
}

func TestDynamicFuncIsDropIn(t *testing.T) {
	b := newTestBackend(t)
	var calls atomic.Int64
	original := doubler(b, &calls)
	wrapped := graphs.NewDynamic(b, original).Func()

	// Same signature, same results.
	direct, err := original([]any{gpuFlat(t, b, 0, 2, 3)}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Synchronize())
	replayed, err := wrapped([]any{gpuFlat(t, b, 0, 2, 3)}, nil)
	require.NoError(t, err)
	assert.Equal(t, flatOf(t, direct), flatOf(t, replayed))
}

func TestDynamicIndependentWrappers(t *testing.T) {
	b := newTestBackend(t)
	var calls atomic.Int64
	fn := doubler(b, &calls)
	wrapped1 := graphs.NewDynamic(b, fn)
	wrapped2 := graphs.NewDynamic(b, fn)

	_, err := wrapped1.Call([]any{gpuFlat(t, b, 0, 1, 2)}, nil)
	require.NoError(t, err)
	_, err = wrapped2.Call([]any{gpuFlat(t, b, 0, 1, 2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), calls.Load(), "wrappers never share cache state")
}

func TestDynamicMaxCache(t *testing.T) {
	b := newTestBackend(t)
	var calls atomic.Int64
	wrapped := graphs.NewDynamic(b, doubler(b, &calls)).SetMaxCache(1)

	_, err := wrapped.Call([]any{gpuFlat(t, b, 0, 1, 2)}, nil)
	require.NoError(t, err)
	_, err = wrapped.Call([]any{gpuFlat(t, b, 0, 1, 2, 3)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graphs.ErrUsage))

	// The cached shape keeps working.
	out, err := wrapped.Call([]any{gpuFlat(t, b, 0, 7, 8)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{14, 16}, flatOf(t, out))
}

func TestDynamicConcurrentFirstCalls(t *testing.T) {
	b := newTestBackend(t)
	var calls atomic.Int64
	wrapped := graphs.NewDynamic(b, doubler(b, &calls))

	// N goroutines hitting the same new shape at once: exactly one capture, N correct
	// results.
	const numGoroutines = 16
	var group errgroup.Group
	for ii := range numGoroutines {
		group.Go(func() error {
			base := float32(ii * 10)
			out, err := wrapped.Call([]any{gpuFlat(t, b, 0, base+1, base+2)}, nil)
			if err != nil {
				return err
			}
			got := flatOf(t, out)
			if got[0] != 2*(base+1) || got[1] != 2*(base+2) {
				return fmt.Errorf("goroutine %d: got %v", ii, got)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, int64(4), calls.Load(), "concurrent identical shapes must capture exactly once")
	assert.Equal(t, 1, wrapped.CacheSize())
}

func TestDynamicKwargsOrderInsensitive(t *testing.T) {
	b := newTestBackend(t)
	module := &scalerModule{b: b}
	factor, err := cpu.FromScalar(b, backends.CPU(), 2.0)
	require.NoError(t, err)

	var calls atomic.Int64
	fn := graphs.Func(func(args []any, kwargs map[string]any) (any, error) {
		calls.Add(1)
		return module.Call(args, kwargs)
	})
	wrapped := graphs.NewDynamic(b, fn)

	kwargs1 := map[string]any{"factor": factor, "note": "a"}
	kwargs2 := map[string]any{"note": "a", "factor": factor}
	_, err = wrapped.Call([]any{gpuFlat(t, b, 0, 1, 2)}, kwargs1)
	require.NoError(t, err)
	_, err = wrapped.Call([]any{gpuFlat(t, b, 0, 3, 4)}, kwargs2)
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped.CacheSize(), "kwargs insertion order must not force a recapture")
}
