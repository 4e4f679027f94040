package graphs

import (
	"testing"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/backends/cpu"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *cpu.Backend {
	t.Helper()
	b := cpu.New("2").(*cpu.Backend)
	t.Cleanup(b.Finalize)
	return b
}

func gpuBuffer(t *testing.T, b *cpu.Backend, values ...float32) *cpu.Buffer {
	t.Helper()
	buf, err := cpu.FromFlat(b, backends.GPU(0), values, len(values))
	require.NoError(t, err)
	return buf
}

func TestDeviceFromTree(t *testing.T) {
	b := newTestBackend(t)
	gpu := gpuBuffer(t, b, 1, 2)
	host, err := cpu.FromScalar(b, backends.CPU(), float32(1))
	require.NoError(t, err)
	gpu1, err := cpu.FromFlat(b, backends.GPU(1), []float32{1}, 1)
	require.NoError(t, err)

	_, found := deviceFromTree(b, []any{1, "x", host})
	assert.False(t, found, "host buffers and scalars don't resolve a device")

	device, found := deviceFromTree(b, []any{1, map[string]any{"x": gpu}})
	require.True(t, found)
	assert.Equal(t, backends.DeviceNum(0), device)

	device, found = deviceFromTree(b, []any{gpu1})
	require.True(t, found)
	assert.Equal(t, backends.DeviceNum(1), device)
}

func TestTreeCopy(t *testing.T) {
	b := newTestBackend(t)
	dst := []any{
		gpuBuffer(t, b, 0, 0, 0),
		map[string]any{"scale": 2.0, "bias": gpuBuffer(t, b, 0)},
	}
	src := []any{
		gpuBuffer(t, b, 1, 2, 3),
		map[string]any{"scale": 2.0, "bias": gpuBuffer(t, b, 7)},
	}
	require.NoError(t, treeCopy(b, any(dst), any(src)))
	assert.Equal(t, []float32{1, 2, 3}, cpu.ConstFlatData[float32](dst[0].(*cpu.Buffer)))
	assert.Equal(t, []float32{7}, cpu.ConstFlatData[float32](dst[1].(map[string]any)["bias"].(*cpu.Buffer)))

	// Shorter sequences are a contract violation, not a truncation.
	err := treeCopy(b, any(dst), any(src[:1]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	// Shape mismatches on buffer leaves.
	err = treeCopy(b, any(dst), any([]any{gpuBuffer(t, b, 1, 2), src[1]}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	// Missing mapping keys.
	err = treeCopy(b, any(dst), any([]any{src[0], map[string]any{"scale": 2.0}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))

	// Non-buffer values are baked in: a different value must fail, not substitute.
	err = treeCopy(b, any(dst), any([]any{src[0], map[string]any{"scale": 3.0, "bias": src[1].(map[string]any)["bias"]}}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUsage))
}

func TestDeepCopyTree(t *testing.T) {
	b := newTestBackend(t)
	buf := gpuBuffer(t, b, 1, 2, 3)
	tree := []any{buf, map[string]any{"k": buf, "n": 7}}
	cloneAny, err := deepCopyTree(b, any(tree))
	require.NoError(t, err)
	clone := cloneAny.([]any)

	// Mutating the original buffer must not show through the copy.
	require.NoError(t, b.BufferCopy(buf, gpuBuffer(t, b, 9, 9, 9)))
	assert.Equal(t, []float32{1, 2, 3}, cpu.ConstFlatData[float32](clone[0].(*cpu.Buffer)))
	assert.Equal(t, 7, clone[1].(map[string]any)["n"])
}

func TestCallableHelpers(t *testing.T) {
	fn := func(args []any, kwargs map[string]any) (any, error) { return len(args), nil }
	require.True(t, validCallable(fn))
	require.True(t, validCallable(Func(fn)))
	require.False(t, validCallable(42))
	out, err := call(fn, []any{1, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
	assert.False(t, trainingOf(fn))
	assert.Contains(t, callableName(fn), "TestCallableHelpers")
}
