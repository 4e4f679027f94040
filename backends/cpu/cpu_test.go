package cpu_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/backends/cpu"
	"github.com/gomlx/cudagraphs/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, numDevices int) *cpu.Backend {
	t.Helper()
	b := backends.NewWithConfig(fmt.Sprintf("cpu:%d", numDevices)).(*cpu.Backend)
	t.Cleanup(b.Finalize)
	return b
}

func TestRegistry(t *testing.T) {
	b := backends.New()
	defer b.Finalize()
	assert.Equal(t, cpu.BackendName, b.Name())
	assert.Equal(t, backends.DeviceNum(1), b.NumDevices())

	b2 := backends.NewWithConfig("cpu:3")
	defer b2.Finalize()
	assert.Equal(t, backends.DeviceNum(3), b2.NumDevices())
}

func TestBuffers(t *testing.T) {
	b := newTestBackend(t, 1)
	buf, err := cpu.FromFlat(b, backends.GPU(0), []float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	device, err := b.BufferDevice(buf)
	require.NoError(t, err)
	assert.True(t, device.IsGPU())
	shape, err := b.BufferShape(buf)
	require.NoError(t, err)
	assert.True(t, shape.Equal(shapes.Make(dtypes.Float32, 4)))

	// BufferItem only works for single-element buffers.
	_, err = b.BufferItem(buf)
	require.Error(t, err)
	scalar, err := cpu.FromScalar(b, backends.CPU(), int64(7))
	require.NoError(t, err)
	item, err := b.BufferItem(scalar)
	require.NoError(t, err)
	assert.Equal(t, int64(7), item)

	// BufferCopy is in place: the flat slice keeps its identity.
	dst, err := cpu.FromFlat(b, backends.GPU(0), []float32{0, 0, 0, 0}, 4)
	require.NoError(t, err)
	dstFlat := cpu.ConstFlatData[float32](dst)
	require.NoError(t, b.BufferCopy(dst, buf))
	assert.Equal(t, []float32{1, 2, 3, 4}, dstFlat)

	// Shape mismatches never partially copy.
	smaller, err := cpu.FromFlat(b, backends.GPU(0), []float32{0, 0, 0}, 3)
	require.NoError(t, err)
	require.Error(t, b.BufferCopy(smaller, buf))

	// Clones get fresh storage.
	clone, err := b.BufferClone(buf)
	require.NoError(t, err)
	require.NoError(t, b.BufferCopy(buf, dst)) // Overwrite the original.
	assert.Equal(t, []float32{1, 2, 3, 4}, cpu.ConstFlatData[float32](clone.(*cpu.Buffer)))

	require.NoError(t, b.BufferFinalize(clone))
	_, err = b.BufferShape(clone)
	require.Error(t, err)
}

func TestKernels(t *testing.T) {
	b := newTestBackend(t, 1)
	src, err := cpu.FromFlat(b, backends.GPU(0), []float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	dst, err := b.NewBuffer(backends.GPU(0), shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)

	require.NoError(t, b.Scale(dst, src, 2))
	require.NoError(t, b.AddScalar(dst, dst, 1))
	require.NoError(t, b.Synchronize())
	assert.Equal(t, []float32{3, 5, 7, 9}, cpu.ConstFlatData[float32](dst))

	other, err := cpu.FromFlat(b, backends.GPU(0), []float32{10, 20, 30}, 3)
	require.NoError(t, err)
	require.Error(t, b.AddTo(dst, dst, other), "shape mismatch must be rejected")
}

func TestStreamOrdering(t *testing.T) {
	b := newTestBackend(t, 1)
	buf, err := cpu.FromFlat(b, backends.GPU(0), []int64{0}, 1)
	require.NoError(t, err)
	// Many dependent increments on one stream must execute in submission order.
	for range 1000 {
		require.NoError(t, b.AddScalar(buf, buf, 1))
	}
	require.NoError(t, b.Synchronize())
	assert.Equal(t, []int64{1000}, cpu.ConstFlatData[int64](buf))
}

func TestCaptureAndReplay(t *testing.T) {
	b := newTestBackend(t, 1)
	streamAny, err := b.NewStream(0)
	require.NoError(t, err)
	stream := streamAny.(*cpu.Stream)
	poolAny, err := b.NewMemoryPool(0)
	require.NoError(t, err)
	pool := poolAny.(*cpu.Pool)

	input, err := cpu.FromFlat(b, backends.GPU(0), []float32{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	// Captures can only start on the current stream.
	require.Error(t, b.BeginCapture(stream, pool))

	previous, err := b.SetCurrentStream(stream)
	require.NoError(t, err)
	require.NoError(t, b.BeginCapture(stream, pool))

	// Work recorded during capture is not executed, and allocations are attributed to
	// the pool.
	output, err := b.NewBuffer(backends.GPU(0), shapes.Make(dtypes.Float32, 4))
	require.NoError(t, err)
	require.NoError(t, b.Scale(output, input, 2))

	graphAny, err := b.EndCapture(stream)
	require.NoError(t, err)
	graph := graphAny.(*cpu.Graph)
	assert.Equal(t, 1, graph.NumOps())
	buffers, bytes := pool.Stats()
	assert.Equal(t, 1, buffers)
	assert.Equal(t, uintptr(16), bytes)
	assert.Equal(t, []float32{0, 0, 0, 0}, cpu.ConstFlatData[float32](output),
		"recorded work must not execute during capture")

	// Replay executes against the captured buffers.
	require.NoError(t, b.GraphReplay(graph))
	assert.Equal(t, []float32{2, 4, 6, 8}, cpu.ConstFlatData[float32](output))

	// A second replay observes fresh input values: the closures reference the buffers,
	// not their contents at record time.
	fresh, err := cpu.FromFlat(b, backends.GPU(0), []float32{5, 6, 7, 8}, 4)
	require.NoError(t, err)
	require.NoError(t, b.BufferCopy(input, fresh))
	require.NoError(t, b.GraphReplay(graph))
	assert.Equal(t, []float32{10, 12, 14, 16}, cpu.ConstFlatData[float32](output))

	// Capture mode does not nest and EndCapture without a capture fails.
	_, err = b.EndCapture(stream)
	require.Error(t, err)
	_, err = b.SetCurrentStream(previous)
	require.NoError(t, err)
}

func TestMultiDevice(t *testing.T) {
	b := newTestBackend(t, 2)
	require.Equal(t, backends.DeviceNum(2), b.NumDevices())

	_, err := b.NewStream(5)
	require.Error(t, err)
	_, err = b.NewBuffer(backends.GPU(5), shapes.Make(dtypes.Float32, 2))
	require.Error(t, err)

	previous, err := b.SetCurrentDevice(1)
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(0), previous)
	assert.Equal(t, backends.DeviceNum(1), b.CurrentDeviceNum())

	// The current stream follows the device switch.
	stream, err := b.NewStream(backends.CurrentDevice)
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(1), stream.(*cpu.Stream).Device())
	_, err = b.SetCurrentDevice(0)
	require.NoError(t, err)
}
