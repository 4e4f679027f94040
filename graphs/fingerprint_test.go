package graphs_test

import (
	"testing"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/backends/cpu"
	"github.com/gomlx/cudagraphs/graphs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *cpu.Backend {
	t.Helper()
	b := cpu.New("2").(*cpu.Backend)
	t.Cleanup(b.Finalize)
	return b
}

func gpuFlat(t *testing.T, b *cpu.Backend, device backends.DeviceNum, values ...float32) *cpu.Buffer {
	t.Helper()
	buf, err := cpu.FromFlat(b, backends.GPU(device), values, len(values))
	require.NoError(t, err)
	return buf
}

func fingerprint(t *testing.T, b *cpu.Backend, args []any, kwargs map[string]any) graphs.Fingerprint {
	t.Helper()
	key, err := graphs.FingerprintArgs(b, args, kwargs)
	require.NoError(t, err)
	return key
}

func TestFingerprintBuffers(t *testing.T) {
	b := newTestBackend(t)

	// Same device/dtype/shape, different values: identical keys.
	key1 := fingerprint(t, b, []any{gpuFlat(t, b, 0, 1, 2, 3)}, nil)
	key2 := fingerprint(t, b, []any{gpuFlat(t, b, 0, 4, 5, 6)}, nil)
	assert.Equal(t, key1, key2)

	// Different shape, device or dtype: different keys.
	assert.NotEqual(t, key1, fingerprint(t, b, []any{gpuFlat(t, b, 0, 1, 2)}, nil))
	assert.NotEqual(t, key1, fingerprint(t, b, []any{gpuFlat(t, b, 1, 1, 2, 3)}, nil))
	int32Buf, err := cpu.FromFlat(b, backends.GPU(0), []int32{1, 2, 3}, 3)
	require.NoError(t, err)
	assert.NotEqual(t, key1, fingerprint(t, b, []any{int32Buf}, nil))
}

func TestFingerprintHostScalars(t *testing.T) {
	b := newTestBackend(t)

	// Single-element host-resident buffers contribute their literal value.
	host3, err := cpu.FromScalar(b, backends.CPU(), int64(3))
	require.NoError(t, err)
	host4, err := cpu.FromScalar(b, backends.CPU(), int64(4))
	require.NoError(t, err)
	assert.NotEqual(t,
		fingerprint(t, b, []any{host3}, nil),
		fingerprint(t, b, []any{host4}, nil))

	// Single-element device-resident buffers do not.
	dev3 := gpuFlat(t, b, 0, 3)
	dev4 := gpuFlat(t, b, 0, 4)
	assert.Equal(t,
		fingerprint(t, b, []any{dev3}, nil),
		fingerprint(t, b, []any{dev4}, nil))
}

func TestFingerprintOrdering(t *testing.T) {
	b := newTestBackend(t)

	// Mapping keys inserted in different orders with identical contents fingerprint
	// identically.
	kwargs1 := map[string]any{}
	kwargs1["alpha"] = 1
	kwargs1["beta"] = 2
	kwargs2 := map[string]any{}
	kwargs2["beta"] = 2
	kwargs2["alpha"] = 1
	assert.Equal(t,
		fingerprint(t, b, nil, kwargs1),
		fingerprint(t, b, nil, kwargs2))

	// Sequences with reordered elements fingerprint differently.
	assert.NotEqual(t,
		fingerprint(t, b, []any{[]any{1, 2}}, nil),
		fingerprint(t, b, []any{[]any{2, 1}}, nil))
}

func TestFingerprintScalarsAndWildcards(t *testing.T) {
	b := newTestBackend(t)

	assert.NotEqual(t,
		fingerprint(t, b, []any{1, "x"}, nil),
		fingerprint(t, b, []any{2, "x"}, nil))
	assert.NotEqual(t,
		fingerprint(t, b, []any{"ab"}, nil),
		fingerprint(t, b, []any{[]byte("ab")}, nil),
		"a string and a byte string with equal contents are different keys")
	// Same value, different static type.
	assert.NotEqual(t,
		fingerprint(t, b, []any{int32(1)}, nil),
		fingerprint(t, b, []any{int64(1)}, nil))

	// Unfingerprinted types collapse to a wildcard: they never distinguish calls.
	type opaque struct{ x int }
	assert.Equal(t,
		fingerprint(t, b, []any{opaque{1}}, nil),
		fingerprint(t, b, []any{opaque{2}}, nil))
}
