// Package cpu implements a pure Go backend: buffers are Go slices, streams are worker
// goroutines draining FIFO queues, and stream capture records the issued work as
// closures that can be replayed against the same buffers.
//
// It is not fast, but it is very portable and it faithfully reproduces the driver
// semantics the graphs package relies on -- fixed-address static buffers, record-without
// -executing capture, pool-attributed allocations -- so it doubles as the reference
// backend for tests and benchmarks on machines without an accelerator.
//
// The backend can simulate more than one device: the configuration string is the number
// of devices (default 1), e.g. backends.NewWithConfig("cpu:2").
package cpu

import (
	"strconv"
	"sync"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/exceptions"
)

// BackendName to be used in CUDAGRAPHS_BACKEND to specify this backend.
const BackendName = "cpu"

// Registers New() as the constructor for the "cpu" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new cpu Backend. The configuration string, if not empty, is the
// number of simulated devices.
func New(config string) backends.Backend {
	numDevices := 1
	if config != "" {
		var err error
		numDevices, err = strconv.Atoi(config)
		if err != nil || numDevices < 1 {
			exceptions.Panicf("backend %q: invalid configuration %q, wanted a positive number of devices", BackendName, config)
		}
	}
	return newBackend(numDevices)
}

func newBackend(numDevices int) *Backend {
	b := &Backend{
		defaultStreams: make([]*Stream, numDevices),
	}
	for device := range b.defaultStreams {
		b.defaultStreams[device] = b.newStream(backends.DeviceNum(device))
	}
	b.current = b.defaultStreams[0]
	return b
}

// Backend implements the backends.Backend interface.
type Backend struct {
	// mu guards the current stream/device and the list of live streams.
	mu sync.Mutex

	defaultStreams []*Stream
	extraStreams   []*Stream

	current       *Stream
	currentDevice backends.DeviceNum

	finalized bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Pure Go backend with simulated streams and stream capture"
}

// NumDevices returns the number of (simulated) devices available.
func (b *Backend) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(len(b.defaultStreams))
}

// Finalize stops all stream workers and makes the backend invalid.
func (b *Backend) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	b.finalized = true
	for _, s := range b.defaultStreams {
		s.stop()
	}
	for _, s := range b.extraStreams {
		s.stop()
	}
}

// checkDevice resolves backends.CurrentDevice and validates the device ordinal.
func (b *Backend) checkDevice(device backends.DeviceNum) (backends.DeviceNum, error) {
	if device == backends.CurrentDevice {
		b.mu.Lock()
		device = b.currentDevice
		b.mu.Unlock()
	}
	if device < 0 || device >= b.NumDevices() {
		return 0, errInvalidDevice(device, b.NumDevices())
	}
	return device, nil
}
