package backends

// Graph is an opaque, replayable sequence of device instructions recorded by stream
// capture. Once EndCapture returns it, a Graph is immutable: the only operation on it is
// GraphReplay, which re-executes the recorded instructions against the same (fixed
// address) buffers they were recorded with.
type Graph any

// MemoryPool is an opaque, device-scoped allocator arena handle. All graphs captured on
// one device share one pool so their buffers coexist without address conflicts.
type MemoryPool any

// GraphInterface is the Backend's sub-interface for stream capture of instruction graphs.
type GraphInterface interface {
	// NewMemoryPool creates a new allocation arena on the given device, to be shared by
	// captures on that device. Pass CurrentDevice to use the current device.
	NewMemoryPool(device DeviceNum) (MemoryPool, error)

	// BeginCapture puts the stream into capture mode: work issued to it is recorded
	// instead of executed, and allocations made meanwhile are attributed to pool.
	// The stream must be the current stream.
	//
	// Captures do not nest; beginning a capture on a stream already capturing is an
	// error.
	BeginCapture(stream Stream, pool MemoryPool) error

	// EndCapture takes the stream out of capture mode and returns the recorded Graph.
	EndCapture(stream Stream) (Graph, error)

	// GraphReplay re-executes the recorded instructions on the current stream. It
	// returns after the replayed work has completed on that stream.
	GraphReplay(graph Graph) error
}
