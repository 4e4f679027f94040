package backends

// Stream is an ordered queue of device work. Operations issued while a stream is current
// execute (or get recorded, during capture) in issue order.
//
// It is opaque from the graphs package perspective.
type Stream any

// StreamInterface is the Backend's sub-interface for streams, current-device selection
// and device synchronization.
//
// There is a notion of a "current" stream and a "current" device, mirroring how GPU
// drivers work: kernels and buffer operations issued by a computation engine implicitly
// target them. The Set* operations return the previous value so callers can restore it,
// typically with defer.
type StreamInterface interface {
	// NewStream creates a new stream on the given device, distinct from the default
	// stream. Pass CurrentDevice to use the current device.
	NewStream(device DeviceNum) (Stream, error)

	// SetCurrentStream makes the stream current for subsequently issued work and returns
	// the previously current one.
	SetCurrentStream(stream Stream) (previous Stream, err error)

	// SetCurrentDevice makes device the current device and returns the previously
	// current one.
	SetCurrentDevice(device DeviceNum) (previous DeviceNum, err error)

	// CurrentDeviceNum returns the current device.
	CurrentDeviceNum() DeviceNum

	// Synchronize blocks until all work issued to all streams of all devices has
	// completed.
	Synchronize() error

	// StreamSynchronize blocks until all work issued to the given stream has completed.
	StreamSynchronize(stream Stream) error
}
