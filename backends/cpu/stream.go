package cpu

import (
	"sync"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/pkg/errors"
)

// Stream is an ordered work queue drained by a dedicated worker goroutine.
//
// While the stream is capturing, submitted tasks are recorded into the capture's graph
// instead of being handed to the worker -- mirroring how GPU stream capture records
// kernels without executing them.
type Stream struct {
	backend *Backend
	device  backends.DeviceNum

	tasks   chan func()
	pending sync.WaitGroup
	done    chan struct{}

	// recording is non-nil while the stream is capturing. Guarded by the backend mutex:
	// captures are serialized by the callers' per-device lock, and Submit only reads it.
	recording *Graph
}

func (b *Backend) newStream(device backends.DeviceNum) *Stream {
	s := &Stream{
		backend: b,
		device:  device,
		tasks:   make(chan func(), 16),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for task := range s.tasks {
		task()
		s.pending.Done()
	}
	close(s.done)
}

func (s *Stream) stop() {
	s.pending.Wait()
	close(s.tasks)
	<-s.done
}

// Submit enqueues the task on the stream, or records it if the stream is capturing.
// Tasks execute in submission order.
func (s *Stream) Submit(task func()) {
	s.backend.mu.Lock()
	recording := s.recording
	s.backend.mu.Unlock()
	if recording != nil {
		recording.record(task)
		return
	}
	s.pending.Add(1)
	s.tasks <- task
}

// Wait blocks until every task submitted so far has executed.
func (s *Stream) Wait() {
	s.pending.Wait()
}

// Device returns the device the stream belongs to.
func (s *Stream) Device() backends.DeviceNum { return s.device }

// NewStream creates a new stream on the given device, distinct from the default stream.
func (b *Backend) NewStream(device backends.DeviceNum) (backends.Stream, error) {
	device, err := b.checkDevice(device)
	if err != nil {
		return nil, err
	}
	s := b.newStream(device)
	b.mu.Lock()
	b.extraStreams = append(b.extraStreams, s)
	b.mu.Unlock()
	return s, nil
}

// SetCurrentStream makes the stream current for subsequently issued work and returns the
// previously current one.
func (b *Backend) SetCurrentStream(stream backends.Stream) (backends.Stream, error) {
	s, err := b.streamOf(stream)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := b.current
	b.current = s
	return previous, nil
}

// SetCurrentDevice makes device the current device and returns the previously current
// one. The current stream is reset to the device's default stream if it belonged to
// another device.
func (b *Backend) SetCurrentDevice(device backends.DeviceNum) (backends.DeviceNum, error) {
	device, err := b.checkDevice(device)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := b.currentDevice
	b.currentDevice = device
	if b.current.device != device {
		b.current = b.defaultStreams[device]
	}
	return previous, nil
}

// CurrentDeviceNum returns the current device.
func (b *Backend) CurrentDeviceNum() backends.DeviceNum {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentDevice
}

// currentStream returns the stream work is currently issued to.
func (b *Backend) currentStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Synchronize blocks until all work issued to all streams of all devices has completed.
func (b *Backend) Synchronize() error {
	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.defaultStreams)+len(b.extraStreams))
	streams = append(streams, b.defaultStreams...)
	streams = append(streams, b.extraStreams...)
	b.mu.Unlock()
	for _, s := range streams {
		s.Wait()
	}
	return nil
}

// StreamSynchronize blocks until all work issued to the given stream has completed.
func (b *Backend) StreamSynchronize(stream backends.Stream) error {
	s, err := b.streamOf(stream)
	if err != nil {
		return err
	}
	s.Wait()
	return nil
}

func (b *Backend) streamOf(stream backends.Stream) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil {
		return nil, errors.Errorf("backend %q: stream %T is not a *cpu.Stream", BackendName, stream)
	}
	if s.backend != b {
		return nil, errors.Errorf("backend %q: stream belongs to a different backend instance", BackendName)
	}
	return s, nil
}

func errInvalidDevice(device, numDevices backends.DeviceNum) error {
	return errors.Errorf("backend %q: invalid device #%d, have %d device(s)", BackendName, device, numDevices)
}
