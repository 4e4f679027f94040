package cpu

import (
	"sync"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/types/shapes"
	"github.com/pkg/errors"
)

// Pool is the cpu rendition of a capture-scoped allocator arena. Go's allocator already
// guarantees distinct buffers get distinct addresses, so the pool only does the
// accounting: how many buffers and bytes the captures sharing it have pinned.
type Pool struct {
	device backends.DeviceNum

	mu      sync.Mutex
	buffers int
	bytes   uintptr
}

// Device the pool belongs to.
func (p *Pool) Device() backends.DeviceNum { return p.device }

// Stats returns the number of buffers and total bytes attributed to the pool.
func (p *Pool) Stats() (buffers int, bytes uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers, p.bytes
}

func (p *Pool) attribute(shape shapes.Shape) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers++
	p.bytes += shape.Memory()
}

// NewMemoryPool creates a new allocation arena on the given device.
func (b *Backend) NewMemoryPool(device backends.DeviceNum) (backends.MemoryPool, error) {
	device, err := b.checkDevice(device)
	if err != nil {
		return nil, err
	}
	return &Pool{device: device}, nil
}

func (b *Backend) poolOf(pool backends.MemoryPool) (*Pool, error) {
	p, ok := pool.(*Pool)
	if !ok || p == nil {
		return nil, errors.Errorf("backend %q: memory pool %T is not a *cpu.Pool", BackendName, pool)
	}
	return p, nil
}
