package backends

import "github.com/gomlx/cudagraphs/types/shapes"

// Buffer represents actual data stored either in host memory or in the accelerator that
// executes graphs. Buffers are the leaves of the argument trees that get fingerprinted,
// copied into static storage at capture time and overwritten in place before each replay.
//
// It is opaque from the graphs package perspective; only the backend that created it can
// interpret it.
type Buffer any

// BufferInterface is the Backend's sub-interface to inspect and copy buffers.
//
// It is the complete buffer capability set the capture/replay machinery needs: placement,
// shape, in-place copy, single-element scalar extraction, and deep copy.
type BufferInterface interface {
	// IsBuffer reports whether value is a Buffer of this backend. It is how the
	// capture/replay machinery recognizes buffer leaves inside nested argument trees.
	IsBuffer(value any) bool

	// BufferDevice returns where the buffer resides.
	BufferDevice(buffer Buffer) (Device, error)

	// BufferShape returns the shape (dtype and dimensions) of the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferCopy copies the values of src into dst, in place: dst keeps its memory
	// address. The shapes of dst and src must be equal, a mismatch is an error -- never a
	// partial copy.
	//
	// Copies between host and device buffers are allowed, they imply a transfer.
	BufferCopy(dst, src Buffer) error

	// BufferItem returns the value held by a single-element buffer as a Go scalar
	// (e.g. float32, int64, bool). It fails for buffers with more than one element.
	BufferItem(buffer Buffer) (any, error)

	// BufferClone returns a deep copy of the buffer: same device, shape and contents, at
	// a fresh memory address. If the backend is currently capturing on the current
	// stream, the clone's storage is attributed to the capture's memory pool.
	BufferClone(buffer Buffer) (Buffer, error)

	// BufferFinalize allows the client to inform the backend that the buffer is no longer
	// needed and associated resources can be freed immediately -- as opposed to waiting
	// for a GC.
	//
	// A finalized buffer should never be used again. Preferably, the caller should set
	// its references to it to nil.
	BufferFinalize(buffer Buffer) error
}
