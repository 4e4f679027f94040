package cpu

import (
	"reflect"

	"github.com/gomlx/cudagraphs/backends"
	"github.com/gomlx/cudagraphs/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.BufferInterface = (*Backend)(nil)

// Buffer holds a shape, a placement and the flat data.
//
// The flat slice is the buffer's "address": in-place copies (BufferCopy) write into the
// same slice, so closures recorded during capture that hold a reference to the buffer
// observe fresh values on every replay.
type Buffer struct {
	backend *Backend
	shape   shapes.Shape
	device  backends.Device

	// flat is always a slice of the underlying data type (shape.DType).
	flat  any
	valid bool
}

// Shape of the buffer.
func (buf *Buffer) Shape() shapes.Shape { return buf.shape }

// Device placement of the buffer.
func (buf *Buffer) Device() backends.Device { return buf.device }

// Flat returns the underlying flat data slice. The slice remains owned by the buffer.
func (buf *Buffer) Flat() any { return buf.flat }

// NewBuffer creates an uninitialized (zero valued) buffer with the given placement and
// shape. If the current stream is capturing, the allocation is attributed to the
// capture's memory pool.
func (b *Backend) NewBuffer(device backends.Device, shape shapes.Shape) (*Buffer, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("backend %q: cannot create a buffer with an invalid shape", BackendName)
	}
	if device.IsGPU() {
		if _, err := b.checkDevice(device.Num); err != nil {
			return nil, err
		}
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	buf := &Buffer{backend: b, shape: shape.Clone(), device: device, flat: flat, valid: true}
	if recording := b.currentStream().recordingGraph(); recording != nil {
		recording.pool.attribute(shape)
	}
	return buf, nil
}

// FromFlat creates a buffer with the given placement and dimensions, copying the values
// from the given flat slice. The dtype is inferred from the slice element type.
func FromFlat[T dtypes.Supported](b *Backend, device backends.Device, flat []T, dimensions ...int) (*Buffer, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("backend %q: flat slice has %d elements, shape %s requires %d",
			BackendName, len(flat), shape, shape.Size())
	}
	buf, err := b.NewBuffer(device, shape)
	if err != nil {
		return nil, err
	}
	copy(buf.flat.([]T), flat)
	return buf, nil
}

// FromScalar creates a single-element buffer of rank 1 holding the given value.
func FromScalar[T dtypes.Supported](b *Backend, device backends.Device, value T) (*Buffer, error) {
	return FromFlat(b, device, []T{value}, 1)
}

// ConstFlatData gives read access to the buffer's flat data as a []T.
// It panics if T doesn't match the buffer's dtype.
func ConstFlatData[T dtypes.Supported](buf *Buffer) []T {
	return buf.flat.([]T)
}

// IsBuffer reports whether value is a live *cpu.Buffer of this backend.
func (b *Backend) IsBuffer(value any) bool {
	buf, ok := value.(*Buffer)
	return ok && buf != nil && buf.backend == b && buf.valid
}

// BufferDevice returns where the buffer resides.
func (b *Backend) BufferDevice(buffer backends.Buffer) (backends.Device, error) {
	buf, err := b.bufferOf(buffer)
	if err != nil {
		return backends.Device{}, err
	}
	return buf.device, nil
}

// BufferShape returns the shape of the buffer.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.bufferOf(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferCopy copies the values of src into dst in place: dst keeps its flat slice, only
// the contents change. Shape mismatches are an error, never a partial copy.
func (b *Backend) BufferCopy(dst, src backends.Buffer) error {
	dstBuf, err := b.bufferOf(dst)
	if err != nil {
		return err
	}
	srcBuf, err := b.bufferOf(src)
	if err != nil {
		return err
	}
	if !dstBuf.shape.Equal(srcBuf.shape) {
		return errors.Errorf("backend %q: cannot copy buffer shaped %s into buffer shaped %s",
			BackendName, srcBuf.shape, dstBuf.shape)
	}
	reflect.Copy(reflect.ValueOf(dstBuf.flat), reflect.ValueOf(srcBuf.flat))
	return nil
}

// BufferItem returns the value held by a single-element buffer as a Go scalar.
func (b *Backend) BufferItem(buffer backends.Buffer) (any, error) {
	buf, err := b.bufferOf(buffer)
	if err != nil {
		return nil, err
	}
	if buf.shape.Size() != 1 {
		return nil, errors.Errorf("backend %q: BufferItem on buffer shaped %s, works only for single-element buffers",
			BackendName, buf.shape)
	}
	return reflect.ValueOf(buf.flat).Index(0).Interface(), nil
}

// BufferClone returns a deep copy of the buffer at a fresh address.
func (b *Backend) BufferClone(buffer backends.Buffer) (backends.Buffer, error) {
	buf, err := b.bufferOf(buffer)
	if err != nil {
		return nil, err
	}
	clone, err := b.NewBuffer(buf.device, buf.shape)
	if err != nil {
		return nil, err
	}
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(buf.flat))
	return clone, nil
}

// BufferFinalize marks the buffer invalid and drops its data reference.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.bufferOf(buffer)
	if err != nil {
		return err
	}
	buf.valid = false
	buf.flat = nil
	return nil
}

func (b *Backend) bufferOf(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("backend %q: buffer %T is not a *cpu.Buffer", BackendName, buffer)
	}
	if buf.backend != b {
		return nil, errors.Errorf("backend %q: buffer belongs to a different backend instance", BackendName)
	}
	if !buf.valid {
		return nil, errors.Errorf("backend %q: buffer shaped %s was already finalized", BackendName, buf.shape)
	}
	return buf, nil
}
