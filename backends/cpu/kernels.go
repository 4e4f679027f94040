package cpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// This file is the stand-in for the external computation engine: a tiny kernel-launch
// surface issuing element-wise work onto the current stream. It is what tests, examples
// and the benchmark command use as "the computation" being captured and replayed.
//
// Kernels read their operands' flat data when they execute (or replay), not when they
// are issued, so replays observe whatever was last copied into the buffers.

// Launch enqueues fn on the current stream -- or records it, if the current stream is
// capturing. It returns immediately; use Synchronize (or StreamSynchronize) to wait.
func (b *Backend) Launch(fn func()) {
	b.currentStream().Submit(fn)
}

// Scale issues dst[i] = src[i] * factor on the current stream. dst and src must have
// equal shapes; dst may be src for an in-place scale.
func (b *Backend) Scale(dst, src *Buffer, factor float64) error {
	if err := b.checkOperands(dst, src); err != nil {
		return errors.WithMessage(err, "Scale")
	}
	b.Launch(func() {
		unaryOp(dst, src, func(v float64) float64 { return v * factor })
	})
	return nil
}

// AddScalar issues dst[i] = src[i] + addend on the current stream.
func (b *Backend) AddScalar(dst, src *Buffer, addend float64) error {
	if err := b.checkOperands(dst, src); err != nil {
		return errors.WithMessage(err, "AddScalar")
	}
	b.Launch(func() {
		unaryOp(dst, src, func(v float64) float64 { return v + addend })
	})
	return nil
}

// AddTo issues dst[i] = x[i] + y[i] on the current stream.
func (b *Backend) AddTo(dst, x, y *Buffer) error {
	if err := b.checkOperands(dst, x, y); err != nil {
		return errors.WithMessage(err, "AddTo")
	}
	b.Launch(func() {
		binaryOp(dst, x, y, func(a, c float64) float64 { return a + c })
	})
	return nil
}

// MulTo issues dst[i] = x[i] * y[i] on the current stream.
func (b *Backend) MulTo(dst, x, y *Buffer) error {
	if err := b.checkOperands(dst, x, y); err != nil {
		return errors.WithMessage(err, "MulTo")
	}
	b.Launch(func() {
		binaryOp(dst, x, y, func(a, c float64) float64 { return a * c })
	})
	return nil
}

func (b *Backend) checkOperands(dst *Buffer, srcs ...*Buffer) error {
	if _, err := b.bufferOf(dst); err != nil {
		return err
	}
	for _, src := range srcs {
		if _, err := b.bufferOf(src); err != nil {
			return err
		}
		if !src.shape.Equal(dst.shape) {
			return errors.Errorf("backend %q: operand shaped %s doesn't match destination shaped %s",
				BackendName, src.shape, dst.shape)
		}
	}
	return nil
}

// unaryOp applies fn element-wise, dispatching on the buffers' dtype.
// The float64 intermediate keeps the dispatch table small; the kernels here exist for
// testing and benchmarking, not numerical performance.
func unaryOp(dst, src *Buffer, fn func(float64) float64) {
	switch dst.shape.DType {
	case dtypes.Float32:
		unaryFlat(dst.flat.([]float32), src.flat.([]float32), fn)
	case dtypes.Float64:
		unaryFlat(dst.flat.([]float64), src.flat.([]float64), fn)
	case dtypes.Int32:
		unaryFlat(dst.flat.([]int32), src.flat.([]int32), fn)
	case dtypes.Int64:
		unaryFlat(dst.flat.([]int64), src.flat.([]int64), fn)
	case dtypes.Float16:
		dstFlat, srcFlat := dst.flat.([]float16.Float16), src.flat.([]float16.Float16)
		for ii, v := range srcFlat {
			dstFlat[ii] = float16.Fromfloat32(float32(fn(float64(v.Float32()))))
		}
	default:
		panic(errors.Errorf("backend %q: dtype %s not supported by element-wise kernels", BackendName, dst.shape.DType))
	}
}

// binaryOp applies fn element-wise over two operands, dispatching on the dtype.
func binaryOp(dst, x, y *Buffer, fn func(a, b float64) float64) {
	switch dst.shape.DType {
	case dtypes.Float32:
		binaryFlat(dst.flat.([]float32), x.flat.([]float32), y.flat.([]float32), fn)
	case dtypes.Float64:
		binaryFlat(dst.flat.([]float64), x.flat.([]float64), y.flat.([]float64), fn)
	case dtypes.Int32:
		binaryFlat(dst.flat.([]int32), x.flat.([]int32), y.flat.([]int32), fn)
	case dtypes.Int64:
		binaryFlat(dst.flat.([]int64), x.flat.([]int64), y.flat.([]int64), fn)
	case dtypes.Float16:
		dstFlat, xFlat, yFlat := dst.flat.([]float16.Float16), x.flat.([]float16.Float16), y.flat.([]float16.Float16)
		for ii := range dstFlat {
			dstFlat[ii] = float16.Fromfloat32(float32(fn(float64(xFlat[ii].Float32()), float64(yFlat[ii].Float32()))))
		}
	default:
		panic(errors.Errorf("backend %q: dtype %s not supported by element-wise kernels", BackendName, dst.shape.DType))
	}
}

func unaryFlat[T constraints.Integer | constraints.Float](dst, src []T, fn func(float64) float64) {
	for ii, v := range src {
		dst[ii] = T(fn(float64(v)))
	}
}

func binaryFlat[T constraints.Integer | constraints.Float](dst, x, y []T, fn func(a, b float64) float64) {
	for ii := range dst {
		dst[ii] = T(fn(float64(x[ii]), float64(y[ii])))
	}
}
