package vm

import (
	"math"
	"runtime"

	"github.com/chewxy/math32"
	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Execute runs the function's register program: inputs holds the raw storage of each
// argument in declaration order, outputs the (pre-allocated) storage the results are
// written into.
//
// It is the device-side half of an invocation: the runtime submits it as device work,
// so it may run on a device's dispatcher goroutine. Storage sizes must match the
// declared signature or it fails with an hal.ErrInvalidArgument-wrapped error; faults
// while executing (e.g. integer division by zero) surface as panics for the driver to
// convert into hal.ErrInternal.
func (f *Function) Execute(inputs, outputs [][]byte) error {
	if len(inputs) != len(f.inputs) {
		return errors.Wrapf(hal.ErrInvalidArgument, "%s takes %d inputs, got %d", f, len(f.inputs), len(inputs))
	}
	for ii, spec := range f.inputs {
		if len(inputs[ii]) != spec.ByteSize() {
			return errors.Wrapf(hal.ErrInvalidArgument,
				"%s input #%d is %s (%d bytes), got %d bytes", f, ii, spec, spec.ByteSize(), len(inputs[ii]))
		}
	}
	if len(outputs) != len(f.outputs) {
		return errors.Wrapf(hal.ErrInvalidArgument, "%s yields %d outputs, got %d", f, len(f.outputs), len(outputs))
	}
	for ii, spec := range f.outputs {
		if len(outputs[ii]) != spec.ByteSize() {
			return errors.Wrapf(hal.ErrInvalidArgument,
				"%s output #%d is %s (%d bytes), got %d bytes", f, ii, spec, spec.ByteSize(), len(outputs[ii]))
		}
	}

	regs := make([][]byte, 0, len(f.regs))
	regs = append(regs, inputs...)
	for ii, instr := range f.code {
		spec := f.regs[len(f.inputs)+ii]
		dst := make([]byte, spec.ByteSize())
		var rhs []byte
		if instr.op.IsBinary() {
			rhs = regs[instr.rhs]
		}
		if err := execInstruction(spec.DType, instr.op, dst, regs[instr.lhs], rhs); err != nil {
			return errors.WithMessagef(err, "%s instruction #%d (%s)", f, ii, instr.op)
		}
		regs = append(regs, dst)
	}
	for ii, reg := range f.outRegs {
		copy(outputs[ii], regs[reg])
	}
	return nil
}

// execInstruction dispatches one elementwise operation on the element type.
// rhs is nil for unary operations.
func execInstruction(dtype dtypes.DType, op OpType, dst, lhs, rhs []byte) error {
	switch dtype {
	case dtypes.Int8:
		return execInteger(op, hal.BytesToFlat[int8](dst), hal.BytesToFlat[int8](lhs), hal.BytesToFlat[int8](rhs))
	case dtypes.Int16:
		return execInteger(op, hal.BytesToFlat[int16](dst), hal.BytesToFlat[int16](lhs), hal.BytesToFlat[int16](rhs))
	case dtypes.Int32:
		return execInteger(op, hal.BytesToFlat[int32](dst), hal.BytesToFlat[int32](lhs), hal.BytesToFlat[int32](rhs))
	case dtypes.Int64:
		return execInteger(op, hal.BytesToFlat[int64](dst), hal.BytesToFlat[int64](lhs), hal.BytesToFlat[int64](rhs))
	case dtypes.Uint8:
		return execInteger(op, hal.BytesToFlat[uint8](dst), hal.BytesToFlat[uint8](lhs), hal.BytesToFlat[uint8](rhs))
	case dtypes.Uint16:
		return execInteger(op, hal.BytesToFlat[uint16](dst), hal.BytesToFlat[uint16](lhs), hal.BytesToFlat[uint16](rhs))
	case dtypes.Uint32:
		return execInteger(op, hal.BytesToFlat[uint32](dst), hal.BytesToFlat[uint32](lhs), hal.BytesToFlat[uint32](rhs))
	case dtypes.Uint64:
		return execInteger(op, hal.BytesToFlat[uint64](dst), hal.BytesToFlat[uint64](lhs), hal.BytesToFlat[uint64](rhs))
	case dtypes.Float16:
		return execFloat16(op, hal.BytesToFlat[float16.Float16](dst), hal.BytesToFlat[float16.Float16](lhs), hal.BytesToFlat[float16.Float16](rhs))
	case dtypes.Float32:
		return execFloat32(op, hal.BytesToFlat[float32](dst), hal.BytesToFlat[float32](lhs), hal.BytesToFlat[float32](rhs))
	case dtypes.Float64:
		return execFloat64(op, hal.BytesToFlat[float64](dst), hal.BytesToFlat[float64](lhs), hal.BytesToFlat[float64](rhs))
	}
	return errors.Wrapf(hal.ErrInternal, "no kernels for element type %s", dtype)
}

// Above this many elements, elementwise loops are split across goroutines.
const parallelThreshold = 64 * 1024

// forEachRange runs apply over [0, n) in parallel chunks when n is large; a panic in
// any chunk is re-raised by Wait on the calling goroutine, where the driver converts
// it into a fault.
func forEachRange(n int, apply func(start, end int)) {
	if n < parallelThreshold {
		apply(0, n)
		return
	}
	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers
	var group errgroup.Group
	group.SetLimit(workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		group.Go(func() error {
			apply(start, end)
			return nil
		})
	}
	_ = group.Wait() // Chunks return no errors, only panics, which Wait re-raises.
}

// execBinaryLoop implements the binary operations for any native numeric type.
func execBinaryLoop[T dtypes.Number](op OpType, dst, lhs, rhs []T) error {
	var kernel func(start, end int)
	switch op {
	case OpMul:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = lhs[ii] * rhs[ii]
			}
		}
	case OpAdd:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = lhs[ii] + rhs[ii]
			}
		}
	case OpSub:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = lhs[ii] - rhs[ii]
			}
		}
	case OpDiv:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = lhs[ii] / rhs[ii]
			}
		}
	case OpMin:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = min(lhs[ii], rhs[ii])
			}
		}
	case OpMax:
		kernel = func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = max(lhs[ii], rhs[ii])
			}
		}
	default:
		return errors.Wrapf(hal.ErrInternal, "%s is not a binary operation", op)
	}
	forEachRange(len(dst), kernel)
	return nil
}

type integer interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// execInteger handles the integer element types. Sqrt/Exp never reach here: Load
// rejects them on non-float registers.
func execInteger[T integer](op OpType, dst, lhs, rhs []T) error {
	if op.IsBinary() {
		return execBinaryLoop(op, dst, lhs, rhs)
	}
	switch op {
	case OpNeg:
		forEachRange(len(dst), func(start, end int) {
			for ii := start; ii < end; ii++ {
				dst[ii] = -lhs[ii]
			}
		})
	case OpAbs:
		forEachRange(len(dst), func(start, end int) {
			for ii := start; ii < end; ii++ {
				value := lhs[ii]
				if value < 0 {
					value = -value
				}
				dst[ii] = value
			}
		})
	default:
		return errors.Wrapf(hal.ErrInternal, "no integer kernel for %s", op)
	}
	return nil
}

func execFloat32(op OpType, dst, lhs, rhs []float32) error {
	if op.IsBinary() {
		return execBinaryLoop(op, dst, lhs, rhs)
	}
	var kernel func(value float32) float32
	switch op {
	case OpNeg:
		kernel = func(value float32) float32 { return -value }
	case OpAbs:
		kernel = math32.Abs
	case OpSqrt:
		kernel = math32.Sqrt
	case OpExp:
		kernel = math32.Exp
	default:
		return errors.Wrapf(hal.ErrInternal, "no float32 kernel for %s", op)
	}
	forEachRange(len(dst), func(start, end int) {
		for ii := start; ii < end; ii++ {
			dst[ii] = kernel(lhs[ii])
		}
	})
	return nil
}

func execFloat64(op OpType, dst, lhs, rhs []float64) error {
	// The arithmetic binary operations go through gonum's optimized elementwise kernels.
	switch op {
	case OpMul:
		floats.MulTo(dst, lhs, rhs)
		return nil
	case OpAdd:
		floats.AddTo(dst, lhs, rhs)
		return nil
	case OpSub:
		floats.SubTo(dst, lhs, rhs)
		return nil
	case OpDiv:
		floats.DivTo(dst, lhs, rhs)
		return nil
	case OpMin, OpMax:
		return execBinaryLoop(op, dst, lhs, rhs)
	}
	var kernel func(value float64) float64
	switch op {
	case OpNeg:
		kernel = func(value float64) float64 { return -value }
	case OpAbs:
		kernel = math.Abs
	case OpSqrt:
		kernel = math.Sqrt
	case OpExp:
		kernel = math.Exp
	default:
		return errors.Wrapf(hal.ErrInternal, "no float64 kernel for %s", op)
	}
	forEachRange(len(dst), func(start, end int) {
		for ii := start; ii < end; ii++ {
			dst[ii] = kernel(lhs[ii])
		}
	})
	return nil
}

// execFloat16 computes in float32 and converts back, since Float16 has no native
// arithmetic in Go.
func execFloat16(op OpType, dst, lhs, rhs []float16.Float16) error {
	lhs32 := make([]float32, len(lhs))
	for ii, value := range lhs {
		lhs32[ii] = value.Float32()
	}
	var rhs32 []float32
	if rhs != nil {
		rhs32 = make([]float32, len(rhs))
		for ii, value := range rhs {
			rhs32[ii] = value.Float32()
		}
	}
	dst32 := make([]float32, len(dst))
	if err := execFloat32(op, dst32, lhs32, rhs32); err != nil {
		return err
	}
	for ii, value := range dst32 {
		dst[ii] = float16.Fromfloat32(value)
	}
	return nil
}
