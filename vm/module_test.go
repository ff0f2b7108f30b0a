package vm

import (
	"encoding/binary"
	"testing"

	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	"github.com/stretchr/testify/require"
)

// buildSimpleMul returns the blob of a module with one export, simple_mul,
// multiplying two Float32[4] inputs.
func buildSimpleMul(t *testing.T) []byte {
	b := NewModuleBuilder("module")
	f := b.AddFunction("simple_mul")
	lhs := f.AddInput(dtypes.Float32, 4)
	rhs := f.AddInput(dtypes.Float32, 4)
	f.Returns(f.AppendBinary(OpMul, lhs, rhs))
	data, err := b.Build()
	require.NoError(t, err)
	return data
}

func TestLoadRoundTrip(t *testing.T) {
	m, err := Load(buildSimpleMul(t))
	require.NoError(t, err)
	require.Equal(t, "module", m.Name())
	require.Len(t, m.Functions(), 1)

	f, found := m.FindFunction("simple_mul")
	require.True(t, found)
	require.Equal(t, "module.simple_mul", f.QualifiedName())
	require.Equal(t, "module.simple_mul(Float32[4], Float32[4]) -> (Float32[4])", f.String())
	require.Equal(t, []TensorSpec{
		{DType: dtypes.Float32, Dimensions: []int{4}},
		{DType: dtypes.Float32, Dimensions: []int{4}},
	}, f.Inputs())
	require.Equal(t, []TensorSpec{{DType: dtypes.Float32, Dimensions: []int{4}}}, f.Outputs())

	_, found = m.FindFunction("no_such_function")
	require.False(t, found)
}

func TestLoadHeaderErrors(t *testing.T) {
	good := buildSimpleMul(t)

	for name, mutate := range map[string]func(data []byte) []byte{
		"bad magic": func(data []byte) []byte {
			data[0] = 'X'
			return data
		},
		"bad version": func(data []byte) []byte {
			binary.LittleEndian.PutUint16(data[len(magic):], formatVersion+1)
			return data
		},
		"truncated": func(data []byte) []byte {
			return data[:len(data)-3]
		},
		"trailing bytes": func(data []byte) []byte {
			return append(data, 0)
		},
		"empty": func(data []byte) []byte {
			return nil
		},
	} {
		data := mutate(append([]byte{}, good...))
		_, err := Load(data)
		require.ErrorIs(t, err, hal.ErrFormat, "case %q", name)
	}
}

// rawModule hand-serializes a module header with one function, so tests can encode
// bodies the builder would refuse to produce.
func rawModule(functionName string, body func(data []byte) []byte) []byte {
	data := magic[:]
	data = binary.LittleEndian.AppendUint16(data, formatVersion)
	data = appendString(data, "module")
	data = binary.LittleEndian.AppendUint16(data, 1)
	data = appendString(data, functionName)
	return body(data)
}

func TestLoadBodyErrors(t *testing.T) {
	f32x4 := TensorSpec{DType: dtypes.Float32, Dimensions: []int{4}}
	i32x4 := TensorSpec{DType: dtypes.Int32, Dimensions: []int{4}}
	f32x2 := TensorSpec{DType: dtypes.Float32, Dimensions: []int{2}}

	for name, data := range map[string][]byte{
		"bad function name": rawModule("", func(data []byte) []byte {
			data = append(data, 0, 0)
			return binary.LittleEndian.AppendUint16(data, 0)
		}),
		"bool input": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, TensorSpec{DType: dtypes.Bool})
			data = append(data, 0)
			return binary.LittleEndian.AppendUint16(data, 0)
		}),
		"unknown opcode": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = append(data, 0)
			data = binary.LittleEndian.AppendUint16(data, 1)
			return append(data, 0xEE, 0, noOperand)
		}),
		"undefined operand register": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = append(data, 0)
			data = binary.LittleEndian.AppendUint16(data, 1)
			return append(data, byte(OpMul), 0, 7)
		}),
		"operand shape disagreement": rawModule("f", func(data []byte) []byte {
			data = append(data, 2)
			data = appendTensorSpec(data, f32x4)
			data = appendTensorSpec(data, f32x2)
			data = append(data, 0)
			data = binary.LittleEndian.AppendUint16(data, 1)
			return append(data, byte(OpMul), 0, 1)
		}),
		"sqrt of integers": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, i32x4)
			data = append(data, 0)
			data = binary.LittleEndian.AppendUint16(data, 1)
			return append(data, byte(OpSqrt), 0, noOperand)
		}),
		"unary with second operand": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = append(data, 0)
			data = binary.LittleEndian.AppendUint16(data, 1)
			return append(data, byte(OpNeg), 0, 0)
		}),
		"undefined output register": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = binary.LittleEndian.AppendUint16(data, 0)
			return append(data, 9)
		}),
		"output spec mismatch": rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, f32x4)
			data = append(data, 1)
			data = appendTensorSpec(data, f32x2)
			data = binary.LittleEndian.AppendUint16(data, 0)
			return append(data, 0)
		}),
	} {
		_, err := Load(data)
		require.ErrorIs(t, err, hal.ErrFormat, "case %q", name)
	}
}

func TestLoadShapeLimit(t *testing.T) {
	withShape := func(dims ...int) []byte {
		return rawModule("f", func(data []byte) []byte {
			data = append(data, 1)
			data = appendTensorSpec(data, TensorSpec{DType: dtypes.Float32, Dimensions: dims})
			data = append(data, 0)
			return binary.LittleEndian.AppendUint16(data, 0)
		})
	}

	// Dims whose product overflows int64 must not wrap past the limit.
	_, err := Load(withShape(4294967295, 4294967295))
	require.ErrorIs(t, err, hal.ErrFormat)
	_, err = Load(withShape(4294967295, 4294967295, 4294967295))
	require.ErrorIs(t, err, hal.ErrFormat)
	_, err = Load(withShape(65536, 65536, 2))
	require.ErrorIs(t, err, hal.ErrFormat)

	// Exactly at the limit still loads, and its sizes stay positive.
	m, err := Load(withShape(65536, 65536))
	require.NoError(t, err)
	spec := m.Functions()[0].Inputs()[0]
	require.Equal(t, 1<<32, spec.NumElements())
	require.Equal(t, 1<<34, spec.ByteSize())

	// Zero dims are legal and short-circuit the product.
	_, err = Load(withShape(0, 4294967295))
	require.NoError(t, err)
}

func TestLoadDuplicateFunction(t *testing.T) {
	data := magic[:]
	data = binary.LittleEndian.AppendUint16(data, formatVersion)
	data = appendString(data, "module")
	data = binary.LittleEndian.AppendUint16(data, 2)
	for range 2 {
		data = appendString(data, "f")
		data = append(data, 1)
		data = appendTensorSpec(data, TensorSpec{DType: dtypes.Float32, Dimensions: []int{4}})
		data = append(data, 1)
		data = appendTensorSpec(data, TensorSpec{DType: dtypes.Float32, Dimensions: []int{4}})
		data = binary.LittleEndian.AppendUint16(data, 0)
		data = append(data, 0)
	}
	_, err := Load(data)
	require.ErrorIs(t, err, hal.ErrFormat)
	require.ErrorContains(t, err, "twice")
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewModuleBuilder("not an identifier").Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Duplicate function name.
	b := NewModuleBuilder("module")
	b.AddFunction("f").AddInput(dtypes.Float32, 4)
	b.AddFunction("f")
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Missing Returns.
	b = NewModuleBuilder("module")
	b.AddFunction("f").AddInput(dtypes.Float32, 4)
	_, err = b.Build()
	require.ErrorContains(t, err, "Returns")

	// Input after the first operation.
	b = NewModuleBuilder("module")
	f := b.AddFunction("f")
	in := f.AddInput(dtypes.Float32, 4)
	f.Returns(f.AppendUnary(OpNeg, in))
	f.AddInput(dtypes.Float32, 4)
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Bool and invalid element types.
	b = NewModuleBuilder("module")
	b.AddFunction("f").AddInput(dtypes.Bool, 4)
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Negative dimension.
	b = NewModuleBuilder("module")
	b.AddFunction("f").AddInput(dtypes.Float32, -4)
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Unary opcode passed to AppendBinary.
	b = NewModuleBuilder("module")
	f = b.AddFunction("f")
	in = f.AddInput(dtypes.Float32, 4)
	f.Returns(f.AppendBinary(OpNeg, in, in))
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)

	// Undefined register.
	b = NewModuleBuilder("module")
	f = b.AddFunction("f")
	f.AddInput(dtypes.Float32, 4)
	f.Returns(Reg(7))
	_, err = b.Build()
	require.ErrorIs(t, err, hal.ErrInvalidArgument)
}

func TestTensorSpec(t *testing.T) {
	spec := TensorSpec{DType: dtypes.Float32, Dimensions: []int{4, 2}}
	require.Equal(t, 8, spec.NumElements())
	require.Equal(t, 32, spec.ByteSize())
	require.Equal(t, "Float32[4x2]", spec.String())
	require.True(t, spec.Equal(TensorSpec{DType: dtypes.Float32, Dimensions: []int{4, 2}}))
	require.False(t, spec.Equal(TensorSpec{DType: dtypes.Float64, Dimensions: []int{4, 2}}))

	scalar := TensorSpec{DType: dtypes.Int8}
	require.Equal(t, 1, scalar.NumElements())
	require.Equal(t, 1, scalar.ByteSize())
}
