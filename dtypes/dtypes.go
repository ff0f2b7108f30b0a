// Package dtypes defines the DType enum of element types supported by gort buffer views,
// along with converters to/from Go native types and size helpers.
//
// Only fixed-width numeric types (plus Bool) are defined: a DType is a numeric kind and a
// bit width, and every DType here has a storage size that is a whole number of bytes.
package dtypes

import (
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum representing the element type of a buffer view.
type DType int32

const (
	// InvalidDType serves as the default, and is not valid anywhere.
	InvalidDType DType = 0

	// Bool elements are two-state predicates, stored one byte per element.
	Bool DType = 1

	// Int8 and the following are signed integral values of fixed width.
	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	// Uint8 and the following are unsigned integral values of fixed width.
	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE-754 half-precision float, see github.com/x448/float16.
	Float16 DType = 10

	// Float32 and Float64 are the usual IEEE-754 floats.
	Float32 DType = 11
	Float64 DType = 12
)

// names indexed by DType value.
var names = [...]string{
	"InvalidDType",
	"Bool",
	"Int8", "Int16", "Int32", "Int64",
	"Uint8", "Uint16", "Uint32", "Uint64",
	"Float16", "Float32", "Float64",
}

// MapOfNames to their dtypes.
// It is initialized to also include the lower-case version of the names.
var MapOfNames = map[string]DType{}

func init() {
	for dtype, name := range names {
		MapOfNames[name] = DType(dtype)
	}
	// Add a mapping of the lower-case version of the names.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(names) {
		return "DType(" + strconv.Itoa(int(dtype)) + ")"
	}
	return names[dtype]
}

// IsValid reports whether dtype is one of the defined element types.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(names)
}

// IsFloat reports whether dtype is one of the floating point types.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt reports whether dtype is one of the integer types, signed or unsigned.
func (dtype DType) IsInt() bool {
	return dtype >= Int8 && dtype <= Uint64
}

// DTypeString returns the DType registered under the given name (case-insensitive for
// the canonical names), or InvalidDType and an error if the name is unknown.
func DTypeString(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown DType name %q", name)
}

// Size returns the number of bytes used to store one element of the given DType.
// It returns 0 for invalid dtypes.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// Bits returns the number of bits used to store one element of the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// SizeForDimensions returns the size in bytes used to store the given dimensions.
//
// It works also for scalar (one element) shapes, where the list of dimensions is empty.
// Any zero dimension yields a zero size; negative dimensions return an error.
func (dtype DType) SizeForDimensions(dimensions ...int) (int, error) {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			return 0, errors.Errorf("dimensions cannot be negative for SizeForDimensions, got %v", dimensions)
		}
		numElements *= dim
	}
	return numElements * dtype.Size(), nil
}

// Pre-generated constant reflect.Type for convenience.
var float16Type = reflect.TypeOf(float16.Float16(0))

// GoType returns the Go reflect.Type corresponding to the DType.
// Notice Float16 maps to float16.Float16 (an alias to uint16) of the package
// github.com/x448/float16.
//
// It returns nil for InvalidDType or unknown values.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(true)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return float16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	default:
		return nil
	}
}

// FromGoType returns the DType for the given reflect.Type, or InvalidDType if the type
// is not supported.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// FromGenericsType returns the DType for the given Go type known to this package.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}

// FromAny introspects the underlying type of value and returns the corresponding DType.
// Non-scalar or unsupported types return InvalidDType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

// Supported lists the Go types corresponding to valid DType values.
// Used as a constraint for generics.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64
}

// Number lists the Go native numeric types corresponding to valid DType values.
// Notice it does not include float16.Float16, which has no native arithmetic.
//
// Used as a constraint for generics.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// GoFloat lists the Go native float types corresponding to valid DType values.
type GoFloat interface {
	float32 | float64
}
