// Package vm implements the module format executed by gort sessions: a binary blob of
// exported functions, each declaring a typed signature and a short register program of
// elementwise operations.
//
// The blob layout (all integers little-endian):
//
//	magic   [6]byte "GORTVM"
//	version uint16 (currently 1)
//	module name: uint16 length + bytes
//	numFunctions uint16, then per function:
//	  name: uint16 length + bytes
//	  numInputs uint8, per input:  dtype uint8, rank uint8, dims [rank]uint32
//	  numOutputs uint8, per output: same encoding
//	  numInstructions uint16, per instruction: op uint8, lhs uint8, rhs uint8
//	  output registers: [numOutputs]uint8
//
// Registers 0..numInputs-1 hold the inputs; instruction k defines register
// numInputs+k. Unary instructions carry 0xFF as their rhs. All operations are
// elementwise, so every register's shape and element type are inferred at load time
// and the whole program is validated before Load returns.
//
// The runtime treats module bytes as opaque; producing them is the job of a compiler,
// or of ModuleBuilder for tests and demos.
package vm

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gort/dtypes"
	"github.com/gomlx/gort/hal"
	"github.com/pkg/errors"
)

var magic = [6]byte{'G', 'O', 'R', 'T', 'V', 'M'}

const (
	formatVersion = 1

	// noOperand marks the absent rhs of unary instructions.
	noOperand = 0xFF

	// maxRegisters per function; 0xFF is reserved for noOperand.
	maxRegisters = 255

	// maxElementsPerTensor keeps a malformed blob from declaring absurd shapes.
	maxElementsPerTensor int64 = 1 << 32
)

// TensorSpec is the declared element type and shape of one function input, output or
// register.
type TensorSpec struct {
	DType      dtypes.DType
	Dimensions []int
}

// NumElements returns the product of the dimensions (1 for a scalar).
func (s TensorSpec) NumElements() int {
	numElements := 1
	for _, dim := range s.Dimensions {
		numElements *= dim
	}
	return numElements
}

// ByteSize returns the storage size required for the spec.
func (s TensorSpec) ByteSize() int {
	return s.NumElements() * s.DType.Size()
}

// Equal reports whether both specs declare the same element type and shape.
func (s TensorSpec) Equal(other TensorSpec) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// String implements fmt.Stringer: e.g. "Float32[4]".
func (s TensorSpec) String() string {
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("%s[%s]", s.DType, strings.Join(parts, "x"))
}

type instruction struct {
	op       OpType
	lhs, rhs int
}

// Function is one exported, executable entry of a Module.
type Function struct {
	module  *Module
	name    string
	inputs  []TensorSpec
	outputs []TensorSpec

	// regs holds the inferred spec of every register: inputs first, then one per
	// instruction.
	regs    []TensorSpec
	code    []instruction
	outRegs []int
}

// Name returns the function's export name, without the module prefix.
func (f *Function) Name() string {
	return f.name
}

// QualifiedName returns the dotted name the function resolves under, e.g.
// "module.simple_mul".
func (f *Function) QualifiedName() string {
	return f.module.name + "." + f.name
}

// Inputs returns the declared input specs. The slice is owned by the function, don't
// change it.
func (f *Function) Inputs() []TensorSpec {
	return f.inputs
}

// Outputs returns the declared output specs. The slice is owned by the function,
// don't change it.
func (f *Function) Outputs() []TensorSpec {
	return f.outputs
}

// String implements fmt.Stringer.
func (f *Function) String() string {
	ins := make([]string, len(f.inputs))
	for ii, spec := range f.inputs {
		ins[ii] = spec.String()
	}
	outs := make([]string, len(f.outputs))
	for ii, spec := range f.outputs {
		outs[ii] = spec.String()
	}
	return fmt.Sprintf("%s(%s) -> (%s)", f.QualifiedName(), strings.Join(ins, ", "), strings.Join(outs, ", "))
}

// Module is a parsed, validated set of exported functions.
type Module struct {
	name      string
	functions []*Function
	byName    map[string]*Function
}

// Name returns the module name, the prefix of its exports' qualified names.
func (m *Module) Name() string {
	return m.name
}

// Functions returns the exports in declaration order. The slice is owned by the
// module, don't change it.
func (m *Module) Functions() []*Function {
	return m.functions
}

// FindFunction returns the export with the given (unqualified) name.
func (m *Module) FindFunction(name string) (*Function, bool) {
	f, found := m.byName[name]
	return f, found
}

// String implements fmt.Stringer.
func (m *Module) String() string {
	return fmt.Sprintf("Module[%q, %d functions]", m.name, len(m.functions))
}

// reader decodes the little-endian wire form, failing sticky on truncation.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = errors.Wrapf(hal.ErrFormat, format, args...)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.fail("truncated module: needed %d bytes at offset %d of %d", n, r.pos, len(r.data))
		return nil
	}
	chunk := r.data[r.pos : r.pos+n]
	r.pos += n
	return chunk
}

func (r *reader) uint8() int {
	chunk := r.take(1)
	if chunk == nil {
		return 0
	}
	return int(chunk[0])
}

func (r *reader) uint16() int {
	chunk := r.take(2)
	if chunk == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(chunk))
}

func (r *reader) uint32() int {
	chunk := r.take(4)
	if chunk == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint32(chunk))
}

func (r *reader) string() string {
	length := r.uint16()
	chunk := r.take(length)
	if chunk == nil {
		return ""
	}
	return string(chunk)
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for ii, char := range name {
		isLetter := char == '_' || (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z')
		isDigit := char >= '0' && char <= '9'
		if !isLetter && !(isDigit && ii > 0) {
			return false
		}
	}
	return true
}

// Load parses and validates an in-memory module blob.
//
// Any malformation -- bad magic or version, invalid names, unsupported element types,
// out-of-range register references, elementwise shape disagreements, trailing bytes --
// fails with an hal.ErrFormat-wrapped error describing the offense.
func Load(data []byte) (*Module, error) {
	r := &reader{data: data}
	if header := r.take(len(magic)); header != nil && [6]byte(header) != magic {
		r.fail("bad magic %q, not a gort module", header)
	}
	if version := r.uint16(); r.err == nil && version != formatVersion {
		r.fail("unsupported module format version %d, this runtime reads version %d", version, formatVersion)
	}
	m := &Module{
		name:   r.string(),
		byName: make(map[string]*Function),
	}
	if r.err == nil && !isIdentifier(m.name) {
		r.fail("invalid module name %q", m.name)
	}
	numFunctions := r.uint16()
	for ii := 0; ii < numFunctions && r.err == nil; ii++ {
		f := loadFunction(r, m)
		if r.err != nil {
			break
		}
		if _, found := m.byName[f.name]; found {
			r.fail("module %q declares function %q twice", m.name, f.name)
			break
		}
		m.functions = append(m.functions, f)
		m.byName[f.name] = f
	}
	if r.err == nil && r.pos != len(r.data) {
		r.fail("%d trailing bytes after module contents", len(r.data)-r.pos)
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

func loadTensorSpec(r *reader) TensorSpec {
	spec := TensorSpec{DType: dtypes.DType(r.uint8())}
	if r.err != nil {
		return spec
	}
	if !spec.DType.IsValid() || spec.DType == dtypes.Bool {
		r.fail("unsupported element type %s", spec.DType)
		return spec
	}
	rank := r.uint8()
	spec.Dimensions = make([]int, 0, rank)
	numElements := int64(1)
	for ii := 0; ii < rank && r.err == nil; ii++ {
		dim := r.uint32()
		// Checked before multiplying, so the running product cannot overflow.
		if dim > 0 && numElements > maxElementsPerTensor/int64(dim) {
			r.fail("shape %vx%d exceeds the %d elements limit", spec.Dimensions, dim, maxElementsPerTensor)
			return spec
		}
		spec.Dimensions = append(spec.Dimensions, dim)
		numElements *= int64(dim)
	}
	return spec
}

func loadFunction(r *reader, m *Module) *Function {
	f := &Function{module: m, name: r.string()}
	if r.err != nil {
		return f
	}
	if !isIdentifier(f.name) {
		r.fail("invalid function name %q in module %q", f.name, m.name)
		return f
	}

	numInputs := r.uint8()
	f.inputs = make([]TensorSpec, 0, numInputs)
	for ii := 0; ii < numInputs && r.err == nil; ii++ {
		f.inputs = append(f.inputs, loadTensorSpec(r))
	}
	numOutputs := r.uint8()
	f.outputs = make([]TensorSpec, 0, numOutputs)
	for ii := 0; ii < numOutputs && r.err == nil; ii++ {
		f.outputs = append(f.outputs, loadTensorSpec(r))
	}
	if r.err != nil {
		return f
	}

	numInstructions := r.uint16()
	if numInputs+numInstructions > maxRegisters {
		r.fail("function %q uses %d registers, limit is %d", f.name, numInputs+numInstructions, maxRegisters)
		return f
	}
	f.regs = slices.Clone(f.inputs)
	f.code = make([]instruction, 0, numInstructions)
	for ii := 0; ii < numInstructions && r.err == nil; ii++ {
		instr := instruction{op: OpType(r.uint8()), lhs: r.uint8(), rhs: r.uint8()}
		if r.err != nil {
			break
		}
		spec, err := inferInstruction(f, instr)
		if err != nil {
			r.fail("function %q, instruction #%d: %v", f.name, ii, err)
			break
		}
		f.code = append(f.code, instr)
		f.regs = append(f.regs, spec)
	}
	if r.err != nil {
		return f
	}

	// Outputs are taken from the listed registers, which must match the declared specs.
	f.outRegs = make([]int, 0, numOutputs)
	for ii := 0; ii < numOutputs && r.err == nil; ii++ {
		reg := r.uint8()
		if reg >= len(f.regs) {
			r.fail("function %q output #%d reads undefined register %d", f.name, ii, reg)
			break
		}
		if !f.regs[reg].Equal(f.outputs[ii]) {
			r.fail("function %q output #%d declared as %s but register %d holds %s",
				f.name, ii, f.outputs[ii], reg, f.regs[reg])
			break
		}
		f.outRegs = append(f.outRegs, reg)
	}
	return f
}

// inferInstruction validates the instruction against the registers defined so far and
// returns the spec of the register it defines.
func inferInstruction(f *Function, instr instruction) (TensorSpec, error) {
	if !instr.op.IsBinary() && !instr.op.IsUnary() {
		return TensorSpec{}, errors.Errorf("unknown operation code %d", instr.op)
	}
	if instr.lhs >= len(f.regs) {
		return TensorSpec{}, errors.Errorf("%s reads undefined register %d", instr.op, instr.lhs)
	}
	lhs := f.regs[instr.lhs]
	if instr.op.IsUnary() {
		if instr.rhs != noOperand {
			return TensorSpec{}, errors.Errorf("unary %s carries a second operand (%d)", instr.op, instr.rhs)
		}
		if (instr.op == OpSqrt || instr.op == OpExp) && !lhs.DType.IsFloat() {
			return TensorSpec{}, errors.Errorf("%s requires a float operand, got %s", instr.op, lhs)
		}
		return lhs, nil
	}
	if instr.rhs >= len(f.regs) {
		return TensorSpec{}, errors.Errorf("%s reads undefined register %d", instr.op, instr.rhs)
	}
	rhs := f.regs[instr.rhs]
	if !lhs.Equal(rhs) {
		return TensorSpec{}, errors.Errorf("%s operands disagree: %s vs %s", instr.op, lhs, rhs)
	}
	return lhs, nil
}
